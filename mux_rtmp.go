package capture

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMPConfig configures rtmp:// outputs.
type RTMPConfig struct {
	ChunkSize uint32 `yaml:"chunk_size"` // Outgoing chunk size (default: 4096)
	FlashVer  string `yaml:"flash_ver"`  // Reported client version
}

const (
	defaultRTMPPort      = "1935"
	defaultRTMPChunkSize = 4096
	rtmpVideoChunkStream = 6

	flvCodecAVC       = 7
	flvFrameKey       = 1
	flvFrameInter     = 2
	flvAVCSeqHeader   = 0
	flvAVCNALU        = 1
	flvAVCEndOfSeq    = 2
	flvVideoHeaderLen = 5
)

// rtmpWriter publishes H.264 samples as FLV video messages on a live
// RTMP stream.
type rtmpWriter struct {
	client *rtmp.ClientConn
	stream *rtmp.Stream

	sentHeader bool
	lastPS     []byte
	n          atomic.Int64
}

// parseRTMPURL splits rtmp://host[:port]/app/key into dial address, app
// and stream key.
func parseRTMPURL(raw string) (addr, app, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %w", ErrUnsupportedContainer, err)
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: rtmp url %q needs host, app and stream key", ErrUnsupportedContainer, raw)
	}
	addr = u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultRTMPPort)
	}
	return addr, parts[0], parts[1], nil
}

func dialRTMP(rawURL string, cfg RTMPConfig) (*rtmpWriter, error) {
	addr, app, key, err := parseRTMPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultRTMPChunkSize
	}
	if cfg.FlashVer == "" {
		cfg.FlashVer = "FMLE/3.0 (compatible; capture)"
	}

	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrIOFailure, addr, err)
	}

	tcURL := strings.TrimSuffix(rawURL, "/"+key)
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: cfg.FlashVer,
			TCURL:    tcURL,
		},
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", ErrIOFailure, tcURL, err)
	}

	stream, err := client.CreateStream(nil, cfg.ChunkSize)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: create stream: %w", ErrIOFailure, err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: key,
		PublishingType: "live",
	}); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: publish %s: %w", ErrIOFailure, key, err)
	}

	return &rtmpWriter{client: client, stream: stream}, nil
}

func (w *rtmpWriter) writeVideo(ts uint32, payload []byte) error {
	w.n.Add(int64(len(payload)))
	return w.stream.Write(rtmpVideoChunkStream, ts, &rtmpmsg.VideoMessage{
		Payload: bytes.NewReader(payload),
	})
}

// sequenceHeader builds the AVC sequence header tag from in-band
// parameter sets.
func sequenceHeader(ps parameterSets) ([]byte, error) {
	rec, err := avc.CreateAVCDecConfRec(ps.sps, ps.pps, true)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write([]byte{flvFrameKey<<4 | flvCodecAVC, flvAVCSeqHeader, 0, 0, 0})
	if err := rec.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *rtmpWriter) WriteSample(s *CompressedSample) error {
	ts := uint32(s.DTS / time.Millisecond)

	if s.Keyframe {
		ps := extractParameterSets(VideoCodecH264, s.Data)
		if ps.complete(VideoCodecH264) {
			hdr, err := sequenceHeader(ps)
			if err != nil {
				return fmt.Errorf("avc sequence header: %w", err)
			}
			if !w.sentHeader || !bytes.Equal(hdr, w.lastPS) {
				if err := w.writeVideo(ts, hdr); err != nil {
					return err
				}
				w.sentHeader, w.lastPS = true, hdr
			}
		}
	}
	if !w.sentHeader {
		return errors.New("no AVC sequence header before first sample")
	}

	frameType := byte(flvFrameInter)
	if s.Keyframe {
		frameType = flvFrameKey
	}
	cts := int32((s.PTS - s.DTS) / time.Millisecond)
	nalus := lengthPrefixed(s.Data)

	payload := make([]byte, flvVideoHeaderLen, flvVideoHeaderLen+len(nalus))
	payload[0] = frameType<<4 | flvCodecAVC
	payload[1] = flvAVCNALU
	payload[2] = byte(cts >> 16)
	payload[3] = byte(cts >> 8)
	payload[4] = byte(cts)
	payload = append(payload, nalus...)
	return w.writeVideo(ts, payload)
}

func (w *rtmpWriter) Finalize(end time.Duration) error {
	var err error
	if w.sentHeader {
		err = w.writeVideo(uint32(end/time.Millisecond), []byte{flvFrameKey<<4 | flvCodecAVC, flvAVCEndOfSeq, 0, 0, 0})
	}
	return errors.Join(err, w.client.Close())
}

func (w *rtmpWriter) Abort() error {
	return w.client.Close()
}

func (w *rtmpWriter) Bytes() int64 {
	return w.n.Load()
}
