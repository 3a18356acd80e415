package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

// rtpMediaWriter is the shape shared by pion's h264writer and ivfwriter.
type rtpMediaWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// rtpFileWriter feeds samples through an RTP framer into a pion media
// writer backed by a pending file.
type rtpFileWriter struct {
	out    *fileOutput
	framer *rtpFramer
	media  rtpMediaWriter
}

// newH264Writer writes an Annex-B .h264 file through pion's h264writer.
func newH264Writer(path string, track TrackConfig) (*rtpFileWriter, error) {
	framer, err := newRTPFramer(track.Codec)
	if err != nil {
		return nil, err
	}
	out, err := createFileOutput(path)
	if err != nil {
		return nil, err
	}
	return &rtpFileWriter{out: out, framer: framer, media: h264writer.NewWith(out)}, nil
}

// newIVFWriter writes a VP8 or AV1 .ivf file through pion's ivfwriter.
func newIVFWriter(path string, track TrackConfig) (*rtpFileWriter, error) {
	framer, err := newRTPFramer(track.Codec)
	if err != nil {
		return nil, err
	}
	out, err := createFileOutput(path)
	if err != nil {
		return nil, err
	}
	media, err := ivfwriter.NewWith(out, ivfwriter.WithCodec(track.Codec.MimeType()))
	if err != nil {
		out.discard()
		return nil, fmt.Errorf("%w: ivf writer: %w", ErrIOFailure, err)
	}
	return &rtpFileWriter{out: out, framer: framer, media: media}, nil
}

func (w *rtpFileWriter) WriteSample(s *CompressedSample) error {
	for _, pkt := range w.framer.packets(s) {
		if err := w.media.WriteRTP(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (w *rtpFileWriter) Finalize(time.Duration) error {
	if err := w.media.Close(); err != nil {
		return errors.Join(err, w.out.discard())
	}
	return w.out.commit()
}

func (w *rtpFileWriter) Abort() error {
	return errors.Join(w.media.Close(), w.out.discard())
}

func (w *rtpFileWriter) Bytes() int64 {
	return w.out.Bytes()
}
