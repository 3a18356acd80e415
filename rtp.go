package capture

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const rtpMTU = 1200

// payloadType returns the dynamic RTP payload type used for codec.
func payloadType(c VideoCodec) uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecH265:
		return 104
	case VideoCodecAV1:
		return 35
	default:
		return 0
	}
}

// rtpFramer splits encoded samples into RTP packets. The pion media writers
// consume RTP, so file containers built on them go through this step.
type rtpFramer struct {
	packetizer rtp.Packetizer
	clockRate  uint32
}

func newRTPFramer(codec VideoCodec) (*rtpFramer, error) {
	var payloader rtp.Payloader
	switch codec {
	case VideoCodecH264:
		payloader = &codecs.H264Payloader{}
	case VideoCodecVP8:
		payloader = &codecs.VP8Payloader{EnablePictureID: true}
	case VideoCodecVP9:
		payloader = &codecs.VP9Payloader{}
	case VideoCodecAV1:
		payloader = &codecs.AV1Payloader{}
	default:
		return nil, fmt.Errorf("%w: no RTP payloader for %s", ErrUnsupportedContainer, codec)
	}

	clockRate := codec.ClockRate()
	return &rtpFramer{
		packetizer: rtp.NewPacketizer(rtpMTU, payloadType(codec), uuid.New().ID(), payloader, rtp.NewRandomSequencer(), clockRate),
		clockRate:  clockRate,
	}, nil
}

// packets returns the RTP packets carrying s, all stamped with its PTS.
func (f *rtpFramer) packets(s *CompressedSample) []*rtp.Packet {
	pkts := f.packetizer.Packetize(s.Data, uint32(ticks(s.Duration, f.clockRate)))
	ts := uint32(ticks(s.PTS, f.clockRate))
	for _, p := range pkts {
		p.Timestamp = ts
	}
	return pkts
}
