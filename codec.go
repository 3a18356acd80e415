package capture

import "strings"

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecH265:
		return "H265"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// ParseVideoCodec maps a codec name (case-insensitive, "hevc" and "avc"
// accepted) to a VideoCodec.
func ParseVideoCodec(name string) VideoCodec {
	switch strings.ToLower(name) {
	case "vp8":
		return VideoCodecVP8
	case "vp9":
		return VideoCodecVP9
	case "h264", "avc":
		return VideoCodecH264
	case "h265", "hevc":
		return VideoCodecH265
	case "av1":
		return VideoCodecAV1
	default:
		return VideoCodecUnknown
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecH265:
		return "video/H265"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// ClockRate returns the media clock rate used by container writers.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// SampleEntry returns the ISO-BMFF sample entry type for this codec, or ""
// when the codec has no MP4 mapping here.
func (c VideoCodec) SampleEntry() string {
	switch c {
	case VideoCodecH264:
		return "avc1"
	case VideoCodecH265:
		return "hvc1"
	default:
		return ""
	}
}

// AnnexB reports whether encoded samples for this codec are Annex-B byte streams.
func (c VideoCodec) AnnexB() bool {
	return c == VideoCodecH264 || c == VideoCodecH265
}

// DefaultProfile returns the profile/level used when EncoderConfig.Profile is empty.
func (c VideoCodec) DefaultProfile() string {
	switch c {
	case VideoCodecH264:
		return ProfileH264HighAutoLevel
	case VideoCodecH265:
		return ProfileHEVCMain10AutoLevel
	default:
		return ""
	}
}

// Profile/level identifiers understood by the native encoder shim.
const (
	ProfileH264BaselineAutoLevel = "H264_Baseline_AutoLevel"
	ProfileH264MainAutoLevel     = "H264_Main_AutoLevel"
	ProfileH264HighAutoLevel     = "H264_High_AutoLevel"
	ProfileHEVCMainAutoLevel     = "HEVC_Main_AutoLevel"
	ProfileHEVCMain10AutoLevel   = "HEVC_Main10_AutoLevel"
)

// profileBitDepth returns the luma bit depth a profile encodes.
func profileBitDepth(profile string) int {
	if profile == ProfileHEVCMain10AutoLevel {
		return 10
	}
	return 8
}
