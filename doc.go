// Package capture records live camera frames into a video container
// through a hardware encoder.
//
// A run is driven by a Pipeline:
//
//	FrameSource -> Pipeline.OnFrame -> EncoderSession -> sample queue -> MuxSession -> file / rtmp://
//
// The EncoderSession is created lazily from the first frame's geometry and
// encodes on its own worker goroutine. Compressed samples are appended to
// the MuxSession by a single writer goroutine in encoder output order. Stop
// flushes the encoder, drains the writer and finalizes the output; the
// result is a Recording.
//
// # Encoders
//
// Encoders are looked up in a codec x provider registry. Hardware providers
// (VideoToolbox on darwin, NVENC and VA-API on linux) are reached through
// the libmedia_hwenc shim, loaded with purego at init. The software
// provider uses libmedia_h264 (H.264) and libmedia_vpx (VP8, VP9) and is
// only considered when EncoderConfig.RequireHardware is false, which is not
// the default. MEDIA_HWENC_LIB_PATH, MEDIA_H264_LIB_PATH and
// MEDIA_VPX_LIB_PATH name a library file directly; MEDIA_SDK_LIB_PATH names
// a directory holding all of them.
//
// # Containers
//
// The output is chosen from the path: .mp4/.m4v/.mov (fragmented MP4,
// H.264 and H.265), .h264/.264 and .h265/.265/.hevc (Annex-B), .ivf (VP8,
// AV1) and rtmp:// URLs (H.264 live publish). Files are written to a
// temporary name and renamed into place when the run finishes.
//
// # Build Tags
//
//   - nohwenc: build without the libmedia_hwenc hardware binding
//   - noswenc: build without the libmedia_h264 and libmedia_vpx software binding
package capture
