//go:build (darwin || linux) && !noswenc

// Software encoding via libmedia_h264 (x264) and libmedia_vpx (libvpx)
// using purego. Both shims run with zero lookahead, so every output
// belongs to the frame just submitted.

package capture

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error

	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_h264 encoder function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderDestroy       func(encoder uint64)
	mediaH264EncoderAvailable     func() int32
	mediaH264GetError             func() uintptr
)

// libmedia_vpx encoder function pointers
var (
	mediaVPXEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	mediaVPXEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaVPXEncoderMaxOutputSize func(encoder uint64) int32
	mediaVPXEncoderDestroy       func(encoder uint64)
	mediaVPXCodecAvailable       func(codec int32) int32
	mediaVPXGetError             func() uintptr
)

// Constants from media_h264.h and media_vpx.h
const (
	mediaH264ProfileBaseline = 66
	mediaH264ProfileMain     = 77
	mediaH264ProfileHigh     = 100

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3

	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1

	mediaVPXFrameKey = 0

	softwareThreads       = 4
	softwareDefaultKbps   = 2000
	softwareDefaultFPS    = 30
	softwareMaxOutputSize = 4 << 20
)

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264Handle, mediaH264InitErr = dlopenFirst("media_h264", "MEDIA_H264_LIB_PATH")
		if mediaH264InitErr != nil {
			return
		}
		purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
		purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
		purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")
		purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
		purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	})
	return mediaH264InitErr
}

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		mediaVPXHandle, mediaVPXInitErr = dlopenFirst("media_vpx", "MEDIA_VPX_LIB_PATH")
		if mediaVPXInitErr != nil {
			return
		}
		purego.RegisterLibFunc(&mediaVPXEncoderCreate, mediaVPXHandle, "media_vpx_encoder_create")
		purego.RegisterLibFunc(&mediaVPXEncoderEncode, mediaVPXHandle, "media_vpx_encoder_encode")
		purego.RegisterLibFunc(&mediaVPXEncoderMaxOutputSize, mediaVPXHandle, "media_vpx_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaVPXEncoderDestroy, mediaVPXHandle, "media_vpx_encoder_destroy")
		purego.RegisterLibFunc(&mediaVPXCodecAvailable, mediaVPXHandle, "media_vpx_codec_available")
		purego.RegisterLibFunc(&mediaVPXGetError, mediaVPXHandle, "media_vpx_get_error")
	})
	return mediaVPXInitErr
}

// dlopenFirst opens the first loadable candidate for lib.
func dlopenFirst(lib, envVar string) (uintptr, error) {
	var lastErr error
	for _, path := range libSearchPaths(sharedLibName(lib), envVar) {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load lib%s: %w", lib, lastErr)
	}
	return 0, fmt.Errorf("lib%s not found in any standard location", lib)
}

func h264ShimProfile(profile string) int32 {
	switch profile {
	case ProfileH264BaselineAutoLevel:
		return mediaH264ProfileBaseline
	case ProfileH264MainAutoLevel:
		return mediaH264ProfileMain
	default:
		return mediaH264ProfileHigh
	}
}

// softwareShim is the part of a shim an encoder session drives.
type softwareShim struct {
	encode    func(handle uint64, y, u, v uintptr, yStride, uvStride, forceKey int32, out uintptr, capacity int32, frameType uintptr) int32
	maxOutput func(handle uint64) int32
	destroy   func(handle uint64)
	lastError func() string
	keyframe  func(frameType int32) bool
}

var h264Shim = softwareShim{
	encode: func(handle uint64, y, u, v uintptr, yStride, uvStride, forceKey int32, out uintptr, capacity int32, frameType uintptr) int32 {
		// Heap-allocated for purego on arm64.
		ts := new([2]int64)
		n := mediaH264EncoderEncode(handle, y, u, v, yStride, uvStride, forceKey, out, capacity, frameType,
			uintptr(unsafe.Pointer(&ts[0])), uintptr(unsafe.Pointer(&ts[1])))
		runtime.KeepAlive(ts)
		return n
	},
	maxOutput: func(handle uint64) int32 { return mediaH264EncoderMaxOutputSize(handle) },
	destroy:   func(handle uint64) { mediaH264EncoderDestroy(handle) },
	lastError: func() string { return goStringFromPtr(mediaH264GetError()) },
	keyframe:  func(ft int32) bool { return ft == mediaH264FrameIDR || ft == mediaH264FrameI },
}

var vpxShim = softwareShim{
	encode: func(handle uint64, y, u, v uintptr, yStride, uvStride, forceKey int32, out uintptr, capacity int32, frameType uintptr) int32 {
		pts := new(int64)
		n := mediaVPXEncoderEncode(handle, y, u, v, yStride, uvStride, forceKey, out, capacity, frameType,
			uintptr(unsafe.Pointer(pts)))
		runtime.KeepAlive(pts)
		return n
	},
	maxOutput: func(handle uint64) int32 { return mediaVPXEncoderMaxOutputSize(handle) },
	destroy:   func(handle uint64) { mediaVPXEncoderDestroy(handle) },
	lastError: func() string { return goStringFromPtr(mediaVPXGetError()) },
	keyframe:  func(ft int32) bool { return ft == mediaVPXFrameKey },
}

// softwareEncoder implements encoderBackend on a software shim.
type softwareEncoder struct {
	config EncoderConfig
	shim   softwareShim
	handle uint64
	input  *planarInput

	outputBuf []byte
	frameType *int32
	n         int
}

func newSoftwareEncoder(cfg EncoderConfig) (*softwareEncoder, error) {
	input, err := newPlanarInput(cfg.Geometry())
	if err != nil {
		return nil, err
	}

	fps := int32(cfg.FPS)
	if fps <= 0 {
		fps = softwareDefaultFPS
	}
	kbps := int32(cfg.AverageBitrateBps / 1000)
	if kbps <= 0 {
		kbps = softwareDefaultKbps
	}
	w, h := int32(cfg.Width), int32(cfg.Height)

	var (
		shim   softwareShim
		handle uint64
	)
	switch cfg.Codec {
	case VideoCodecH264:
		shim = h264Shim
		handle = mediaH264EncoderCreate(w, h, fps, kbps, h264ShimProfile(cfg.Profile), softwareThreads)
	case VideoCodecVP8, VideoCodecVP9:
		shim = vpxShim
		codec := int32(mediaVPXCodecVP8)
		if cfg.Codec == VideoCodecVP9 {
			codec = mediaVPXCodecVP9
		}
		handle = mediaVPXEncoderCreate(codec, w, h, fps, kbps, softwareThreads)
	default:
		return nil, fmt.Errorf("%w: no software encoder for %s", ErrCodecNotSupported, cfg.Codec)
	}
	if handle == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEncoderUnavailable, shim.lastError())
	}

	maxOutput := shim.maxOutput(handle)
	if maxOutput <= 0 || maxOutput > softwareMaxOutputSize {
		maxOutput = int32(min(cfg.Width*cfg.Height*3/2, softwareMaxOutputSize))
	}

	return &softwareEncoder{
		config:    cfg,
		shim:      shim,
		handle:    handle,
		input:     input,
		outputBuf: make([]byte, maxOutput),
		frameType: new(int32),
	}, nil
}

// Encode implements encoderBackend.
func (e *softwareEncoder) Encode(frame *RawFrame) ([]*CompressedSample, error) {
	if e.handle == 0 {
		return nil, ErrSessionInvalidated
	}

	var forceKey int32
	if e.n == 0 || (e.config.MaxKeyframeInterval > 0 && e.n%e.config.MaxKeyframeInterval == 0) {
		forceKey = 1
	}
	e.n++

	y, u, v, yStride, uvStride := e.input.planes(frame)
	rc := e.shim.encode(e.handle,
		uintptr(unsafe.Pointer(&y[0])),
		uintptr(unsafe.Pointer(&u[0])),
		uintptr(unsafe.Pointer(&v[0])),
		int32(yStride), int32(uvStride), forceKey,
		uintptr(unsafe.Pointer(&e.outputBuf[0])), int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(e.frameType)))
	runtime.KeepAlive(frame)

	switch {
	case rc < 0:
		return nil, fmt.Errorf("encode failed: %s", e.shim.lastError())
	case rc == 0:
		return nil, ErrFrameDropped
	}

	data := make([]byte, rc)
	copy(data, e.outputBuf[:rc])
	return []*CompressedSample{{
		Data:     data,
		PTS:      frame.Timestamp,
		DTS:      frame.Timestamp,
		Duration: frame.Duration,
		Keyframe: e.shim.keyframe(*e.frameType),
	}}, nil
}

// Flush implements encoderBackend. Nothing is held back.
func (e *softwareEncoder) Flush() ([]*CompressedSample, error) {
	return nil, nil
}

// Provider implements encoderBackend.
func (e *softwareEncoder) Provider() Provider {
	return ProviderSoftware
}

// Close implements encoderBackend.
func (e *softwareEncoder) Close() error {
	if e.handle != 0 {
		e.shim.destroy(e.handle)
		e.handle = 0
	}
	return nil
}

// IsSoftwareEncodingAvailable reports whether any software encoder shim
// loaded.
func IsSoftwareEncodingAvailable() bool {
	return ProviderSoftware.Available()
}

func softwareFactory(cfg EncoderConfig) (encoderBackend, error) {
	return newSoftwareEncoder(cfg)
}

func init() {
	var registered bool
	if err := loadMediaH264(); err == nil && mediaH264EncoderAvailable() != 0 {
		registerEncoder(VideoCodecH264, ProviderSoftware, softwareFactory)
		registered = true
	}
	if err := loadMediaVPX(); err == nil {
		for codec, id := range map[VideoCodec]int32{VideoCodecVP8: mediaVPXCodecVP8, VideoCodecVP9: mediaVPXCodecVP9} {
			if mediaVPXCodecAvailable(id) != 0 {
				registerEncoder(codec, ProviderSoftware, softwareFactory)
				registered = true
			}
		}
	}
	if registered {
		setProviderAvailable(ProviderSoftware)
	}
}
