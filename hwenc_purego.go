//go:build (darwin || linux) && !nohwenc

// Hardware encoding via libmedia_hwenc using purego. The shim fronts
// VideoToolbox on darwin and NVENC/VA-API on linux behind one C ABI.

package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaHwencOnce    sync.Once
	mediaHwencHandle  uintptr
	mediaHwencInitErr error
)

// libmedia_hwenc function pointers
var (
	mediaHwencAvailable     func() uint32
	mediaHwencSupported     func(codec, provider, width, height int32) int32
	mediaHwencCreate        func(params uintptr) uint64
	mediaHwencEncode        func(encoder uint64, frame uintptr) int32
	mediaHwencReceive       func(encoder uint64, outData uintptr, outCapacity int32, result uintptr) int32
	mediaHwencFlush         func(encoder uint64) int32
	mediaHwencMaxOutputSize func(encoder uint64) int32
	mediaHwencDestroy       func(encoder uint64)
	mediaHwencGetError      func() uintptr
)

// Constants from media_hwenc.h
const (
	mediaHwencCodecH264 = 1
	mediaHwencCodecH265 = 2

	mediaHwencOK      = 0
	mediaHwencDropped = 1
)

// mediaHwencParams mirrors media_hwenc_params_t.
// Must be heap-allocated for purego on arm64.
type mediaHwencParams struct {
	Codec               int32
	Provider            int32
	Width               int32
	Height              int32
	PixelFormat         int32
	FPS                 int32
	Profile             uintptr // const char*
	RealTime            int32
	MaxKeyframeInterval int32
	AverageBitrate      int32
	DataRateLimitBytes  int32
	DataRateLimitMs     int32
	Quality             float32
	ColorPrimaries      int32
	TransferFunction    int32
	YCbCrMatrix         int32
	FullRange           int32
}

// mediaHwencFrame mirrors media_hwenc_frame_t.
type mediaHwencFrame struct {
	Planes   [3]uintptr
	Strides  [3]int32
	_        int32
	PTS      int64 // nanoseconds
	Duration int64 // nanoseconds
}

// mediaHwencResult mirrors media_hwenc_result_t.
type mediaHwencResult struct {
	PTS      int64
	DTS      int64
	Duration int64
	Keyframe int32
	_        int32
}

func loadMediaHwenc() error {
	mediaHwencOnce.Do(func() {
		mediaHwencInitErr = loadMediaHwencLib()
	})
	return mediaHwencInitErr
}

func loadMediaHwencLib() error {
	var lastErr error
	for _, path := range libSearchPaths(sharedLibName("media_hwenc"), "MEDIA_HWENC_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaHwencHandle = handle
		loadMediaHwencSymbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_hwenc: %w", lastErr)
	}
	return errors.New("libmedia_hwenc not found in any standard location")
}

func loadMediaHwencSymbols() {
	purego.RegisterLibFunc(&mediaHwencAvailable, mediaHwencHandle, "media_hwenc_available")
	purego.RegisterLibFunc(&mediaHwencSupported, mediaHwencHandle, "media_hwenc_supported")
	purego.RegisterLibFunc(&mediaHwencCreate, mediaHwencHandle, "media_hwenc_create")
	purego.RegisterLibFunc(&mediaHwencEncode, mediaHwencHandle, "media_hwenc_encode")
	purego.RegisterLibFunc(&mediaHwencReceive, mediaHwencHandle, "media_hwenc_receive")
	purego.RegisterLibFunc(&mediaHwencFlush, mediaHwencHandle, "media_hwenc_flush")
	purego.RegisterLibFunc(&mediaHwencMaxOutputSize, mediaHwencHandle, "media_hwenc_max_output_size")
	purego.RegisterLibFunc(&mediaHwencDestroy, mediaHwencHandle, "media_hwenc_destroy")
	purego.RegisterLibFunc(&mediaHwencGetError, mediaHwencHandle, "media_hwenc_get_error")
}

func getHwencError() string {
	ptr := mediaHwencGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

func hwencCodec(c VideoCodec) int32 {
	switch c {
	case VideoCodecH264:
		return mediaHwencCodecH264
	case VideoCodecH265:
		return mediaHwencCodecH265
	default:
		return 0
	}
}

// nativeEncoder implements encoderBackend on top of libmedia_hwenc.
type nativeEncoder struct {
	config   EncoderConfig
	provider Provider
	handle   uint64

	outputBuf []byte
	frame     *mediaHwencFrame
	result    *mediaHwencResult
}

func newNativeEncoder(cfg EncoderConfig, provider Provider) (*nativeEncoder, error) {
	codec := hwencCodec(cfg.Codec)
	if mediaHwencSupported(codec, int32(provider), int32(cfg.Width), int32(cfg.Height)) == 0 {
		return nil, fmt.Errorf("%w: %s %dx%d on %s", ErrUnsupportedGeometry, cfg.Codec, cfg.Width, cfg.Height, provider)
	}

	profile := cString(cfg.Profile)
	primaries, transfer, matrix := cfg.Color.nativeCode()
	params := &mediaHwencParams{
		Codec:               codec,
		Provider:            int32(provider),
		Width:               int32(cfg.Width),
		Height:              int32(cfg.Height),
		PixelFormat:         int32(cfg.PixelFormat),
		FPS:                 int32(cfg.FPS),
		Profile:             uintptr(unsafe.Pointer(&profile[0])),
		MaxKeyframeInterval: int32(cfg.MaxKeyframeInterval),
		AverageBitrate:      int32(cfg.AverageBitrateBps),
		DataRateLimitBytes:  int32(cfg.DataRateLimit.Bytes),
		DataRateLimitMs:     int32(cfg.DataRateLimit.Window / time.Millisecond),
		Quality:             float32(cfg.Quality),
		ColorPrimaries:      primaries,
		TransferFunction:    transfer,
		YCbCrMatrix:         matrix,
	}
	if cfg.RealTime {
		params.RealTime = 1
	}
	if cfg.Color.FullRange {
		params.FullRange = 1
	}

	handle := mediaHwencCreate(uintptr(unsafe.Pointer(params)))
	runtime.KeepAlive(profile)
	runtime.KeepAlive(params)
	if handle == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEncoderUnavailable, getHwencError())
	}

	maxOutput := mediaHwencMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(cfg.Width * cfg.Height * 3 / 2)
	}

	return &nativeEncoder{
		config:    cfg,
		provider:  provider,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
		frame:     &mediaHwencFrame{},
		result:    &mediaHwencResult{},
	}, nil
}

// Encode implements encoderBackend.
func (e *nativeEncoder) Encode(frame *RawFrame) ([]*CompressedSample, error) {
	if e.handle == 0 {
		return nil, ErrSessionInvalidated
	}

	f := e.frame
	*f = mediaHwencFrame{PTS: int64(frame.Timestamp), Duration: int64(frame.Duration)}
	for i := range frame.Data {
		f.Planes[i] = uintptr(unsafe.Pointer(&frame.Data[i][0]))
		f.Strides[i] = int32(frame.Stride[i])
	}

	rc := mediaHwencEncode(e.handle, uintptr(unsafe.Pointer(f)))
	runtime.KeepAlive(frame)

	samples, recvErr := e.receive()
	switch {
	case rc == mediaHwencDropped:
		return samples, ErrFrameDropped
	case rc < mediaHwencOK:
		return samples, fmt.Errorf("encode failed: %s", getHwencError())
	}
	return samples, recvErr
}

// receive drains every sample the shim has completed.
func (e *nativeEncoder) receive() ([]*CompressedSample, error) {
	var samples []*CompressedSample
	for {
		n := mediaHwencReceive(e.handle,
			uintptr(unsafe.Pointer(&e.outputBuf[0])), int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(e.result)))
		if n == 0 {
			return samples, nil
		}
		if n < 0 {
			return samples, fmt.Errorf("receive failed: %s", getHwencError())
		}

		data := make([]byte, n)
		copy(data, e.outputBuf[:n])
		samples = append(samples, &CompressedSample{
			Data:     data,
			PTS:      time.Duration(e.result.PTS),
			DTS:      time.Duration(e.result.DTS),
			Duration: time.Duration(e.result.Duration),
			Keyframe: e.result.Keyframe != 0,
		})
	}
}

// Flush implements encoderBackend.
func (e *nativeEncoder) Flush() ([]*CompressedSample, error) {
	if e.handle == 0 {
		return nil, nil
	}
	if mediaHwencFlush(e.handle) != mediaHwencOK {
		samples, _ := e.receive()
		return samples, fmt.Errorf("complete frames: %s", getHwencError())
	}
	return e.receive()
}

// Provider implements encoderBackend.
func (e *nativeEncoder) Provider() Provider {
	return e.provider
}

// Close implements encoderBackend.
func (e *nativeEncoder) Close() error {
	if e.handle != 0 {
		mediaHwencDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// IsHardwareEncodingAvailable reports whether libmedia_hwenc loaded.
func IsHardwareEncodingAvailable() bool {
	return loadMediaHwenc() == nil
}

func init() {
	if err := loadMediaHwenc(); err != nil {
		return
	}

	mask := mediaHwencAvailable()
	for _, p := range hardwareProviders {
		if mask&(1<<p) == 0 {
			continue
		}
		provider := p
		setProviderAvailable(provider)
		for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecH265} {
			registerEncoder(codec, provider, func(cfg EncoderConfig) (encoderBackend, error) {
				return newNativeEncoder(cfg, provider)
			})
		}
	}
}
