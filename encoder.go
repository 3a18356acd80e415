package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Common errors
var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrInvalidFrame        = errors.New("invalid frame")
	ErrUnsupportedGeometry = errors.New("unsupported geometry")
	ErrEncoderUnavailable  = errors.New("encoder unavailable")
	ErrProviderNotFound    = errors.New("provider not available")
	ErrCodecNotSupported   = errors.New("codec not supported by provider")
	ErrGeometryMismatch    = errors.New("frame geometry does not match encoder session")
	ErrEncoderOverloaded   = errors.New("encoder queue full")
	ErrFrameDropped        = errors.New("frame dropped by encoder")
	ErrSessionInvalidated  = errors.New("encoder session invalidated")
	ErrNotFlushed          = errors.New("encoder session not flushed")
)

// DataRateLimit caps the encoded output to Bytes within every Window.
type DataRateLimit struct {
	Bytes  int           `yaml:"bytes"`
	Window time.Duration `yaml:"window"`
}

// EncoderConfig configures an encoder session. It is immutable once a
// session has been created from it.
type EncoderConfig struct {
	Codec           VideoCodec // Codec type (H264, H265, ...)
	Provider        Provider   // Provider to use (ProviderAuto = library chooses)
	RequireHardware bool       // Refuse non-hardware providers

	Width       int         // Frame width
	Height      int         // Frame height
	PixelFormat PixelFormat // Input pixel format
	FPS         int         // Expected capture rate, used for rate control

	Profile             string // Profile/level identifier, e.g. HEVC_Main10_AutoLevel
	RealTime            bool   // Favour latency over compression efficiency
	MaxKeyframeInterval int    // Frames between forced keyframes (1 = all-intra)

	AverageBitrateBps int           // Target bitrate (0 = encoder default)
	DataRateLimit     DataRateLimit // Hard limit (zero = none)
	Quality           float64       // 0..1, 0 = encoder default

	Color ColorProperties

	QueueDepth int // Frames buffered ahead of the encoder (default: 8)
}

// Reference data rate limit: 10 MiB in any one second.
const (
	defaultDataRateBytes  = 10 * 1024 * 1024
	defaultDataRateWindow = time.Second
	defaultQueueDepth     = 8
)

// DefaultEncoderConfig returns the capture defaults for codec: hardware only,
// realtime, every frame a keyframe, a 10 MiB/s data rate limit and HLG HDR
// color in video range. Width and Height are left zero; they come from the
// first captured frame (see WithGeometry).
func DefaultEncoderConfig(codec VideoCodec) EncoderConfig {
	cfg := EncoderConfig{
		Codec:               codec,
		Provider:            ProviderAuto,
		RequireHardware:     true,
		PixelFormat:         PixelFormatP010,
		FPS:                 30,
		Profile:             codec.DefaultProfile(),
		RealTime:            true,
		MaxKeyframeInterval: 1,
		DataRateLimit:       DataRateLimit{Bytes: defaultDataRateBytes, Window: defaultDataRateWindow},
		Color:               HDRHLGColor(),
		QueueDepth:          defaultQueueDepth,
	}
	if profileBitDepth(cfg.Profile) == 8 {
		cfg.PixelFormat = PixelFormatNV12
	}
	return cfg
}

// WithGeometry returns a copy of c bound to the frame's width, height and
// pixel format.
func (c EncoderConfig) WithGeometry(frame *RawFrame) EncoderConfig {
	c.Width = frame.Width
	c.Height = frame.Height
	c.PixelFormat = frame.Format
	return c
}

// Geometry returns the geometry the config is bound to.
func (c EncoderConfig) Geometry() Geometry {
	return Geometry{Width: c.Width, Height: c.Height, Format: c.PixelFormat}
}

// Validate checks the configuration for a session create.
func (c EncoderConfig) Validate() error {
	if c.Codec == VideoCodecUnknown || c.Codec.MimeType() == "" {
		return fmt.Errorf("%w: codec %s", ErrInvalidConfig, c.Codec)
	}
	if c.Provider >= providerCount {
		return fmt.Errorf("%w: provider %d", ErrInvalidConfig, c.Provider)
	}
	if c.RequireHardware && c.Provider != ProviderAuto && !c.Provider.Hardware() {
		return fmt.Errorf("%w: provider %s is not a hardware encoder", ErrInvalidConfig, c.Provider)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrUnsupportedGeometry, c.Width, c.Height)
	}
	if c.Codec.AnnexB() && (c.Width%2 != 0 || c.Height%2 != 0) {
		return fmt.Errorf("%w: %dx%d is not 4:2:0 aligned", ErrUnsupportedGeometry, c.Width, c.Height)
	}
	if c.PixelFormat.PlaneCount() == 0 {
		return fmt.Errorf("%w: pixel format %d", ErrInvalidConfig, c.PixelFormat)
	}
	if c.Profile != "" && profileBitDepth(c.Profile) > c.PixelFormat.BitDepth() {
		return fmt.Errorf("%w: profile %s needs %d-bit input, got %s",
			ErrUnsupportedGeometry, c.Profile, profileBitDepth(c.Profile), c.PixelFormat)
	}
	if c.MaxKeyframeInterval < 0 || c.AverageBitrateBps < 0 || c.FPS < 0 {
		return fmt.Errorf("%w: negative rate control value", ErrInvalidConfig)
	}
	if c.DataRateLimit.Bytes < 0 || (c.DataRateLimit.Bytes > 0 && c.DataRateLimit.Window <= 0) {
		return fmt.Errorf("%w: data rate limit %d bytes per %s", ErrInvalidConfig, c.DataRateLimit.Bytes, c.DataRateLimit.Window)
	}
	if c.Quality < 0 || c.Quality > 1 {
		return fmt.Errorf("%w: quality %v outside [0,1]", ErrInvalidConfig, c.Quality)
	}
	return c.Color.Validate()
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesSubmitted  uint64 // Frames accepted into the queue
	FramesOverloaded uint64 // Frames rejected because the queue was full
	FramesEncoded    uint64 // Samples delivered through the callback
	KeyframesEncoded uint64
	FramesDropped    uint64 // Frames the encoder reported as dropped
	Errors           uint64 // Frames that failed inside the encoder
	BytesEncoded     uint64
	EncodingTime     time.Duration
}

// encoderBackend is one stateful encoding context behind an EncoderSession.
// Calls are serialized by the session's worker goroutine.
type encoderBackend interface {
	io.Closer

	// Encode submits one frame and returns the samples that became
	// available, in output order. A frame the encoder skipped reports
	// ErrFrameDropped.
	Encode(frame *RawFrame) ([]*CompressedSample, error)

	// Flush completes every pending frame and returns the remaining samples.
	Flush() ([]*CompressedSample, error)

	// Provider returns which provider created this backend.
	Provider() Provider
}

// --- Registry ---

type encoderFactory func(EncoderConfig) (encoderBackend, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// codec -> provider -> factory
	providers map[VideoCodec]map[Provider]encoderFactory
}

var globalEncoderRegistry = &encoderRegistry{
	providers: make(map[VideoCodec]map[Provider]encoderFactory),
}

// registerEncoder registers an encoder factory for a codec+provider.
func registerEncoder(codec VideoCodec, provider Provider, factory encoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.providers[codec] == nil {
		globalEncoderRegistry.providers[codec] = make(map[Provider]encoderFactory)
	}
	globalEncoderRegistry.providers[codec][provider] = factory
}

// candidates returns the providers to try for cfg, in order.
func (r *encoderRegistry) candidates(cfg EncoderConfig) ([]Provider, []encoderFactory) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered := r.providers[cfg.Codec]
	var order []Provider
	if cfg.Provider != ProviderAuto {
		order = []Provider{cfg.Provider}
	} else {
		order = append(order, hardwareProviders...)
		if !cfg.RequireHardware {
			order = append(order, ProviderSoftware)
		}
	}

	var ps []Provider
	var fs []encoderFactory
	for _, p := range order {
		f, ok := registered[p]
		if !ok || !p.Available() {
			continue
		}
		ps = append(ps, p)
		fs = append(fs, f)
	}
	return ps, fs
}

// newEncoderBackend creates a backend for cfg, trying hardware providers
// first. Only the geometry error survives when every candidate rejects it.
func newEncoderBackend(cfg EncoderConfig) (encoderBackend, error) {
	providers, factories := globalEncoderRegistry.candidates(cfg)
	if len(providers) == 0 {
		if cfg.Provider != ProviderAuto {
			return nil, fmt.Errorf("%w: %w: %s for %s", ErrEncoderUnavailable, ErrProviderNotFound, cfg.Provider, cfg.Codec)
		}
		return nil, fmt.Errorf("%w: no provider for %s", ErrEncoderUnavailable, cfg.Codec)
	}

	var errs []error
	for i, factory := range factories {
		backend, err := factory(cfg)
		if err == nil {
			return backend, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", providers[i], err))
	}

	joined := errors.Join(errs...)
	if errors.Is(joined, ErrUnsupportedGeometry) {
		return nil, fmt.Errorf("%w: %s for %s: %w", ErrUnsupportedGeometry, cfg.Geometry(), cfg.Codec, joined)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrEncoderUnavailable, cfg.Codec, joined)
}

// EncoderProviders returns available providers for a codec in selection order.
func EncoderProviders(codec VideoCodec) []Provider {
	providers, _ := globalEncoderRegistry.candidates(EncoderConfig{Codec: codec, Provider: ProviderAuto})
	return providers
}

// Geometry used to ask whether a hardware encoder exists.
const (
	probeWidth  = 3840
	probeHeight = 2160
)

// HasHardwareEncoder reports whether a hardware encoder accepts a 3840x2160
// session for codec.
func HasHardwareEncoder(codec VideoCodec) bool {
	cfg := DefaultEncoderConfig(codec)
	cfg.Width, cfg.Height = probeWidth, probeHeight
	backend, err := newEncoderBackend(cfg)
	if err != nil {
		return false
	}
	backend.Close()
	return true
}
