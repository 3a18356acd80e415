package capture

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePatternType maps a pattern name (case-insensitive) to a PatternType.
func ParsePatternType(name string) (PatternType, error) {
	for p := PatternColorBars; p <= PatternMovingBox; p++ {
		if strings.EqualFold(name, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pattern %q", ErrInvalidConfig, name)
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width    int         // Frame width (default: 1280)
	Height   int         // Frame height (default: 720)
	FPS      int         // Frames per second (default: 30)
	Format   PixelFormat // NV12 or P010 (default: NV12)
	Pattern  PatternType // Pattern type (default: ColorBars)
	Animated bool        // Regenerate static patterns every frame (MovingBox/Noise always animate)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		Format:      PixelFormatNV12,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternSource is a synthetic camera producing NV12 or P010 frames
// on a ticker. Timestamps advance by exactly one frame duration per frame.
type TestPatternSource struct {
	config TestPatternConfig

	// Pre-allocated planes; frames delivered to the callback alias them.
	luma, chroma     []byte
	lumaStride       int
	chromaStride     int
	bytesPerSample   int
	frameDuration    time.Duration
	frameCount       uint64 // generator goroutine only
	rngState         uint64
	generatedPattern bool

	running  atomic.Bool
	cancel   context.CancelFunc
	doneCh   chan struct{}
	callback FrameCallback

	mu sync.RWMutex
}

// NewTestPatternSource creates a new test pattern source.
func NewTestPatternSource(config TestPatternConfig) (*TestPatternSource, error) {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	if config.Format != PixelFormatNV12 && config.Format != PixelFormatP010 {
		return nil, fmt.Errorf("%w: test pattern supports NV12 and P010, got %s", ErrInvalidConfig, config.Format)
	}
	if config.Width%2 != 0 || config.Height%2 != 0 {
		return nil, fmt.Errorf("%w: test pattern needs even dimensions, got %dx%d", ErrInvalidConfig, config.Width, config.Height)
	}

	lumaSize, lumaStride := config.Format.planeSize(0, config.Width, config.Height)
	chromaSize, chromaStride := config.Format.planeSize(1, config.Width, config.Height)

	s := &TestPatternSource{
		config:         config,
		luma:           make([]byte, lumaSize),
		chroma:         make([]byte, chromaSize),
		lumaStride:     lumaStride,
		chromaStride:   chromaStride,
		bytesPerSample: lumaStride / config.Width,
		frameDuration:  time.Second / time.Duration(config.FPS),
		rngState:       uint64(time.Now().UnixNano()) | 1,
	}
	return s, nil
}

// Start begins generating frames.
func (s *TestPatternSource) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSourceRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	go s.generateLoop(ctx)
	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *TestPatternSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	<-s.doneCh
	return nil
}

// SetCallback sets the push-mode callback.
func (s *TestPatternSource) SetCallback(cb FrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Config returns the source configuration.
func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{
		Width:  s.config.Width,
		Height: s.config.Height,
		FPS:    s.config.FPS,
		Format: s.config.Format,
	}
}

// NextFrame renders and returns the next frame without waiting for the
// ticker. The frame aliases the source's buffers and is overwritten by the
// next call. It must not be used while the source is running.
func (s *TestPatternSource) NextFrame() *RawFrame {
	if !s.generatedPattern || s.config.Animated || s.config.Pattern == PatternMovingBox || s.config.Pattern == PatternNoise {
		s.generatePattern(s.frameCount)
		s.generatedPattern = true
	}

	frame := &RawFrame{
		Data:      [][]byte{s.luma, s.chroma},
		Stride:    []int{s.lumaStride, s.chromaStride},
		Width:     s.config.Width,
		Height:    s.config.Height,
		Format:    s.config.Format,
		Timestamp: time.Duration(s.frameCount) * s.frameDuration,
		Duration:  s.frameDuration,
	}
	s.frameCount++
	return frame
}

func (s *TestPatternSource) generateLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.NextFrame()

			s.mu.RLock()
			cb := s.callback
			s.mu.RUnlock()

			if cb != nil {
				cb(frame)
			}
		}
	}
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternSolidColor:
		s.fill(rgbToYUV(s.config.SolidR, s.config.SolidG, s.config.SolidB))
	case PatternNoise:
		s.generateNoise()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// setLuma writes an 8-bit luma value; P010 stores it in the top bits of a
// little-endian 16-bit sample.
func (s *TestPatternSource) setLuma(x, y int, val uint8) {
	off := y*s.lumaStride + x*s.bytesPerSample
	if s.bytesPerSample == 1 {
		s.luma[off] = val
		return
	}
	s.luma[off] = 0
	s.luma[off+1] = val
}

// setChroma writes the interleaved U/V pair covering the 2x2 block at
// chroma coordinates (cx, cy).
func (s *TestPatternSource) setChroma(cx, cy int, u, v uint8) {
	off := cy*s.chromaStride + cx*2*s.bytesPerSample
	if s.bytesPerSample == 1 {
		s.chroma[off] = u
		s.chroma[off+1] = v
		return
	}
	s.chroma[off], s.chroma[off+1] = 0, u
	s.chroma[off+2], s.chroma[off+3] = 0, v
}

func (s *TestPatternSource) fill(y, u, v uint8) {
	w, h := s.config.Width, s.config.Height
	for row := 0; row < h; row++ {
		for x := 0; x < w; x++ {
			s.setLuma(x, row, y)
		}
	}
	for cy := 0; cy < h/2; cy++ {
		for cx := 0; cx < w/2; cx++ {
			s.setChroma(cx, cy, u, v)
		}
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := max(w/len(colorBarsRGB), 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, len(colorBarsRGB)-1)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			s.setLuma(x, y, yVal)
			if x%2 == 0 && y%2 == 0 {
				s.setChroma(x/2, y/2, u, v)
			}
		}
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient from black to white
			s.setLuma(x, y, uint8((x*255)/w))
			if x%2 == 0 && y%2 == 0 {
				s.setChroma(x/2, y/2, 128, 128)
			}
		}
	}
}

func (s *TestPatternSource) generateCheckerboard() {
	w, h := s.config.Width, s.config.Height
	size := s.config.CheckerSize

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yVal := uint8(16)
			if ((x/size)+(y/size))%2 == 0 {
				yVal = 235
			}
			s.setLuma(x, y, yVal)
			if x%2 == 0 && y%2 == 0 {
				s.setChroma(x/2, y/2, 128, 128)
			}
		}
	}
}

func (s *TestPatternSource) generateNoise() {
	w, h := s.config.Width, s.config.Height

	// xorshift64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.rngState ^= s.rngState << 13
			s.rngState ^= s.rngState >> 7
			s.rngState ^= s.rngState << 17
			s.setLuma(x, y, uint8(s.rngState))
		}
	}
	for cy := 0; cy < h/2; cy++ {
		for cx := 0; cx < w/2; cx++ {
			s.setChroma(cx, cy, 128, 128)
		}
	}
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	s.fill(16, 128, 128)

	// The box moves in a circle around the frame center.
	boxSize := min(100, w/2, h/2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.setLuma(x, y, 235)
		}
	}
}

// rgbToYUV converts RGB to video-range YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
