package capture

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Minimal but parseable H.264 parameter sets for a 64x64 baseline stream.
var (
	testH264SPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x10, 0x99}
	testH264PPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// HEVC Main 4:2:0 parameter sets and slices of a 64x64 black frame.
var (
	testH265VPS = []byte{
		0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00,
		0x90, 0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x00, 0x1e, 0x95, 0x98, 0x09,
	}
	testH265SPS = []byte{
		0x42, 0x01, 0x01, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00, 0x90, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x03, 0x00, 0x1e, 0xa0, 0x14, 0x20, 0x79, 0x65, 0x95,
		0x9a, 0x49, 0x32, 0xbc, 0x05, 0xa0, 0x20, 0x00, 0x00, 0x03, 0x00, 0x20,
		0x00, 0x00, 0x03, 0x03, 0x21,
	}
	testH265PPS = []byte{0x44, 0x01, 0xc1, 0x72, 0xb4, 0x62, 0x40}
	testH265IDR = []byte{
		0x28, 0x01, 0xaf, 0x1d, 0x44, 0xc8, 0xf7, 0x02, 0x35, 0x7f, 0xff, 0x76,
		0x39, 0xfb, 0x1c, 0x00, 0x7f, 0x63, 0x04, 0xab, 0x28, 0x00, 0x00, 0x03,
		0x00, 0x19, 0xa0, 0x00, 0x01, 0x04, 0x1a, 0x90,
	}
	testH265Trail = []byte{
		0x02, 0x01, 0xd0, 0x29, 0x4b, 0xe1, 0x0c, 0x63, 0x89, 0x50, 0xf9, 0x82,
		0x90, 0xa2, 0xe9, 0x4d,
	}
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}

// fakeAccessUnit returns a small encoded frame for codec. Keyframes of the
// Annex-B codecs carry their parameter sets in-band.
func fakeAccessUnit(codec VideoCodec, key bool) []byte {
	switch codec {
	case VideoCodecH264:
		if key {
			return annexB(testH264SPS, testH264PPS, []byte{0x65, 0x88, 0x84, 0x00, 0x33, 0xff})
		}
		return annexB([]byte{0x41, 0x9a, 0x02, 0x03, 0x04})
	case VideoCodecH265:
		if key {
			return annexB(testH265VPS, testH265SPS, testH265PPS, testH265IDR)
		}
		return annexB(testH265Trail)
	case VideoCodecVP8:
		if key {
			// Frame tag with the inverse keyframe bit clear, then the start code and 64x64.
			return []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x00, 0x40, 0x00, 0x00, 0x00}
		}
		return []byte{0x31, 0x01, 0x00, 0xaa, 0xbb}
	default:
		return []byte{0x12, 0x00, 0x0a, 0x0b}
	}
}

type fakeEncoderOptions struct {
	delay            int               // samples held back before output, like a lookahead
	keyframeInterval int               // 0 or 1: every frame is a keyframe
	createErr        error             // returned by the factory
	encodeErr        func(n int) error // per-frame error, by submit index
	block            <-chan struct{}   // Encode waits on it when set
	onEncode         func(frame *RawFrame)
}

// fakeEncoder is a software encoder backend factory installed in an
// isolated registry for the duration of a test.
type fakeEncoder struct {
	opts fakeEncoderOptions

	created atomic.Int32
	closed  atomic.Int32

	mu      sync.Mutex
	configs []EncoderConfig
}

// installFakeEncoder replaces the encoder registry with one holding only
// the fake software encoder for codecs.
func installFakeEncoder(t *testing.T, opts fakeEncoderOptions, codecs ...VideoCodec) *fakeEncoder {
	t.Helper()

	fe := &fakeEncoder{opts: opts}

	globalEncoderRegistry.mu.Lock()
	saved := globalEncoderRegistry.providers
	globalEncoderRegistry.providers = make(map[VideoCodec]map[Provider]encoderFactory)
	globalEncoderRegistry.mu.Unlock()

	wasAvailable := ProviderSoftware.Available()
	for _, codec := range codecs {
		registerEncoder(codec, ProviderSoftware, fe.create)
	}
	setProviderAvailable(ProviderSoftware)

	t.Cleanup(func() {
		globalEncoderRegistry.mu.Lock()
		globalEncoderRegistry.providers = saved
		globalEncoderRegistry.mu.Unlock()
		providerAvailable[ProviderSoftware].Store(wasAvailable)
	})
	return fe
}

func (fe *fakeEncoder) create(cfg EncoderConfig) (encoderBackend, error) {
	if fe.opts.createErr != nil {
		return nil, fe.opts.createErr
	}
	fe.created.Add(1)
	fe.mu.Lock()
	fe.configs = append(fe.configs, cfg)
	fe.mu.Unlock()
	return &fakeBackend{cfg: cfg, owner: fe}, nil
}

func (fe *fakeEncoder) lastConfig() EncoderConfig {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.configs) == 0 {
		return EncoderConfig{}
	}
	return fe.configs[len(fe.configs)-1]
}

type fakeBackend struct {
	cfg     EncoderConfig
	owner   *fakeEncoder
	n       int
	pending []*CompressedSample
}

func (b *fakeBackend) Encode(frame *RawFrame) ([]*CompressedSample, error) {
	opts := b.owner.opts
	if opts.block != nil {
		<-opts.block
	}
	if opts.onEncode != nil {
		opts.onEncode(frame)
	}

	i := b.n
	b.n++
	if opts.encodeErr != nil {
		if err := opts.encodeErr(i); err != nil {
			return nil, err
		}
	}

	key := opts.keyframeInterval <= 1 || i%opts.keyframeInterval == 0
	b.pending = append(b.pending, &CompressedSample{
		Data:     fakeAccessUnit(b.cfg.Codec, key),
		PTS:      frame.Timestamp,
		DTS:      frame.Timestamp,
		Duration: frame.Duration,
		Keyframe: key,
	})
	if len(b.pending) <= opts.delay {
		return nil, nil
	}
	out := b.pending[0]
	b.pending = b.pending[1:]
	return []*CompressedSample{out}, nil
}

func (b *fakeBackend) Flush() ([]*CompressedSample, error) {
	out := b.pending
	b.pending = nil
	return out, nil
}

func (b *fakeBackend) Close() error {
	b.owner.closed.Add(1)
	return nil
}

func (b *fakeBackend) Provider() Provider {
	return ProviderSoftware
}

// testEncoderConfig is a software-allowed 8-bit config for codec.
func testEncoderConfig(codec VideoCodec) EncoderConfig {
	cfg := DefaultEncoderConfig(codec)
	cfg.RequireHardware = false
	if codec == VideoCodecH265 {
		cfg.Profile = ProfileHEVCMainAutoLevel
	}
	cfg.PixelFormat = PixelFormatNV12
	return cfg
}

// testFrame returns a packed frame of g at frame index i of a 30 fps clock.
func testFrame(g Geometry, i int) *RawFrame {
	f := newFrameBuffer(g)
	f.Timestamp = time.Duration(i) * time.Second / 30
	f.Duration = time.Second / 30
	return f
}

var testGeometry = Geometry{Width: 64, Height: 64, Format: PixelFormatNV12}

// testSample returns a sample for codec at 30 fps frame index i.
func testSample(codec VideoCodec, i int, key bool) *CompressedSample {
	ts := time.Duration(i) * time.Second / 30
	return &CompressedSample{
		Data:     fakeAccessUnit(codec, key),
		PTS:      ts,
		DTS:      ts,
		Duration: time.Second / 30,
		Keyframe: key,
		Sequence: uint64(i),
	}
}

// outputCollector gathers encoder outputs delivered on the worker goroutine.
type outputCollector struct {
	mu      sync.Mutex
	outputs []EncoderOutput
}

func (c *outputCollector) callback(out EncoderOutput) {
	c.mu.Lock()
	c.outputs = append(c.outputs, out)
	c.mu.Unlock()
}

func (c *outputCollector) snapshot() []EncoderOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EncoderOutput(nil), c.outputs...)
}

func (c *outputCollector) samples() []*CompressedSample {
	var out []*CompressedSample
	for _, o := range c.snapshot() {
		if o.Sample != nil {
			out = append(out, o.Sample)
		}
	}
	return out
}
