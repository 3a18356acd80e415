package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvOutput overrides Config.Output when set.
const EnvOutput = "CAPTURE_OUTPUT"

// Config is the file configuration of a recorder.
type Config struct {
	Output      string        `yaml:"output"`     // File path or rtmp:// URL (default: generated)
	OutputDir   string        `yaml:"output_dir"` // Directory for generated paths (default: os.TempDir)
	Container   string        `yaml:"container"`  // Extension for generated paths (default: mp4)
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"` // Empty disables the metrics endpoint
	Duration    time.Duration `yaml:"duration"`     // Zero records until interrupted

	Encoder EncoderSettings `yaml:"encoder"`
	Source  SourceSettings  `yaml:"source"`
	RTMP    RTMPConfig      `yaml:"rtmp"`

	SampleQueueDepth int `yaml:"sample_queue_depth"`
	MuxQueueDepth    int `yaml:"mux_queue_depth"`
}

// EncoderSettings is the file form of EncoderConfig.
type EncoderSettings struct {
	Codec               string          `yaml:"codec"`
	Provider            string          `yaml:"provider"`
	RequireHardware     bool            `yaml:"require_hardware"`
	FPS                 int             `yaml:"fps"`
	Profile             string          `yaml:"profile"`
	RealTime            bool            `yaml:"realtime"`
	MaxKeyframeInterval int             `yaml:"max_keyframe_interval"`
	AverageBitrateBps   int             `yaml:"average_bitrate_bps"`
	DataRateLimit       DataRateLimit   `yaml:"data_rate_limit"`
	Quality             float64         `yaml:"quality"`
	Color               ColorProperties `yaml:"color"`
	QueueDepth          int             `yaml:"queue_depth"`
}

// SourceSettings configures the test pattern source.
type SourceSettings struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	FPS     int    `yaml:"fps"`
	Format  string `yaml:"format"`
	Pattern string `yaml:"pattern"`
}

// DefaultConfig returns the recorder defaults: HEVC Main10 in HLG to an
// fMP4 file from a 1080p P010 moving-box source.
func DefaultConfig() Config {
	enc := DefaultEncoderConfig(VideoCodecH265)
	return Config{
		Container: "mp4",
		Encoder: EncoderSettings{
			Codec:               "hevc",
			Provider:            ProviderAuto.String(),
			RequireHardware:     enc.RequireHardware,
			FPS:                 enc.FPS,
			RealTime:            enc.RealTime,
			MaxKeyframeInterval: enc.MaxKeyframeInterval,
			DataRateLimit:       enc.DataRateLimit,
			Color:               enc.Color,
			QueueDepth:          enc.QueueDepth,
		},
		Source: SourceSettings{
			Width:   1920,
			Height:  1080,
			FPS:     enc.FPS,
			Format:  PixelFormatP010.String(),
			Pattern: PatternMovingBox.String(),
		},
		SampleQueueDepth: defaultSampleQueueDepth,
		MuxQueueDepth:    defaultMuxQueueDepth,
	}
}

// LoadConfig reads a single YAML document from path over DefaultConfig.
// Unknown keys are rejected. CAPTURE_OUTPUT overrides the output.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := decodeConfig(f, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if out := os.Getenv(EnvOutput); out != "" {
		cfg.Output = out
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file
		}
		return err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errors.New("multiple YAML documents are not supported")
	}
	return nil
}

// Validate checks the configuration without touching encoders or outputs.
func (c Config) Validate() error {
	if _, err := c.EncoderConfig(); err != nil {
		return err
	}
	if _, err := c.SourceConfig(); err != nil {
		return err
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidConfig, c.Duration)
	}
	if c.SampleQueueDepth < 0 || c.MuxQueueDepth < 0 {
		return fmt.Errorf("%w: negative queue depth", ErrInvalidConfig)
	}
	return nil
}

// OutputPath returns the configured output, or a generated unique path.
func (c Config) OutputPath() string {
	if c.Output != "" {
		return c.Output
	}
	return DefaultOutputPath(c.OutputDir, c.Container)
}

// EncoderConfig converts the encoder settings. Geometry is left to the
// first captured frame.
func (c Config) EncoderConfig() (EncoderConfig, error) {
	e := c.Encoder
	codec := ParseVideoCodec(e.Codec)
	if codec == VideoCodecUnknown {
		return EncoderConfig{}, fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, e.Codec)
	}
	provider := ParseProvider(strings.ToLower(e.Provider))
	if provider == ProviderAuto && e.Provider != "" && !strings.EqualFold(e.Provider, ProviderAuto.String()) {
		return EncoderConfig{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, e.Provider)
	}
	if err := e.Color.Validate(); err != nil {
		return EncoderConfig{}, err
	}

	cfg := DefaultEncoderConfig(codec)
	cfg.Provider = provider
	cfg.RequireHardware = e.RequireHardware
	cfg.RealTime = e.RealTime
	cfg.MaxKeyframeInterval = e.MaxKeyframeInterval
	cfg.AverageBitrateBps = e.AverageBitrateBps
	cfg.DataRateLimit = e.DataRateLimit
	cfg.Quality = e.Quality
	cfg.Color = e.Color
	if e.FPS > 0 {
		cfg.FPS = e.FPS
	}
	if e.Profile != "" {
		cfg.Profile = e.Profile
	}
	if e.QueueDepth > 0 {
		cfg.QueueDepth = e.QueueDepth
	}
	if cfg.MaxKeyframeInterval < 0 || cfg.AverageBitrateBps < 0 || cfg.Quality < 0 || cfg.Quality > 1 {
		return EncoderConfig{}, fmt.Errorf("%w: encoder rate settings out of range", ErrInvalidConfig)
	}
	return cfg, nil
}

// SourceConfig converts the source settings.
func (c Config) SourceConfig() (TestPatternConfig, error) {
	s := c.Source
	cfg := DefaultTestPatternConfig()
	if s.Width > 0 {
		cfg.Width = s.Width
	}
	if s.Height > 0 {
		cfg.Height = s.Height
	}
	if s.FPS > 0 {
		cfg.FPS = s.FPS
	}
	if s.Format != "" {
		format, err := ParsePixelFormat(s.Format)
		if err != nil {
			return cfg, err
		}
		cfg.Format = format
	}
	if s.Pattern != "" {
		pattern, err := ParsePatternType(s.Pattern)
		if err != nil {
			return cfg, err
		}
		cfg.Pattern = pattern
	}
	return cfg, nil
}

// PipelineConfig converts the configuration for one run.
func (c Config) PipelineConfig() (PipelineConfig, error) {
	enc, err := c.EncoderConfig()
	if err != nil {
		return PipelineConfig{}, err
	}
	return PipelineConfig{
		OutputPath:       c.OutputPath(),
		Encoder:          enc,
		RTMP:             c.RTMP,
		SampleQueueDepth: c.SampleQueueDepth,
		MuxQueueDepth:    c.MuxQueueDepth,
	}, nil
}
