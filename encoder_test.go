package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEncoderConfig(t *testing.T) {
	hevc := DefaultEncoderConfig(VideoCodecH265)
	assert.Equal(t, ProviderAuto, hevc.Provider)
	assert.True(t, hevc.RequireHardware)
	assert.Equal(t, ProfileHEVCMain10AutoLevel, hevc.Profile)
	assert.Equal(t, PixelFormatP010, hevc.PixelFormat)
	assert.True(t, hevc.RealTime)
	assert.Equal(t, 1, hevc.MaxKeyframeInterval)
	assert.Equal(t, DataRateLimit{Bytes: 10 * 1024 * 1024, Window: time.Second}, hevc.DataRateLimit)
	assert.Equal(t, HDRHLGColor(), hevc.Color)
	assert.True(t, hevc.Color.HDR())

	avc := DefaultEncoderConfig(VideoCodecH264)
	assert.Equal(t, ProfileH264HighAutoLevel, avc.Profile)
	assert.Equal(t, PixelFormatNV12, avc.PixelFormat)
}

func TestEncoderConfig_WithGeometry(t *testing.T) {
	cfg := DefaultEncoderConfig(VideoCodecH265)
	frame := newFrameBuffer(Geometry{Width: 1920, Height: 1080, Format: PixelFormatP010})

	bound := cfg.WithGeometry(frame)
	assert.Equal(t, frame.Geometry(), bound.Geometry())
	assert.Zero(t, cfg.Width, "WithGeometry must not modify the receiver")
	require.NoError(t, bound.Validate())
}

func TestEncoderConfig_Validate(t *testing.T) {
	valid := DefaultEncoderConfig(VideoCodecH265)
	valid.Width, valid.Height = 1920, 1080

	tests := []struct {
		name   string
		mutate func(c *EncoderConfig)
		want   error
	}{
		{"unknown codec", func(c *EncoderConfig) { c.Codec = VideoCodecUnknown }, ErrInvalidConfig},
		{"bad provider", func(c *EncoderConfig) { c.Provider = providerCount }, ErrInvalidConfig},
		{"software while hardware required", func(c *EncoderConfig) { c.Provider = ProviderSoftware }, ErrInvalidConfig},
		{"zero size", func(c *EncoderConfig) { c.Width = 0 }, ErrUnsupportedGeometry},
		{"odd size", func(c *EncoderConfig) { c.Width = 1921 }, ErrUnsupportedGeometry},
		{"main10 from 8-bit", func(c *EncoderConfig) { c.PixelFormat = PixelFormatNV12 }, ErrUnsupportedGeometry},
		{"negative bitrate", func(c *EncoderConfig) { c.AverageBitrateBps = -1 }, ErrInvalidConfig},
		{"rate limit without window", func(c *EncoderConfig) { c.DataRateLimit.Window = 0 }, ErrInvalidConfig},
		{"quality above one", func(c *EncoderConfig) { c.Quality = 1.5 }, ErrInvalidConfig},
		{"unknown transfer", func(c *EncoderConfig) { c.Color.Transfer = "gamma22" }, ErrInvalidConfig},
	}

	require.NoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestProvider_Metadata(t *testing.T) {
	assert.Equal(t, "videotoolbox", ProviderVideoToolbox.String())
	assert.Equal(t, ProviderNVENC, ParseProvider("nvenc"))
	assert.Equal(t, ProviderAuto, ParseProvider("bogus"))
	assert.True(t, ProviderVAAPI.Hardware())
	assert.False(t, ProviderSoftware.Hardware())
	assert.True(t, ProviderVideoToolbox.Features().Has(Feature10Bit|FeatureHDRMetadata))
	assert.False(t, ProviderSoftware.Features().Has(Feature10Bit))
	assert.Equal(t, "unknown", Provider(200).String())
	assert.False(t, Provider(200).Available())
}

func TestNewEncoderBackend_Selection(t *testing.T) {
	t.Run("hardware required", func(t *testing.T) {
		installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

		cfg := DefaultEncoderConfig(VideoCodecH264)
		cfg.Width, cfg.Height = 64, 64
		_, err := newEncoderBackend(cfg)
		assert.ErrorIs(t, err, ErrEncoderUnavailable)
		assert.False(t, HasHardwareEncoder(VideoCodecH264))
	})

	t.Run("software fallback", func(t *testing.T) {
		fe := installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

		b, err := newEncoderBackend(testEncoderConfig(VideoCodecH264).WithGeometry(testFrame(testGeometry, 0)))
		require.NoError(t, err)
		assert.Equal(t, ProviderSoftware, b.Provider())
		require.NoError(t, b.Close())
		assert.EqualValues(t, 1, fe.created.Load())
	})

	t.Run("explicit provider missing", func(t *testing.T) {
		installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

		cfg := testEncoderConfig(VideoCodecH264).WithGeometry(testFrame(testGeometry, 0))
		cfg.Provider = ProviderNVENC
		_, err := newEncoderBackend(cfg)
		assert.ErrorIs(t, err, ErrEncoderUnavailable)
		assert.ErrorIs(t, err, ErrProviderNotFound)
	})

	t.Run("geometry rejected", func(t *testing.T) {
		installFakeEncoder(t, fakeEncoderOptions{
			createErr: ErrUnsupportedGeometry,
		}, VideoCodecH264)

		_, err := newEncoderBackend(testEncoderConfig(VideoCodecH264).WithGeometry(testFrame(testGeometry, 0)))
		assert.ErrorIs(t, err, ErrUnsupportedGeometry)
	})

	t.Run("backend failure", func(t *testing.T) {
		installFakeEncoder(t, fakeEncoderOptions{
			createErr: errors.New("session limit reached"),
		}, VideoCodecH264)

		_, err := newEncoderBackend(testEncoderConfig(VideoCodecH264).WithGeometry(testFrame(testGeometry, 0)))
		assert.ErrorIs(t, err, ErrEncoderUnavailable)
		assert.NotErrorIs(t, err, ErrUnsupportedGeometry)
	})
}

func TestEncoderProviders(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH265)

	// Auto with the default RequireHardware=false zero value includes software.
	assert.Equal(t, []Provider{ProviderSoftware}, EncoderProviders(VideoCodecH265))
	assert.Empty(t, EncoderProviders(VideoCodecVP8))
}

func TestSoftwareEncodingAvailable(t *testing.T) {
	// The software binding builds and registers independently of the
	// hardware one.
	if got, want := IsSoftwareEncodingAvailable(), ProviderSoftware.Available(); got != want {
		t.Fatalf("IsSoftwareEncodingAvailable() = %v, provider available = %v", got, want)
	}
	if IsSoftwareEncodingAvailable() {
		return
	}
	for _, codec := range []VideoCodec{VideoCodecH264, VideoCodecVP8, VideoCodecVP9} {
		for _, p := range EncoderProviders(codec) {
			if p == ProviderSoftware {
				t.Errorf("%s lists the software provider without a loaded shim", codec)
			}
		}
	}
}
