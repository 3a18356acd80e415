package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipelineConfig(t *testing.T, codec VideoCodec, ext string) PipelineConfig {
	t.Helper()
	enc := testEncoderConfig(codec)
	enc.QueueDepth = 64
	return PipelineConfig{
		OutputPath: filepath.Join(t.TempDir(), "run"+ext),
		Encoder:    enc,
	}
}

func newTestPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func stopPipeline(t *testing.T, p *Pipeline) (*Recording, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Stop(ctx)
}

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not stop, state %s", p.State())
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *PipelineConfig)
	}{
		{"missing output", func(c *PipelineConfig) { c.OutputPath = "" }},
		{"missing codec", func(c *PipelineConfig) { c.Encoder.Codec = VideoCodecUnknown }},
		{"bad color", func(c *PipelineConfig) { c.Encoder.Color.Primaries = "adobe-rgb" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
			tt.mutate(&cfg)
			_, err := NewPipeline(cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("NewPipeline() error = %v, want ErrInvalidConfig", err)
			}
			if !IsConfigurationError(err) {
				t.Errorf("IsConfigurationError(%v) = false", err)
			}
		})
	}
}

func TestPipeline_RecordsMP4(t *testing.T) {
	fe := installFakeEncoder(t, fakeEncoderOptions{delay: 2, keyframeInterval: 5}, VideoCodecH264)

	cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
	p := newTestPipeline(t, cfg)
	assert.Equal(t, PipelineStateIdle, p.State())
	assert.NotEmpty(t, p.RunID())

	require.NoError(t, p.Start())
	assert.Equal(t, PipelineStateCapturing, p.State())
	assert.Zero(t, fe.created.Load(), "encoder is created by the first frame")

	const n = 10
	for i := 0; i < n; i++ {
		p.OnFrame(testFrame(testGeometry, i))
	}

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, PipelineStateStopped, p.State())
	assert.NoError(t, p.Err())

	assert.Equal(t, cfg.OutputPath, rec.Path)
	assert.Equal(t, p.RunID(), rec.RunID)
	assert.EqualValues(t, n, rec.Samples)
	assert.Equal(t, testFrame(testGeometry, n-1).Timestamp+time.Second/30, rec.Duration)

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), rec.Bytes)

	stats := p.Stats()
	assert.EqualValues(t, n, stats.FramesReceived)
	assert.EqualValues(t, n, stats.FramesSubmitted)
	assert.EqualValues(t, n, stats.SamplesAppended)
	assert.Zero(t, stats.AppendFailures)

	assert.EqualValues(t, 1, fe.created.Load())
	assert.EqualValues(t, 1, fe.closed.Load())
	got := fe.lastConfig()
	assert.Equal(t, testGeometry, got.Geometry())

	f, err := mp4.ReadMP4File(rec.Path)
	require.NoError(t, err)
	var samples int
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			samples += len(frag.Moof.Traf.Trun.Samples)
		}
	}
	assert.Equal(t, n, samples)
}

func TestPipeline_NoFrames(t *testing.T) {
	fe := installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH265)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH265, ".h265"))
	require.NoError(t, p.Start())

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Zero(t, rec.Samples)
	assert.Zero(t, rec.Duration)
	assert.Zero(t, fe.created.Load())

	_, statErr := os.Stat(rec.Path)
	assert.NoError(t, statErr)
}

func TestPipeline_StartFailure(t *testing.T) {
	fe := installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
	cfg.OutputPath = filepath.Join(t.TempDir(), "missing", "run.mp4")
	p := newTestPipeline(t, cfg)

	err := p.Start()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, PipelineStateStopped, p.State())
	waitDone(t, p)

	p.OnFrame(testFrame(testGeometry, 0))
	assert.Zero(t, fe.created.Load())
	assert.EqualValues(t, 1, p.Stats().FramesNotRunning)

	assert.ErrorIs(t, p.Start(), ErrPipelineStopped)

	rec, err := stopPipeline(t, p)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPipeline_EncoderUnavailableAborts(t *testing.T) {
	fe := installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
	cfg.Encoder.RequireHardware = true
	p := newTestPipeline(t, cfg)
	require.NoError(t, p.Start())

	p.OnFrame(testFrame(testGeometry, 0))
	waitDone(t, p)

	err := p.Err()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorIs(t, err, ErrEncoderUnavailable)
	assert.Zero(t, fe.created.Load())

	_, stopErr := stopPipeline(t, p)
	assert.ErrorIs(t, stopErr, ErrEncoderUnavailable, "stop after abort returns the abort error")
	_, stopErr = stopPipeline(t, p)
	assert.ErrorIs(t, stopErr, ErrPipelineStopped)
}

func TestPipeline_GeometryChangeAborts(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH264, ".mp4"))
	require.NoError(t, p.Start())

	p.OnFrame(testFrame(testGeometry, 0))
	p.OnFrame(testFrame(testGeometry, 1))
	p.OnFrame(testFrame(Geometry{Width: 128, Height: 64, Format: PixelFormatNV12}, 2))
	waitDone(t, p)

	assert.ErrorIs(t, p.Err(), ErrGeometryMismatch)
	assert.True(t, IsConfigurationError(p.Err()))

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.FramesSubmitted)
	assert.EqualValues(t, 1, stats.FramesInvalid)
	assert.EqualValues(t, 2, stats.SamplesAppended, "frames before the change are still written")
}

func TestPipeline_StopStates(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH264, ".h264"))

	_, err := stopPipeline(t, p)
	assert.ErrorIs(t, err, ErrPipelineState, "stop before start")
	assert.Equal(t, PipelineStateIdle, p.State())

	p.OnFrame(testFrame(testGeometry, 0))

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrPipelineState)
	p.OnFrame(testFrame(testGeometry, 1))

	_, err = stopPipeline(t, p)
	require.NoError(t, err)
	_, err = stopPipeline(t, p)
	assert.ErrorIs(t, err, ErrPipelineStopped)

	p.OnFrame(testFrame(testGeometry, 2))

	stats := p.Stats()
	assert.EqualValues(t, 3, stats.FramesReceived)
	assert.EqualValues(t, 2, stats.FramesNotRunning)
	assert.EqualValues(t, 1, stats.SamplesAppended)
}

func TestPipeline_InvalidFrameIsNotFatal(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	var invalid int
	cfg := testPipelineConfig(t, VideoCodecH264, ".h264")
	cfg.OnError = func(err error) {
		if errors.Is(err, ErrInvalidFrame) {
			invalid++
		}
	}
	p := newTestPipeline(t, cfg)
	require.NoError(t, p.Start())

	bad := testFrame(testGeometry, 0)
	bad.Data = bad.Data[:1]
	p.OnFrame(bad)
	p.OnFrame(nil)
	p.OnFrame(testFrame(testGeometry, 1))

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Samples)
	assert.Equal(t, 2, invalid)
	assert.EqualValues(t, 2, p.Stats().FramesInvalid)
	assert.EqualValues(t, 1, p.Stats().FramesSubmitted)
}

func TestPipeline_EncoderDropIsNotFatal(t *testing.T) {
	const n, dropAt = 100, 50
	installFakeEncoder(t, fakeEncoderOptions{
		delay: 2,
		encodeErr: func(i int) error {
			if i == dropAt {
				return ErrFrameDropped
			}
			return nil
		},
	}, VideoCodecH264)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH264, ".mp4"))
	require.NoError(t, p.Start())
	for i := 0; i < n; i++ {
		p.OnFrame(testFrame(testGeometry, i))
	}

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NoError(t, p.Err())
	assert.EqualValues(t, n-1, rec.Samples)

	stats := p.Stats()
	assert.EqualValues(t, n, stats.FramesSubmitted)
	assert.EqualValues(t, 1, stats.EncoderDrops)
	assert.EqualValues(t, n-1, stats.SamplesAppended)
	assert.Zero(t, stats.AppendFailures)

	// Every frame is a keyframe, so each sample is its own fragment.
	f, err := mp4.ReadMP4File(rec.Path)
	require.NoError(t, err)
	var decodeTimes []uint64
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			decodeTimes = append(decodeTimes, frag.Moof.Traf.Tfdt.BaseMediaDecodeTime())
		}
	}
	require.Len(t, decodeTimes, n-1)
	for i := 1; i < len(decodeTimes); i++ {
		assert.Greater(t, decodeTimes[i], decodeTimes[i-1], "fragment %d out of order", i)
	}
}

func TestPipeline_FirstFrameSizesEncoder(t *testing.T) {
	fe := installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH265)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH265, ".mov"))
	require.NoError(t, p.Start())

	uhd := Geometry{Width: 1920, Height: 1080, Format: PixelFormatNV12}
	p.OnFrame(testFrame(uhd, 0))

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.Samples)

	assert.EqualValues(t, 1, fe.created.Load())
	assert.Equal(t, uhd, fe.lastConfig().Geometry())

	f, err := mp4.ReadMP4File(rec.Path)
	require.NoError(t, err)
	require.NotNil(t, f.Init)
	assert.NotNil(t, f.Init.Moov.Trak.Mdia.Minf.Stbl.Stsd.HvcX)
}

func TestPipeline_StopDeadline(t *testing.T) {
	block := make(chan struct{})
	installFakeEncoder(t, fakeEncoderOptions{block: block}, VideoCodecH264)

	p := newTestPipeline(t, testPipelineConfig(t, VideoCodecH264, ".h264"))
	require.NoError(t, p.Start())
	p.OnFrame(testFrame(testGeometry, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	rec, err := p.Stop(ctx)
	elapsed := time.Since(start)
	close(block)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, rec)
	assert.Less(t, elapsed, time.Second, "stop returns when its context expires")

	waitDone(t, p)
	assert.Equal(t, PipelineStateStopped, p.State())
	assert.ErrorIs(t, p.Err(), context.DeadlineExceeded)
}

func TestPipeline_Metrics(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	run := func(frames int) {
		cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
		cfg.Metrics = m
		p := newTestPipeline(t, cfg)
		p.OnFrame(testFrame(testGeometry, 0))
		require.NoError(t, p.Start())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))
		for i := 0; i < frames; i++ {
			p.OnFrame(testFrame(testGeometry, i))
		}
		_, err := stopPipeline(t, p)
		require.NoError(t, err)
	}
	run(3)
	run(2)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues(dropReasonState)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.SamplesAppended))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Runs.WithLabelValues(runOutcomeFinished)))
	assert.Zero(t, testutil.ToFloat64(m.ActiveRuns))
	assert.Positive(t, testutil.ToFloat64(m.BytesWritten))

	count, err := testutil.GatherAndCount(reg, "capture_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPipeline_TestPatternSource(t *testing.T) {
	installFakeEncoder(t, fakeEncoderOptions{}, VideoCodecH264)

	src, err := NewTestPatternSource(TestPatternConfig{
		Width:   64,
		Height:  64,
		FPS:     100,
		Format:  PixelFormatNV12,
		Pattern: PatternMovingBox,
	})
	require.NoError(t, err)

	logger := zerolog.New(zerolog.NewTestWriter(t))
	cfg := testPipelineConfig(t, VideoCodecH264, ".mp4")
	cfg.Logger = &logger
	p := newTestPipeline(t, cfg)
	p.Attach(src)

	require.NoError(t, p.Start())
	require.NoError(t, src.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p.Stats().SamplesAppended >= 5
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, src.Stop())

	rec, err := stopPipeline(t, p)
	require.NoError(t, err)
	assert.EqualValues(t, p.Stats().SamplesAppended, rec.Samples)
	assert.Positive(t, rec.Duration)
}
