package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline errors
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrPipelineState   = errors.New("invalid pipeline state")
	ErrPipelineStopped = errors.New("pipeline already stopped")
)

// IsConfigurationError reports whether err is fatal to a run because the
// requested encoder, geometry or output cannot be set up.
func IsConfigurationError(err error) bool {
	for _, target := range []error{
		ErrConfiguration,
		ErrInvalidConfig,
		ErrUnsupportedGeometry,
		ErrEncoderUnavailable,
		ErrProviderNotFound,
		ErrCodecNotSupported,
		ErrGeometryMismatch,
		ErrUnsupportedContainer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PipelineState represents the state of a capture pipeline.
type PipelineState int32

const (
	PipelineStateIdle      PipelineState = iota // Not started
	PipelineStateStarting                       // Opening the output
	PipelineStateCapturing                      // Accepting frames
	PipelineStateStopping                       // Draining encoder and muxer
	PipelineStateStopped                        // Terminal
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateStarting:
		return "starting"
	case PipelineStateCapturing:
		return "capturing"
	case PipelineStateStopping:
		return "stopping"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PipelineConfig configures a capture pipeline.
type PipelineConfig struct {
	OutputPath string        // File path or rtmp:// URL; the extension picks the container
	Encoder    EncoderConfig // Template; width, height and pixel format come from the first frame
	RTMP       RTMPConfig

	SampleQueueDepth int // Samples buffered between encoder and muxer (default: 32)
	MuxQueueDepth    int // Samples buffered inside the muxer (default: 16)

	Logger  *zerolog.Logger // nil = no logging
	Metrics *Metrics        // nil = no metrics
	OnError func(error)     // Called for non-fatal per-frame and per-sample errors
}

// PipelineStats provides pipeline statistics.
type PipelineStats struct {
	FramesReceived   uint64 // Frames delivered to OnFrame
	FramesSubmitted  uint64 // Frames queued on the encoder
	FramesNotRunning uint64 // Frames dropped because the pipeline was not capturing
	FramesInvalid    uint64 // Frames dropped because they were malformed
	EncoderOverloads uint64 // Frames dropped because the encoder queue was full
	EncoderDrops     uint64 // Frames the encoder reported as dropped
	EncoderErrors    uint64 // Frames that failed inside the encoder
	SamplesAppended  uint64 // Samples accepted by the muxer
	AppendFailures   uint64 // Samples the muxer did not accept
}

const defaultSampleQueueDepth = 32

// Pipeline drives one capture run: frames pushed through OnFrame are
// encoded by a lazily created EncoderSession and muxed, in encoder output
// order, by a single writer goroutine into a MuxSession opened at Start.
type Pipeline struct {
	config  PipelineConfig
	track   TrackConfig
	runID   string
	base    zerolog.Logger // run-scoped, handed to the encoder and muxer
	log     zerolog.Logger
	metrics *Metrics

	state atomic.Int32
	// mu is read-held by OnFrame while it submits and write-held for the
	// Capturing -> Stopping transition, so no submit overlaps teardown.
	mu sync.RWMutex

	mux         *MuxSession
	encoderOnce sync.Once
	encoder     *EncoderSession
	encoderErr  error

	samples       chan *CompressedSample
	writerDone    chan struct{}
	lastTimestamp atomic.Int64
	ctx           context.Context
	cancel        context.CancelFunc

	stopCalled atomic.Bool
	done       chan struct{}
	recording  *Recording
	err        error
	started    bool

	stats   PipelineStats
	statsMu sync.Mutex
}

// NewPipeline creates an Idle pipeline.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.OutputPath == "" {
		return nil, fmt.Errorf("%w: output path is required", ErrInvalidConfig)
	}
	if config.Encoder.Codec == VideoCodecUnknown {
		return nil, fmt.Errorf("%w: encoder codec is required", ErrInvalidConfig)
	}
	if err := config.Encoder.Color.Validate(); err != nil {
		return nil, err
	}
	if config.SampleQueueDepth <= 0 {
		config.SampleQueueDepth = defaultSampleQueueDepth
	}
	if config.MuxQueueDepth <= 0 {
		config.MuxQueueDepth = defaultMuxQueueDepth
	}
	if config.Encoder.Profile == "" {
		config.Encoder.Profile = config.Encoder.Codec.DefaultProfile()
	}

	runID := uuid.NewString()
	base := zerolog.Nop()
	if config.Logger != nil {
		base = *config.Logger
	}
	base = base.With().Str(fieldRunID, runID).Logger()

	p := &Pipeline{
		config: config,
		track: TrackConfig{
			Codec:  config.Encoder.Codec,
			Width:  config.Encoder.Width,
			Height: config.Encoder.Height,
			FPS:    config.Encoder.FPS,
			Color:  config.Encoder.Color,
		},
		runID:   runID,
		base:    base,
		log:     withComponent(base, "pipeline"),
		metrics: config.Metrics,
		done:    make(chan struct{}),
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// RunID returns the unique id of this run.
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Done is closed when the pipeline reaches Stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the terminal error once Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Attach routes src's frames into the pipeline.
func (p *Pipeline) Attach(src FrameSource) {
	src.SetCallback(p.OnFrame)
}

func (p *Pipeline) setState(s PipelineState) {
	old := PipelineState(p.state.Swap(int32(s)))
	p.log.Debug().Str(fieldOldState, old.String()).Str(fieldNewState, s.String()).Msg("state change")
}

func (p *Pipeline) count(update func(*PipelineStats)) {
	p.statsMu.Lock()
	update(&p.stats)
	p.statsMu.Unlock()
}

func (p *Pipeline) reportError(err error) {
	if p.config.OnError != nil {
		p.config.OnError(err)
	}
}

// Start opens the output and begins accepting frames. If the output cannot
// be opened the run ends Stopped and the configuration error is returned.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch state := p.State(); state {
	case PipelineStateIdle:
	case PipelineStateStopped:
		return ErrPipelineStopped
	default:
		return fmt.Errorf("%w: start in state %s", ErrPipelineState, state)
	}
	p.setState(PipelineStateStarting)

	mux, err := OpenMuxSession(p.config.OutputPath, p.track,
		WithMuxLogger(p.base),
		WithMuxQueueDepth(p.config.MuxQueueDepth),
		WithRTMPConfig(p.config.RTMP),
	)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		p.log.Error().Err(err).Msg("open output failed")
		p.finishRun(nil, err, runOutcomeFailed)
		return err
	}

	p.mux = mux
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.samples = make(chan *CompressedSample, p.config.SampleQueueDepth)
	p.writerDone = make(chan struct{})
	go p.writeLoop()

	p.started = true
	if p.metrics != nil {
		p.metrics.ActiveRuns.Inc()
	}
	p.setState(PipelineStateCapturing)
	p.log.Info().Str(fieldPath, p.config.OutputPath).Str(fieldCodec, p.track.Codec.String()).Msg("capture started")
	return nil
}

// OnFrame is the FrameSource push entry point. It never blocks on the
// encoder or the muxer; frames arriving outside Capturing are dropped.
func (p *Pipeline) OnFrame(frame *RawFrame) {
	p.count(func(s *PipelineStats) { s.FramesReceived++ })
	if p.metrics != nil {
		p.metrics.FramesReceived.Inc()
	}

	if p.State() != PipelineStateCapturing {
		p.dropNotRunning()
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.State() != PipelineStateCapturing {
		p.dropNotRunning()
		return
	}

	if err := frame.Validate(); err != nil {
		p.count(func(s *PipelineStats) { s.FramesInvalid++ })
		p.drop(dropReasonInvalid)
		p.reportError(err)
		return
	}

	enc, err := p.ensureEncoder(frame)
	if err != nil {
		go p.abort(fmt.Errorf("%w: %w", ErrConfiguration, err))
		return
	}

	switch err := enc.Encode(frame); {
	case err == nil:
		p.count(func(s *PipelineStats) { s.FramesSubmitted++ })
	case errors.Is(err, ErrEncoderOverloaded):
		p.count(func(s *PipelineStats) { s.EncoderOverloads++ })
		p.drop(dropReasonOverload)
		p.log.Warn().Dur(fieldPTS, frame.Timestamp).Msg("encoder overloaded, frame dropped")
		p.reportError(err)
	case errors.Is(err, ErrGeometryMismatch):
		p.count(func(s *PipelineStats) { s.FramesInvalid++ })
		p.drop(dropReasonInvalid)
		go p.abort(fmt.Errorf("%w: %w", ErrConfiguration, err))
	default:
		p.count(func(s *PipelineStats) { s.FramesInvalid++ })
		p.drop(dropReasonInvalid)
		p.reportError(err)
	}
}

func (p *Pipeline) dropNotRunning() {
	p.count(func(s *PipelineStats) { s.FramesNotRunning++ })
	p.drop(dropReasonState)
}

func (p *Pipeline) drop(reason string) {
	if p.metrics != nil {
		p.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

// ensureEncoder creates the encoder session from the first frame's
// geometry. At most one session is created per run.
func (p *Pipeline) ensureEncoder(frame *RawFrame) (*EncoderSession, error) {
	p.encoderOnce.Do(func() {
		cfg := p.config.Encoder.WithGeometry(frame)
		p.encoder, p.encoderErr = NewEncoderSession(cfg, p.onEncoderOutput, WithEncoderLogger(p.base))
		if p.encoderErr != nil {
			p.log.Error().Err(p.encoderErr).Str(fieldGeometry, cfg.Geometry().String()).Msg("encoder creation failed")
			return
		}
		p.encoder.Prepare()
		p.log.Info().
			Str(fieldProvider, p.encoder.Provider().String()).
			Str(fieldGeometry, cfg.Geometry().String()).
			Msg("encoder session created")
	})
	return p.encoder, p.encoderErr
}

// onEncoderOutput runs on the encoder worker goroutine. Sends block while
// the sample queue is full, which throttles the encoder and nothing else.
func (p *Pipeline) onEncoderOutput(out EncoderOutput) {
	switch {
	case out.Sample != nil:
		p.samples <- out.Sample
	case out.Dropped:
		p.count(func(s *PipelineStats) { s.EncoderDrops++ })
		p.drop(dropReasonEncoder)
		p.log.Warn().Dur(fieldPTS, out.PTS).Msg("encoder dropped frame")
	case out.Err != nil:
		p.count(func(s *PipelineStats) { s.EncoderErrors++ })
		if p.metrics != nil {
			p.metrics.EncodeErrors.Inc()
		}
		p.reportError(out.Err)
	}
}

// writeLoop is the only caller of MuxSession StartSession, WaitReady and
// Append, so samples reach the muxer in encoder output order.
func (p *Pipeline) writeLoop() {
	defer close(p.writerDone)

	started := false
	for sample := range p.samples {
		if !started {
			if err := p.mux.StartSession(sample.DTS); err != nil {
				p.appendFailed(sample, err)
				continue
			}
			started = true
		}
		if err := p.mux.WaitReady(p.ctx); err != nil {
			p.appendFailed(sample, err)
			continue
		}
		if !p.mux.Append(sample) {
			p.appendFailed(sample, fmt.Errorf("%w: sample at %s rejected", ErrIncompleteWrite, sample.PTS))
			continue
		}
		p.lastTimestamp.Store(int64(sample.End()))
		p.count(func(s *PipelineStats) { s.SamplesAppended++ })
		if p.metrics != nil {
			p.metrics.SamplesAppended.Inc()
		}
	}
}

func (p *Pipeline) appendFailed(sample *CompressedSample, err error) {
	p.count(func(s *PipelineStats) { s.AppendFailures++ })
	if p.metrics != nil {
		p.metrics.AppendFailures.Inc()
	}
	p.log.Warn().Err(err).Dur(fieldPTS, sample.PTS).Msg("append failed")
	p.reportError(err)
}

// Stop ends the run: it waits for in-flight OnFrame calls, flushes and
// invalidates the encoder, drains the writer and finalizes the output.
// It returns the Recording when the output finished. Only the first call
// does this; later calls return ErrPipelineStopped. If the run was
// aborted, Stop waits for the abort to finish and returns its error.
//
// ctx bounds the whole call. When it expires Stop returns ctx.Err() while
// teardown continues in the background with the encoder flush cut short;
// Done and Err report the final result.
func (p *Pipeline) Stop(ctx context.Context) (*Recording, error) {
	if !p.stopCalled.CompareAndSwap(false, true) {
		return nil, ErrPipelineStopped
	}

	p.mu.Lock()
	switch state := p.State(); state {
	case PipelineStateCapturing:
		p.setState(PipelineStateStopping)
		p.mu.Unlock()
		go p.teardown(ctx, nil)
	case PipelineStateIdle:
		p.mu.Unlock()
		p.stopCalled.Store(false)
		return nil, fmt.Errorf("%w: stop in state %s", ErrPipelineState, state)
	default:
		// Aborted or failed to start: teardown is running or done.
		p.mu.Unlock()
	}

	select {
	case <-p.done:
		return p.recording, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// abort ends a run that hit a fatal error while capturing.
func (p *Pipeline) abort(cause error) {
	p.mu.Lock()
	if p.State() != PipelineStateCapturing {
		p.mu.Unlock()
		return
	}
	p.setState(PipelineStateStopping)
	p.mu.Unlock()

	p.log.Error().Err(cause).Msg("run aborted")
	p.teardown(context.Background(), cause)
}

// teardown runs once per started run, after the Capturing -> Stopping
// transition. The output is always finished, even when the flush fails.
func (p *Pipeline) teardown(ctx context.Context, cause error) {
	start := time.Now()
	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}

	if p.encoder != nil {
		flushErr := p.encoder.Flush(ctx)
		if flushErr != nil {
			errs = append(errs, fmt.Errorf("flush encoder: %w", flushErr))
			// Unblock the writer so the remaining samples drain.
			p.cancel()
		}
		if err := p.encoder.Invalidate(); err != nil && (flushErr == nil || !errors.Is(err, ErrNotFlushed)) {
			errs = append(errs, fmt.Errorf("invalidate encoder: %w", err))
		}
	}

	close(p.samples)
	<-p.writerDone

	last := time.Duration(p.lastTimestamp.Load())
	if err := <-p.mux.Finish(last); err != nil {
		errs = append(errs, err)
	}
	p.cancel()

	if p.metrics != nil {
		p.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	}

	var rec *Recording
	if p.mux.State() == MuxStateFinished {
		stats := p.mux.Stats()
		rec = &Recording{
			Path:     p.mux.Path(),
			Bytes:    stats.Bytes,
			Duration: p.mux.Duration(),
			Samples:  stats.Written,
			RunID:    p.runID,
		}
		if p.metrics != nil {
			p.metrics.BytesWritten.Add(float64(stats.Bytes))
		}
	}

	err := errors.Join(errs...)
	outcome := runOutcomeFinished
	switch {
	case cause != nil:
		outcome = runOutcomeAborted
	case err != nil:
		outcome = runOutcomeFailed
	}
	p.finishRun(rec, err, outcome)
}

// finishRun records the terminal result and moves to Stopped.
func (p *Pipeline) finishRun(rec *Recording, err error, outcome string) {
	p.recording = rec
	p.err = err
	if p.metrics != nil {
		if p.started {
			p.metrics.ActiveRuns.Dec()
		}
		p.metrics.Runs.WithLabelValues(outcome).Inc()
	}

	ev := p.log.Info()
	if err != nil {
		ev = p.log.Error().Err(err)
	}
	if rec != nil {
		ev = ev.Str(fieldPath, rec.Path).Int64("bytes", rec.Bytes).Uint64("samples", rec.Samples)
	}
	ev.Str("outcome", outcome).Msg("capture stopped")

	p.setState(PipelineStateStopped)
	close(p.done)
}
