package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EncoderOutput is delivered once per encoded or dropped frame. Exactly one
// of Sample, Dropped or Err is set.
type EncoderOutput struct {
	Sample  *CompressedSample // Owned by the receiver
	Dropped bool              // The encoder skipped the frame at PTS
	PTS     time.Duration     // Timestamp of the dropped or failed frame
	Err     error             // Per-frame encode failure
}

// EncoderCallback receives encoder outputs in encoder output order. It runs
// on the session's worker goroutine; blocking it applies back-pressure to
// the encoder queue only.
type EncoderCallback func(EncoderOutput)

// EncoderOption configures optional EncoderSession behaviour.
type EncoderOption func(*EncoderSession)

// WithEncoderLogger sets the session logger.
func WithEncoderLogger(l zerolog.Logger) EncoderOption {
	return func(s *EncoderSession) {
		s.log = withComponent(l, "encoder")
	}
}

type encodeRequest struct {
	frame *RawFrame
	flush chan error // set for flush barriers
}

// EncoderSession owns one encoding context bound to a fixed geometry. Encode
// queues frames without blocking; results arrive through the callback.
type EncoderSession struct {
	config   EncoderConfig
	geometry Geometry
	backend  encoderBackend
	callback EncoderCallback
	pool     *framePool
	log      zerolog.Logger

	queue       chan encodeRequest
	prepareOnce sync.Once
	wg          sync.WaitGroup

	// mu guards invalidated and sends on queue.
	mu          sync.RWMutex
	invalidated bool
	flushed     atomic.Bool

	seq uint64 // worker goroutine only

	stats   EncoderStats
	statsMu sync.Mutex
}

// NewEncoderSession creates an encoder session for cfg. cfg must carry the
// geometry of the frames that will be submitted.
func NewEncoderSession(cfg EncoderConfig, cb EncoderCallback, opts ...EncoderOption) (*EncoderSession, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Profile == "" {
		cfg.Profile = cfg.Codec.DefaultProfile()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		cb = func(EncoderOutput) {}
	}

	s := &EncoderSession{
		config:   cfg,
		geometry: cfg.Geometry(),
		callback: cb,
		log:      zerolog.Nop(),
		queue:    make(chan encodeRequest, cfg.QueueDepth),
	}
	for _, opt := range opts {
		opt(s)
	}

	backend, err := newEncoderBackend(cfg)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	s.pool = newFramePool(s.geometry)
	s.log = s.log.With().
		Str(fieldCodec, cfg.Codec.String()).
		Str(fieldProvider, backend.Provider().String()).
		Str(fieldGeometry, s.geometry.String()).
		Logger()
	s.log.Debug().Str("profile", cfg.Profile).Msg("encoder session created")

	return s, nil
}

// Config returns the session configuration.
func (s *EncoderSession) Config() EncoderConfig {
	return s.config
}

// Provider returns the provider backing the session.
func (s *EncoderSession) Provider() Provider {
	return s.backend.Provider()
}

// Prepare starts the encode worker. It is idempotent and is called
// implicitly by Encode and Flush.
func (s *EncoderSession) Prepare() {
	s.prepareOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Encode copies frame into the session queue. The frame is not retained
// after Encode returns. A full queue drops the frame and returns
// ErrEncoderOverloaded.
func (s *EncoderSession) Encode(frame *RawFrame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if frame.Geometry() != s.geometry {
		return fmt.Errorf("%w: session %s, frame %s", ErrGeometryMismatch, s.geometry, frame.Geometry())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalidated {
		return ErrSessionInvalidated
	}
	s.Prepare()

	buf := s.pool.copyOf(frame)
	select {
	case s.queue <- encodeRequest{frame: buf}:
		s.flushed.Store(false)
		s.statsMu.Lock()
		s.stats.FramesSubmitted++
		s.statsMu.Unlock()
		return nil
	default:
		s.pool.put(buf)
		s.statsMu.Lock()
		s.stats.FramesOverloaded++
		s.statsMu.Unlock()
		return fmt.Errorf("%w: frame at %s", ErrEncoderOverloaded, frame.Timestamp)
	}
}

// Flush blocks until every frame queued before the call has been delivered
// through the callback or reported dropped.
func (s *EncoderSession) Flush(ctx context.Context) error {
	ack := make(chan error, 1)

	s.mu.RLock()
	if s.invalidated {
		s.mu.RUnlock()
		return ErrSessionInvalidated
	}
	s.Prepare()
	select {
	case s.queue <- encodeRequest{flush: ack}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		s.flushed.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate releases the encoder. No callback runs after it returns.
// Calling it without a completed Flush still releases everything but
// returns ErrNotFlushed, since frames held inside the encoder are lost.
func (s *EncoderSession) Invalidate() error {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return nil
	}
	s.invalidated = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	if !s.flushed.Load() {
		errs = append(errs, ErrNotFlushed)
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close encoder: %w", err))
	}
	s.log.Debug().Msg("encoder session invalidated")
	return errors.Join(errs...)
}

// Stats returns encoding statistics.
func (s *EncoderSession) Stats() EncoderStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *EncoderSession) run() {
	defer s.wg.Done()

	for req := range s.queue {
		if req.flush != nil {
			samples, err := s.backend.Flush()
			s.deliver(samples)
			req.flush <- err
			continue
		}
		s.encode(req.frame)
	}
}

func (s *EncoderSession) encode(frame *RawFrame) {
	pts := frame.Timestamp
	start := time.Now()
	samples, err := s.backend.Encode(frame)
	elapsed := time.Since(start)
	s.pool.put(frame)

	s.statsMu.Lock()
	s.stats.EncodingTime += elapsed
	s.statsMu.Unlock()

	switch {
	case errors.Is(err, ErrFrameDropped):
		s.statsMu.Lock()
		s.stats.FramesDropped++
		s.statsMu.Unlock()
		s.log.Debug().Dur(fieldPTS, pts).Msg("frame dropped by encoder")
		s.callback(EncoderOutput{Dropped: true, PTS: pts})
	case err != nil:
		s.statsMu.Lock()
		s.stats.Errors++
		s.statsMu.Unlock()
		s.log.Warn().Err(err).Dur(fieldPTS, pts).Msg("encode failed")
		s.callback(EncoderOutput{Err: err, PTS: pts})
	}
	s.deliver(samples)
}

func (s *EncoderSession) deliver(samples []*CompressedSample) {
	for _, sample := range samples {
		if sample == nil {
			continue
		}
		sample.Sequence = s.seq
		s.seq++

		s.statsMu.Lock()
		s.stats.FramesEncoded++
		s.stats.BytesEncoded += uint64(len(sample.Data))
		if sample.Keyframe {
			s.stats.KeyframesEncoded++
		}
		s.statsMu.Unlock()

		s.callback(EncoderOutput{Sample: sample})
	}
}
