package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mux errors
var (
	ErrIOFailure            = errors.New("output I/O failure")
	ErrUnsupportedContainer = errors.New("unsupported container")
	ErrIncompleteWrite      = errors.New("incomplete write")
	ErrFinalizeFailed       = errors.New("could not finalize output")
	ErrMuxNotWriting        = errors.New("mux session is not writing")
	ErrMuxFinished          = errors.New("mux session already finished")
)

// MuxState represents the state of a MuxSession.
type MuxState int32

const (
	MuxStateIdle     MuxState = iota // Not yet opened
	MuxStateOpened                   // Output created, no session started
	MuxStateWriting                  // Accepting samples
	MuxStateFinished                 // Finalized successfully
	MuxStateFailed                   // Finalization failed
)

func (s MuxState) String() string {
	switch s {
	case MuxStateIdle:
		return "idle"
	case MuxStateOpened:
		return "opened"
	case MuxStateWriting:
		return "writing"
	case MuxStateFinished:
		return "finished"
	case MuxStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Finished or Failed.
func (s MuxState) Terminal() bool {
	return s == MuxStateFinished || s == MuxStateFailed
}

// TrackConfig describes the single video track of a MuxSession.
type TrackConfig struct {
	Codec     VideoCodec
	Width     int    // Hint; the bitstream is authoritative
	Height    int    // Hint; the bitstream is authoritative
	FPS       int    // Hint for sample durations
	Timescale uint32 // Media timescale (default: codec clock rate)
	Color     ColorProperties
}

func (t TrackConfig) timescale() uint32 {
	if t.Timescale > 0 {
		return t.Timescale
	}
	return t.Codec.ClockRate()
}

// defaultDuration is the sample duration used when neither the sample nor
// the next sample says otherwise.
func (t TrackConfig) defaultDuration() time.Duration {
	if t.FPS > 0 {
		return time.Second / time.Duration(t.FPS)
	}
	return time.Second / 30
}

// MuxStats provides muxing metrics.
type MuxStats struct {
	Appended    uint64 // Samples accepted by Append
	Rejected    uint64 // Append calls that returned false
	Written     uint64 // Samples written to the container
	WriteErrors uint64 // Samples the container failed to write
	Bytes       int64  // Bytes written to the output
}

// containerWriter writes one container format. Calls are serialized by the
// MuxSession writer goroutine. Timestamps are relative to the session origin.
type containerWriter interface {
	WriteSample(sample *CompressedSample) error

	// Finalize completes the container; end is the presentation end of the
	// track.
	Finalize(end time.Duration) error

	// Abort discards the output.
	Abort() error

	// Bytes returns the number of bytes written so far.
	Bytes() int64
}

// MuxOption configures optional MuxSession behaviour.
type MuxOption func(*muxOptions)

type muxOptions struct {
	log        zerolog.Logger
	queueDepth int
	rtmp       RTMPConfig
}

// WithMuxLogger sets the session logger.
func WithMuxLogger(l zerolog.Logger) MuxOption {
	return func(o *muxOptions) {
		o.log = withComponent(l, "mux")
	}
}

// WithMuxQueueDepth sets how many samples may wait for the writer before
// the session reports not ready (default: 16).
func WithMuxQueueDepth(n int) MuxOption {
	return func(o *muxOptions) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithRTMPConfig sets connection parameters for rtmp:// outputs.
func WithRTMPConfig(cfg RTMPConfig) MuxOption {
	return func(o *muxOptions) {
		o.rtmp = cfg
	}
}

const defaultMuxQueueDepth = 16

// MuxSession writes one video track into one output. It accepts samples
// only while Writing, serializes all container writes on one goroutine and
// is immutable once finished.
type MuxSession struct {
	path   string
	track  TrackConfig
	writer containerWriter
	log    zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	state    MuxState
	capacity int
	queue    []*CompressedSample
	closing  bool // Finish called; writer drains then exits
	writeErr error

	origin     time.Duration
	lastDTS    time.Duration
	hasSamples bool
	keyframe   bool // a keyframe has been accepted
	end        time.Duration

	writerDone chan struct{}
	stats      MuxStats
}

// OpenMuxSession creates the output and returns an Opened session. The
// container is chosen from the output path.
func OpenMuxSession(outputPath string, track TrackConfig, opts ...MuxOption) (*MuxSession, error) {
	o := muxOptions{log: zerolog.Nop(), queueDepth: defaultMuxQueueDepth}
	for _, opt := range opts {
		opt(&o)
	}

	writer, err := openContainer(outputPath, track, o)
	if err != nil {
		return nil, err
	}
	return newMuxSession(outputPath, track, writer, o), nil
}

func newMuxSession(outputPath string, track TrackConfig, writer containerWriter, o muxOptions) *MuxSession {
	m := &MuxSession{
		path:     outputPath,
		track:    track,
		writer:   writer,
		log:      o.log.With().Str(fieldPath, outputPath).Logger(),
		state:    MuxStateOpened,
		capacity: o.queueDepth,
	}
	m.cond = sync.NewCond(&m.mu)
	m.log.Debug().Str(fieldCodec, track.Codec.String()).Msg("mux session opened")
	return m
}

// openContainer picks the container writer for outputPath.
func openContainer(outputPath string, track TrackConfig, o muxOptions) (containerWriter, error) {
	if strings.HasPrefix(outputPath, "rtmp://") {
		if track.Codec != VideoCodecH264 {
			return nil, fmt.Errorf("%w: rtmp carries H264 only, got %s", ErrUnsupportedContainer, track.Codec)
		}
		return dialRTMP(outputPath, o.rtmp)
	}

	switch ext := strings.ToLower(filepath.Ext(outputPath)); ext {
	case ".mp4", ".m4v", ".mov":
		if track.Codec.SampleEntry() == "" {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedContainer, track.Codec, ext)
		}
		return newMP4Writer(outputPath, track)
	case ".h264", ".264":
		if track.Codec != VideoCodecH264 {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedContainer, track.Codec, ext)
		}
		return newH264Writer(outputPath, track)
	case ".h265", ".265", ".hevc":
		if track.Codec != VideoCodecH265 {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedContainer, track.Codec, ext)
		}
		return newAnnexBWriter(outputPath)
	case ".ivf":
		if track.Codec != VideoCodecVP8 && track.Codec != VideoCodecAV1 {
			return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedContainer, track.Codec, ext)
		}
		return newIVFWriter(outputPath, track)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContainer, outputPath)
	}
}

// Path returns the output path or URL.
func (m *MuxSession) Path() string {
	return m.path
}

// Track returns the track configuration.
func (m *MuxSession) Track() TrackConfig {
	return m.track
}

// State returns the current session state.
func (m *MuxSession) State() MuxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns muxing statistics.
func (m *MuxSession) Stats() MuxStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Bytes = m.writer.Bytes()
	return s
}

// StartSession moves Opened to Writing and sets the track time origin.
func (m *MuxSession) StartSession(first time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != MuxStateOpened {
		return fmt.Errorf("%w: start session in state %s", ErrMuxNotWriting, m.state)
	}
	m.origin = first
	m.end = first
	m.state = MuxStateWriting
	m.writerDone = make(chan struct{})
	go m.writeLoop()

	m.log.Debug().Dur("origin", first).Msg("mux session started")
	return nil
}

// Ready reports whether Append would accept a well-formed sample now.
func (m *MuxSession) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyLocked()
}

func (m *MuxSession) readyLocked() bool {
	return m.state == MuxStateWriting && !m.closing && m.writeErr == nil && len(m.queue) < m.capacity
}

// WaitReady blocks until the session is ready for another sample. It fails
// when the session can no longer accept samples or ctx is done.
func (m *MuxSession) WaitReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.readyLocked() {
		switch {
		case m.state != MuxStateWriting || m.closing:
			return fmt.Errorf("%w: state %s", ErrMuxNotWriting, m.state)
		case m.writeErr != nil:
			return fmt.Errorf("%w: %w", ErrIncompleteWrite, m.writeErr)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		m.cond.Wait()
	}
	return nil
}

// Append queues sample for writing. It returns false, counting the sample
// as rejected, when the session is not Writing, not ready, the sample
// precedes the origin or the previous sample, or no keyframe has been
// accepted yet.
func (m *MuxSession) Append(sample *CompressedSample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.readyLocked() || !m.acceptableLocked(sample) {
		m.stats.Rejected++
		return false
	}

	m.lastDTS = sample.DTS
	m.hasSamples = true
	m.keyframe = true
	if end := sample.End(); end > m.end {
		m.end = end
	}
	m.queue = append(m.queue, sample)
	m.stats.Appended++
	m.cond.Broadcast()
	return true
}

func (m *MuxSession) acceptableLocked(s *CompressedSample) bool {
	if s == nil || len(s.Data) == 0 {
		return false
	}
	if s.DTS < m.origin || (m.hasSamples && s.DTS < m.lastDTS) {
		return false
	}
	return m.keyframe || s.Keyframe
}

// Finish finalizes the output exactly once. last is the timestamp of the
// last sample; the track ends at the later of last and the end of the last
// appended sample. It is valid from Writing, and from Opened, which
// produces an empty track. The returned channel delivers one result: nil,
// an error wrapping ErrIncompleteWrite when a sample write failed, or one
// wrapping ErrFinalizeFailed when the container could not be completed.
func (m *MuxSession) Finish(last time.Duration) <-chan error {
	result := make(chan error, 1)

	m.mu.Lock()
	switch {
	case m.state == MuxStateOpened:
		m.closing = true
		m.origin, m.end = last, last
	case m.state == MuxStateWriting && !m.closing:
		m.closing = true
		if last > m.end {
			m.end = last
		}
	default:
		state := m.state
		m.mu.Unlock()
		result <- fmt.Errorf("%w: finish in state %s", ErrMuxFinished, state)
		return result
	}
	done := m.writerDone
	m.cond.Broadcast()
	m.mu.Unlock()

	go func() {
		if done != nil {
			<-done
		}
		result <- m.finalize()
	}()
	return result
}

func (m *MuxSession) finalize() error {
	start := time.Now()

	m.mu.Lock()
	writeErr := m.writeErr
	end := m.end - m.origin
	m.mu.Unlock()

	var err error
	if writeErr != nil {
		err = fmt.Errorf("%w: %w", ErrIncompleteWrite, writeErr)
		if abortErr := m.writer.Abort(); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
	} else if ferr := m.writer.Finalize(end); ferr != nil {
		err = fmt.Errorf("%w: %w", ErrFinalizeFailed, ferr)
		m.writer.Abort()
	}

	m.mu.Lock()
	if err != nil {
		m.state = MuxStateFailed
	} else {
		m.state = MuxStateFinished
	}
	m.queue = nil
	m.cond.Broadcast()
	stats := m.stats
	m.mu.Unlock()

	ev := m.log.Info()
	if err != nil {
		ev = m.log.Error().Err(err)
	}
	ev.Uint64("written", stats.Written).
		Int64("bytes", m.writer.Bytes()).
		Dur("duration", end).
		Dur("elapsed", time.Since(start)).
		Msg("mux session finished")
	return err
}

// Duration returns the track duration established so far.
func (m *MuxSession) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.end - m.origin
}

func (m *MuxSession) writeLoop() {
	defer close(m.writerDone)

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closing {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		sample := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		failed := m.writeErr != nil
		origin := m.origin
		m.mu.Unlock()

		if failed {
			// The output is already incomplete; drain without writing.
			m.mu.Lock()
			m.stats.WriteErrors++
			m.cond.Broadcast()
			m.mu.Unlock()
			continue
		}

		rebased := *sample
		rebased.PTS -= origin
		rebased.DTS -= origin
		err := m.writer.WriteSample(&rebased)

		m.mu.Lock()
		if err != nil {
			m.stats.WriteErrors++
			if m.writeErr == nil {
				m.writeErr = err
				m.log.Error().Err(err).Dur(fieldPTS, sample.PTS).Msg("sample write failed")
			}
		} else {
			m.stats.Written++
		}
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}
