package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of capture pipelines. One Metrics
// may be shared by successive runs.
type Metrics struct {
	// Frame metrics
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec // reason: state, overload, encoder, invalid
	EncodeErrors   prometheus.Counter

	// Sample metrics
	SamplesAppended prometheus.Counter
	AppendFailures  prometheus.Counter
	BytesWritten    prometheus.Counter

	// Run metrics
	ActiveRuns       prometheus.Gauge
	Runs             *prometheus.CounterVec // outcome: finished, failed, aborted
	FinalizeDuration prometheus.Histogram
}

// Drop reasons
const (
	dropReasonState    = "state"
	dropReasonOverload = "overload"
	dropReasonEncoder  = "encoder"
	dropReasonInvalid  = "invalid"
)

// Run outcomes
const (
	runOutcomeFinished = "finished"
	runOutcomeFailed   = "failed"
	runOutcomeAborted  = "aborted"
)

// NewMetrics creates the metrics and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_frames_received_total",
			Help: "Total number of raw frames delivered by the frame source",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_frames_dropped_total",
			Help: "Total number of raw frames that did not produce a sample",
		}, []string{"reason"}),
		EncodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_encode_errors_total",
			Help: "Total number of frames that failed inside the encoder",
		}),
		SamplesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_samples_appended_total",
			Help: "Total number of compressed samples accepted by the muxer",
		}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_append_failures_total",
			Help: "Total number of compressed samples the muxer rejected",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "capture_output_bytes_total",
			Help: "Total number of bytes written to finished outputs",
		}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "capture_active_runs",
			Help: "Number of pipeline runs currently capturing or stopping",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_runs_total",
			Help: "Total number of completed pipeline runs by outcome",
		}, []string{"outcome"}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_finalize_duration_seconds",
			Help:    "Time from stop to a finalized output",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
	}
}
