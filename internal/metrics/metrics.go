// Package metrics exposes a Prometheus registry of counters and histograms
// for the framing, dispatch, connection, streaming, and therapy subsystems.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a registry-scoped set of collectors. One instance is created per
// process and threaded through the components that need to record against
// it; none of it is package-global, so tests can spin up an isolated
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	FramesDecoded      prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	ChecksumFailures   prometheus.Counter
	CommandsSent       *prometheus.CounterVec
	CommandsSucceeded  *prometheus.CounterVec
	CommandsTimedOut   *prometheus.CounterVec
	ReconnectAttempts  prometheus.Counter
	ReconnectSuccesses prometheus.Counter
	WatchdogFailures   prometheus.Counter
	StreamingSamples   prometheus.Counter
	TherapyStarts      prometheus.Counter
	TherapyStops       prometheus.Counter
	ClassifierLatency  prometheus.Histogram
}

// New constructs a Metrics with its own Registry (devoid of the default
// go_gc*/go_mem* collectors, matching the convention of keeping a
// process-dedicated registry for a single-purpose daemon).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_frames_decoded_total",
			Help: "Frames successfully decoded by the framer.",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neurolink_frames_dropped_total",
			Help: "Frames dropped by the framer, labeled by reason.",
		}, []string{"reason"}),
		ChecksumFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_checksum_failures_total",
			Help: "Frames rejected for a checksum mismatch.",
		}),
		CommandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neurolink_commands_sent_total",
			Help: "SendCommand invocations, labeled by opcode.",
		}, []string{"opcode"}),
		CommandsSucceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neurolink_commands_succeeded_total",
			Help: "SendCommand invocations that completed without error, labeled by opcode.",
		}, []string{"opcode"}),
		CommandsTimedOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "neurolink_commands_timed_out_total",
			Help: "SendCommand invocations that hit the write timeout, labeled by opcode.",
		}, []string{"opcode"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_reconnect_attempts_total",
			Help: "Reconnector handshake/port-reopen cycles started.",
		}),
		ReconnectSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_reconnect_successes_total",
			Help: "Reconnector cycles that restored the connection.",
		}),
		WatchdogFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_watchdog_failures_total",
			Help: "Watchdog ticks that exhausted their reset-attempt budget.",
		}),
		StreamingSamples: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_streaming_samples_total",
			Help: "StreamData packets decoded and fanned out.",
		}),
		TherapyStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_therapy_starts_total",
			Help: "StartTherapy commands that completed successfully.",
		}),
		TherapyStops: f.NewCounter(prometheus.CounterOpts{
			Name: "neurolink_therapy_stops_total",
			Help: "StopTherapy commands that completed successfully.",
		}),
		ClassifierLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "neurolink_classifier_latency_seconds",
			Help:    "Wall-clock time spent in one Classify call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveClassifierLatency is a small helper for "defer metrics.ObserveClassifierLatency(m, time.Now())"
// call sites in the classifier-driving code.
func ObserveClassifierLatency(m *Metrics, start time.Time) {
	m.ClassifierLatency.Observe(time.Since(start).Seconds())
}

// Handler returns the promhttp handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
