package federation

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation endpoint metrics
type Metrics struct {
	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec // by type
	EnvelopesRejected *prometheus.CounterVec // by reason class
	VerifyLatency     prometheus.Histogram

	// Identity resolver metrics
	ResolverLookups *prometheus.CounterVec // cache_hit, refreshed, stale, miss
	ProbeFailures   prometheus.Counter
	ProbeLatency    prometheus.Histogram

	// Handshake metrics
	HandshakesStarted   *prometheus.CounterVec // phase
	HandshakeResults    *prometheus.CounterVec // phase, code
	HandshakeLatency    *prometheus.HistogramVec
	HandshakeCollisions prometheus.Counter

	// Gate metrics
	GateDecisions  *prometheus.CounterVec // accepted, rejected
	GatePromotions prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_envelopes_received_total",
			Help: "Total number of verified envelopes by message type",
		}, []string{"type"}),
		EnvelopesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_envelopes_rejected_total",
			Help: "Total number of rejected envelopes by reason",
		}, []string{"reason"}),
		VerifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedgate_verify_latency_seconds",
			Help:    "Envelope verification latency",
			Buckets: prometheus.DefBuckets,
		}),

		ResolverLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_resolver_lookups_total",
			Help: "Identity resolver lookups by outcome",
		}, []string{"outcome"}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_probe_failures_total",
			Help: "Total number of failed identity probes",
		}),
		ProbeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedgate_probe_latency_seconds",
			Help:    "Identity probe latency",
			Buckets: prometheus.DefBuckets,
		}),

		HandshakesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_handshakes_started_total",
			Help: "Handshakes started by phase",
		}, []string{"phase"}),
		HandshakeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_handshake_results_total",
			Help: "Handshake outcomes by phase and status code",
		}, []string{"phase", "code"}),
		HandshakeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedgate_handshake_latency_seconds",
			Help:    "Handshake latency by phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"phase"}),
		HandshakeCollisions: f.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_handshake_id_collisions_total",
			Help: "Handshake id collisions detected",
		}),

		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedgate_gate_decisions_total",
			Help: "Relationship gate decisions",
		}, []string{"decision"}),
		GatePromotions: f.NewCounter(prometheus.CounterOpts{
			Name: "fedgate_gate_promotions_total",
			Help: "Follower relationships promoted to friend by the gate",
		}),
	}
}

// NopMetrics returns metrics registered against a private registry, for
// components constructed without a shared registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// RejectClass maps an error onto a low-cardinality metric label.
func RejectClass(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, ErrUnauthorizedSender):
		return "unauthorized"
	case errors.Is(err, ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, ErrNotFound):
		return "unknown_author"
	default:
		return "other"
	}
}
