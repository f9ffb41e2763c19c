package telemetry

import (
	"context"
	"net/http"

	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "idverify"

// Metrics exports one sample set per decision.
type Metrics struct {
	gatherer prometheus.Gatherer

	Decisions      *prometheus.CounterVec
	FastPath       *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	Ambiguous      *prometheus.CounterVec
	ConsensusCount *prometheus.HistogramVec
	CombinedScore  *prometheus.HistogramVec
	LatencyMs      *prometheus.HistogramVec
	Abstentions    *prometheus.CounterVec
	AuditDropped   prometheus.Counter
	ActiveVersion  *prometheus.GaugeVec
}

// NewMetrics registers the decision metrics on reg. A nil reg uses a fresh
// registry so tests and tools never collide on the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Consensus decisions by outcome",
			},
			[]string{"outcome", "strategy", "config_version"},
		),
		FastPath: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fast_path_total",
				Help:      "Decisions settled by the fast-path model alone",
			},
			[]string{"config_version"},
		),
		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Fast-path results escalated to the full ensemble",
			},
			[]string{"config_version"},
		),
		Ambiguous: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ambiguous_total",
				Help:      "Decisions carrying the ambiguity flag",
			},
			[]string{"config_version"},
		),
		ConsensusCount: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consensus_count",
				Help:      "Models agreeing with the winner",
				Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
			},
			[]string{"strategy"},
		),
		CombinedScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "combined_score",
				Help:      "Combined score of the winner",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"strategy"},
		),
		LatencyMs: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_ms",
				Help:      "Decision latency in milliseconds",
				Buckets:   []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000},
			},
			[]string{"fast_path"},
		),
		Abstentions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_abstentions_total",
				Help:      "Per-model abstentions by reason",
			},
			[]string{"model", "reason"},
		),
		AuditDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Decisions dropped because the audit buffer was full",
			},
		),
		ActiveVersion: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_config",
				Help:      "1 for the active ensemble config version",
			},
			[]string{"config_version"},
		),
	}
}

// ObserveDecision records res. It implements consensus.Observer.
func (m *Metrics) ObserveDecision(_ context.Context, res *consensus.ConsensusResult) {
	m.Decisions.WithLabelValues(string(res.Outcome), res.Strategy, res.ConfigVersion).Inc()
	if res.FastPathUsed {
		m.FastPath.WithLabelValues(res.ConfigVersion).Inc()
	}
	if res.Escalated {
		m.Escalations.WithLabelValues(res.ConfigVersion).Inc()
	}
	if res.Ambiguous {
		m.Ambiguous.WithLabelValues(res.ConfigVersion).Inc()
	}
	m.ConsensusCount.WithLabelValues(res.Strategy).Observe(float64(res.ConsensusCount))
	if res.WinnerID != "" {
		m.CombinedScore.WithLabelValues(res.Strategy).Observe(res.CombinedScore)
	}

	fast := "false"
	if res.FastPathUsed {
		fast = "true"
	}
	m.LatencyMs.WithLabelValues(fast).Observe(float64(res.DurationMs))

	for _, c := range res.Candidates {
		if c.Abstained {
			m.Abstentions.WithLabelValues(c.ModelID, string(c.AbstainReason)).Inc()
		}
	}
}

// SetActiveVersion marks version as the only active config.
func (m *Metrics) SetActiveVersion(version string) {
	m.ActiveVersion.Reset()
	m.ActiveVersion.WithLabelValues(version).Set(1)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
