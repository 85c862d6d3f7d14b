package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "engram"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rescores       *prometheus.CounterVec
	archived       prometheus.Counter
	revived        prometheus.Counter
	deadLinks      prometheus.Counter
	clamped        prometheus.Counter
	linksCreated   *prometheus.CounterVec
	linksRejected  *prometheus.CounterVec
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	sweepDuration  prometheus.Histogram
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rescores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rescores_total",
			Help:      "Importance recomputations by trigger",
		}, []string{"trigger"}),
		archived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archived_total",
			Help:      "Memories moved to the archived set",
		}),
		revived: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "revived_total",
			Help:      "Archived memories restored by direct access",
		}),
		deadLinks: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dead_links_repaired_total",
			Help:      "Link entries removed because their peer no longer exists",
		}),
		clamped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scores_clamped_total",
			Help:      "Scores forced back into [0,1]",
		}),
		linksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "links_created_total",
			Help:      "Links written by kind",
		}, []string{"kind"}),
		linksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "link_proposals_rejected_total",
			Help:      "Link proposals not materialized, by reason",
		}, []string{"reason"}),
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "searches_total",
			Help:      "Searches by outcome",
		}, []string{"outcome"}),
		searchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "search_duration_seconds",
			Help:      "Search latency",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full rescoring sweep",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) rescored(trigger string, b ScoreBreakdown) {
	if m == nil {
		return
	}
	m.rescores.WithLabelValues(trigger).Inc()
	if b.Clamped {
		m.clamped.Inc()
	}
}

func (m *Metrics) archive() {
	if m != nil {
		m.archived.Inc()
	}
}

func (m *Metrics) revive() {
	if m != nil {
		m.revived.Inc()
	}
}

func (m *Metrics) repaired(n int) {
	if m != nil && n > 0 {
		m.deadLinks.Add(float64(n))
	}
}

func (m *Metrics) linkCreated(kind string) {
	if m != nil {
		m.linksCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) linkRejected(reason string) {
	if m != nil {
		m.linksRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) search(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(took.Seconds())
}

func (m *Metrics) sweep(took time.Duration) {
	if m != nil {
		m.sweepDuration.Observe(took.Seconds())
	}
}
