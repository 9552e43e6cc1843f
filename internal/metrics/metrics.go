package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bump_exchange"

type Metrics struct {
	SessionsInitiated *prometheus.CounterVec
	HitsSubmitted     prometheus.Counter
	HitsIgnored       *prometheus.CounterVec
	Candidates        prometheus.Histogram
	Matches           *prometheus.CounterVec
	BindConflicts     prometheus.Counter
	ScansPending      prometheus.Counter
	PairsResolved     prometheus.Counter
}

// New registers the exchange collectors on reg. Pass prometheus.NewRegistry()
// in tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsInitiated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_initiated_total",
			Help:      "Exchange sessions created, by sharing category.",
		}, []string{"category"}),
		HitsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_submitted_total",
			Help:      "Hits accepted into the correlation index.",
		}),
		HitsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_ignored_total",
			Help:      "Hits not correlated, by reason.",
		}, []string{"reason"}),
		Candidates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_candidates",
			Help:      "Compatible candidate hits found per correlation attempt.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Match records written, by pairing path.",
		}, []string{"via"}),
		BindConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_conflicts_total",
			Help:      "Bind attempts lost to a concurrent match.",
		}),
		ScansPending: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_pending_auth_total",
			Help:      "QR scans parked behind an auth step.",
		}),
		PairsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_resolved_total",
			Help:      "Counterpart profiles released after a match.",
		}),
	}
}
