// Package metrics holds the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "foodrescue"

// Metrics groups every collector the core reports to.
type Metrics struct {
	Claims         *prometheus.CounterVec
	ClaimedKg      prometheus.Counter
	ClaimDuration  prometheus.Histogram
	ListingsPosted prometheus.Counter
	ListingsSwept  prometheus.Counter
	Effects        *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome (committed or the rejecting error kind).",
		}, []string{"outcome"}),
		ClaimedKg: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claimed_kilograms_total",
			Help:      "Kilograms of food moved from listings to recipients.",
		}),
		ClaimDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Time from receiving a claim to its commit or rejection.",
			Buckets:   prometheus.DefBuckets,
		}),
		ListingsPosted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_posted_total",
			Help:      "Listings created.",
		}),
		ListingsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listings_expired_total",
			Help:      "Listings flipped to expired by the sweep.",
		}),
		Effects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_total",
			Help:      "Post-commit side effects by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// ObserveClaim records one claim attempt.
func (m *Metrics) ObserveClaim(outcome string, kg float64, took time.Duration) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(outcome).Inc()
	if kg > 0 {
		m.ClaimedKg.Add(kg)
	}
	m.ClaimDuration.Observe(took.Seconds())
}

func (m *Metrics) ListingPosted() {
	if m == nil {
		return
	}
	m.ListingsPosted.Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.ListingsSwept.Add(float64(n))
}

// Effect records the fate of a side effect: delivered, failed or dropped.
func (m *Metrics) Effect(kind, result string) {
	if m == nil {
		return
	}
	m.Effects.WithLabelValues(kind, result).Inc()
}
