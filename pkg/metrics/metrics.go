package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks optimistic mutation outcomes and authority round trips.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Mutations         *prometheus.CounterVec
	Outcomes          *prometheus.CounterVec
	AuthorityDuration *prometheus.HistogramVec
	Retries           *prometheus.CounterVec
	PendingOperations prometheus.Gauge
	CachedDataMode    prometheus.Gauge
	Refreshes         *prometheus.CounterVec
}

// New registers the sync metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_optimistic_mutations_total",
			Help: "Total number of optimistic mutations applied locally",
		}, []string{"domain", "operation"}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_mutation_outcomes_total",
			Help: "Total number of settled mutations by outcome",
		}, []string{"domain", "outcome"}),
		AuthorityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tally_authority_request_duration_seconds",
			Help:    "Duration of authority round trips",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation", "result"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_authority_retries_total",
			Help: "Total number of authority attempts after the first",
		}, []string{"operation"}),
		PendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tally_pending_operations",
			Help: "Number of deferred operations waiting for replay",
		}),
		CachedDataMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tally_cached_data_mode",
			Help: "1 while reads are served from the snapshot cache",
		}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_refreshes_total",
			Help: "Total number of store refreshes by source",
		}, []string{"domain", "source"}),
	}
}

func (m *Metrics) IncrementMutation(domain, operation string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(domain, operation).Inc()
}

func (m *Metrics) IncrementOutcome(domain, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(domain, outcome).Inc()
}

// ObserveAuthority records the duration of an authority round trip.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveAuthority(operation, result string, start time.Time) {
	if m == nil {
		return
	}
	m.AuthorityDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRetry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetPendingOperations(n int) {
	if m == nil {
		return
	}
	m.PendingOperations.Set(float64(n))
}

func (m *Metrics) SetCachedDataMode(cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.CachedDataMode.Set(1)
		return
	}
	m.CachedDataMode.Set(0)
}

func (m *Metrics) IncrementRefresh(domain, source string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(domain, source).Inc()
}
