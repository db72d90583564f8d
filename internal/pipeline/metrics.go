package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for sync runs.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	PhaseDuration   *prometheus.HistogramVec
	CompaniesTotal  *prometheus.CounterVec
	LastSuccess     prometheus.Gauge
	DBQueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns sync metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadsync_runs_total",
			Help: "Total sync runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadsync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadsync_phase_duration_seconds",
			Help:    "Duration of sync phases in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~204s
		}, []string{"phase", "outcome"}),
		CompaniesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadsync_companies_total",
			Help: "Companies seen per pipeline stage.",
		}, []string{"stage"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync run.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadsync_db_query_duration_seconds",
			Help:    "Duration of ledger database queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.PhaseDuration,
		m.CompaniesTotal,
		m.LastSuccess,
		m.DBQueryDuration,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnPhase: func(phase Phase, outcome string, duration float64) {
			m.PhaseDuration.WithLabelValues(string(phase), outcome).Observe(duration)
		},
		OnComplete: func(r *Result) {
			m.RunsTotal.WithLabelValues(string(r.Status)).Inc()
			m.RunDuration.WithLabelValues(string(r.Status)).Observe(r.Duration.Seconds())
			m.CompaniesTotal.WithLabelValues("fetched").Add(float64(r.Fetched))
			m.CompaniesTotal.WithLabelValues("new").Add(float64(r.New))
			m.CompaniesTotal.WithLabelValues("persisted").Add(float64(r.Persisted))
			m.CompaniesTotal.WithLabelValues("created").Add(float64(r.Created))
			m.CompaniesTotal.WithLabelValues("existing").Add(float64(r.Existing))
			if r.Status == StatusSuccess {
				m.LastSuccess.Set(float64(r.StartedAt.Add(r.Duration).Unix()))
			}
		},
	}
}

// ObserveQuery records one ledger query; it satisfies the postgres
// package's QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, operation, outcome string, dur time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
}
