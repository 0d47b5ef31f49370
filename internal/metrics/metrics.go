package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "liquidator"

// Metrics holds the engine's collectors. A nil *Metrics is a no-op.
type Metrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	borrowers      prometheus.Gauge
	snapshotErrors prometheus.Counter
	plans          *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	vaultBalance   prometheus.Gauge
}

// New registers the collectors with reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Monitoring cycles by final status.",
		}, []string{"status"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a monitoring cycle.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		borrowers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "borrowers",
			Help:      "Borrowers discovered in the last cycle.",
		}),
		snapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_errors_total",
			Help:      "Borrowers skipped because their snapshot could not be read.",
		}),
		plans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Liquidation plans by type.",
		}, []string{"type"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Execution outcomes by plan type.",
		}, []string{"type", "outcome"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Liquidation transactions submitted.",
		}, []string{"flashloan", "result"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts by kind and whether they were sent.",
		}, []string{"kind", "result"}),
		vaultBalance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_balance",
			Help:      "Last observed standby vault balance in settlement units.",
		}),
	}
}

// ObserveCycle counts a finished cycle by status and records its duration.
func (m *Metrics) ObserveCycle(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(took.Seconds())
}

// SetBorrowers records how many borrowers the last discovery returned.
func (m *Metrics) SetBorrowers(n int) {
	if m == nil {
		return
	}
	m.borrowers.Set(float64(n))
}

// IncSnapshotError counts a borrower skipped on a failed snapshot read.
func (m *Metrics) IncSnapshotError() {
	if m == nil {
		return
	}
	m.snapshotErrors.Inc()
}

// ObservePlan counts a classified plan by type.
func (m *Metrics) ObservePlan(planType string) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(planType).Inc()
}

// ObserveOutcome counts an execution outcome for a plan type.
func (m *Metrics) ObserveOutcome(planType, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(planType, outcome).Inc()
}

// ObserveAttempt counts one submitted liquidation transaction.
func (m *Metrics) ObserveAttempt(flashloan, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	fl := "false"
	if flashloan {
		fl = "true"
	}
	m.attempts.WithLabelValues(fl, result).Inc()
}

// ObserveAlert counts an alert as sent or suppressed.
func (m *Metrics) ObserveAlert(kind string, sent bool) {
	if m == nil {
		return
	}
	result := "suppressed"
	if sent {
		result = "sent"
	}
	m.alerts.WithLabelValues(kind, result).Inc()
}

// SetVaultBalance records the standby vault balance in settlement units.
func (m *Metrics) SetVaultBalance(v float64) {
	if m == nil {
		return
	}
	m.vaultBalance.Set(v)
}
