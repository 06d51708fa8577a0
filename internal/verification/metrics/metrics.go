package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification module. All methods
// are nil-safe so callers can run without metrics wired.
type Metrics struct {
	// Stage attempt durations by stage and outcome
	StageLatency *prometheus.HistogramVec

	// Stage retries by stage
	StageRetries *prometheus.CounterVec

	// Decision verdicts
	Verdicts *prometheus.CounterVec

	// Sessions moved to EXPIRED by the sweeper
	SessionsExpired prometheus.Counter

	// Late results discarded by attempt-token checks
	StaleResultsDiscarded *prometheus.CounterVec

	// Time from session creation to a terminal status
	SessionDuration *prometheus.HistogramVec

	// Submissions currently waiting on an inference slot
	SlotWaiters prometheus.Gauge
}

// New creates a Metrics instance with all verification metrics registered.
func New() *Metrics {
	return &Metrics{
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifid_stage_duration_seconds",
			Help:    "Duration of stage attempts by stage and outcome",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "outcome"}),

		StageRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verifid_stage_retries_total",
			Help: "Total stage retries by stage",
		}, []string{"stage"}),

		Verdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verifid_decisions_total",
			Help: "Total decisions by verdict",
		}, []string{"verdict"}),

		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verifid_sessions_expired_total",
			Help: "Total sessions the sweeper moved to EXPIRED",
		}),

		StaleResultsDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verifid_stale_results_discarded_total",
			Help: "Total late stage results discarded by attempt-token checks",
		}, []string{"stage"}),

		SessionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifid_session_duration_seconds",
			Help:    "Time from session creation to a terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),

		SlotWaiters: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "verifid_inference_slot_waiters",
			Help: "Submissions currently waiting on an inference slot",
		}),
	}
}

// ObserveStage records one stage attempt's duration.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(stage, outcome).Observe(d.Seconds())
	}
}

// IncrementRetry records a stage retry.
func (m *Metrics) IncrementRetry(stage string) {
	if m != nil {
		m.StageRetries.WithLabelValues(stage).Inc()
	}
}

// IncrementVerdict records a decision outcome.
func (m *Metrics) IncrementVerdict(verdict string) {
	if m != nil {
		m.Verdicts.WithLabelValues(verdict).Inc()
	}
}

// IncrementExpired records a session moved to EXPIRED.
func (m *Metrics) IncrementExpired() {
	if m != nil {
		m.SessionsExpired.Inc()
	}
}

// IncrementStaleDiscard records a late result being dropped.
func (m *Metrics) IncrementStaleDiscard(stage string) {
	if m != nil {
		m.StaleResultsDiscarded.WithLabelValues(stage).Inc()
	}
}

// ObserveSessionDuration records how long a session took to terminate.
func (m *Metrics) ObserveSessionDuration(status string, d time.Duration) {
	if m != nil {
		m.SessionDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// SlotWaitStarted marks a submission waiting on an inference slot.
func (m *Metrics) SlotWaitStarted() {
	if m != nil {
		m.SlotWaiters.Inc()
	}
}

// SlotWaitFinished marks a waiting submission as admitted or abandoned.
func (m *Metrics) SlotWaitFinished() {
	if m != nil {
		m.SlotWaiters.Dec()
	}
}
