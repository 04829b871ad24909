package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meeting-jobcore/internal/models"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted by producers and handlers"}, []string{"job_type"})
	JobsDuplicate    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_duplicates_total", Help: "Enqueue calls rejected by idempotency key"}, []string{"job_type"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests or deliveries rejected by the token bucket"}, []string{"scope"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"job_type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed and will retry"}, []string{"job_type"})
	JobsDeadLetter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to dead_letter"}, []string{"job_type"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_recovered_total", Help: "Stale processing jobs returned to failed"})
	JobsAbandoned    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_abandoned_total", Help: "Interrupted attempts handed back without counting"}, []string{"job_type"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"job_type"})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Job rows per status"}, []string{"status"})

	OutboxSent         = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_sent_total", Help: "Outbox messages delivered"})
	OutboxRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_retried_total", Help: "Outbox deliveries rescheduled after a transient failure"})
	OutboxDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_dead_letter_total", Help: "Outbox messages whose audit record ended failed"})
	OutboxRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_recovered_total", Help: "Stalled outbox messages reset to immediate eligibility"})

	WorkerState      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_state", Help: "0 standby, 1 active, 2 draining, 3 stopped"})
	LeaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "lease_transitions_total", Help: "Lease acquisitions and losses"}, []string{"event"})
	MaintenanceRuns  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_runs_total", Help: "Scheduled maintenance executions"}, []string{"task", "result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDuplicate,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsDeadLetter,
			JobsRecovered,
			JobsAbandoned,
			JobDuration,
			JobsByStatus,
			OutboxSent,
			OutboxRetried,
			OutboxDeadLettered,
			OutboxRecovered,
			WorkerState,
			LeaseTransitions,
			MaintenanceRuns,
		)
	})
}

// ObserveStats publishes a queue snapshot to the per-status gauge.
func ObserveStats(s models.Stats) {
	JobsByStatus.WithLabelValues(string(models.StatusPending)).Set(float64(s.Pending))
	JobsByStatus.WithLabelValues(string(models.StatusProcessing)).Set(float64(s.Processing))
	JobsByStatus.WithLabelValues(string(models.StatusCompleted)).Set(float64(s.Completed))
	JobsByStatus.WithLabelValues(string(models.StatusFailed)).Set(float64(s.Failed))
	JobsByStatus.WithLabelValues(string(models.StatusDeadLetter)).Set(float64(s.DeadLetter))
}
