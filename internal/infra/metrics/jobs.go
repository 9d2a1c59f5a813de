package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsProcessedTotal, jobAttemptsTotal, jobDurationMs, jobsReclaimedTotal, jobsInFlight)
}

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_jobs_processed_total",
		Help: "Total number of jobs reaching a terminal state, labeled by phase and status.",
	},
	[]string{"phase", "status"}, // 'succeeded', 'failed', 'cancelled'
)

var jobAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_job_attempts_total",
		Help: "Total job execution attempts, labeled by phase and outcome.",
	},
	[]string{"phase", "outcome"}, // 'ok', 'retry', 'fatal'
)

var jobDurationMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_ms",
		Help:    "Job wall-clock duration from first claim to terminal state, in milliseconds.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000},
	},
	[]string{"phase"},
)

var jobsReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pipeline_jobs_reclaimed_total",
		Help: "Jobs returned to pending after a worker lease expired.",
	},
)

var jobsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pipeline_jobs_in_flight",
		Help: "Jobs currently claimed by this process.",
	},
)

func IncJobProcessed(phase, status string) {
	jobsProcessedTotal.WithLabelValues(norm(phase), norm(status)).Inc()
}

func IncJobAttempt(phase, outcome string) {
	jobAttemptsTotal.WithLabelValues(norm(phase), norm(outcome)).Inc()
}

func ObserveJobDuration(phase string, ms int64) {
	jobDurationMs.WithLabelValues(norm(phase)).Observe(float64(ms))
}

func AddJobsReclaimed(n int) {
	jobsReclaimedTotal.Add(float64(n))
}

func JobStarted()  { jobsInFlight.Inc() }
func JobFinished() { jobsInFlight.Dec() }
