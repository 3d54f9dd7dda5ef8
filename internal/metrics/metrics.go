package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "inspector"

var (
	TaskCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_created_total",
			Help:      "Total number of tasks created, labeled by kind.",
		},
		[]string{"kind"},
	)

	TaskCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_completed_total",
			Help:      "Total number of tasks whose analysers all completed.",
		},
		[]string{"kind"},
	)

	TaskCompletionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_completion_latency_seconds",
			Help:      "Latency from task creation to completion (seconds).",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 43200, 86400},
		},
		[]string{"kind"},
	)

	BackendSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_submissions_total",
			Help:      "Analyser submissions, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	BackendPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_polls_total",
			Help:      "Analyser polls, labeled by backend and outcome (ready, pending, error).",
		},
		[]string{"backend", "outcome"},
	)

	BackendMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_merges_total",
			Help:      "Analyser report merges, labeled by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Validator runs, labeled by validator and result (true, false, error).",
		},
		[]string{"validator", "result"},
	)

	UpstreamRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_seconds",
			Help:      "Duration of HTTP calls to analysis backends.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)

	SchedulerJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_jobs",
			Help:      "Registered recurring jobs.",
		},
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Job executions, labeled by outcome (ok, skipped, panic).",
		},
		[]string{"outcome"},
	)

	SchedulerRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_seconds",
			Help:      "Duration of a single job execution.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of completion webhook deliveries, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected or delayed by a token bucket, labeled by scope and route.",
		},
		[]string{"scope", "route"},
	)

	RecoveredJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_jobs_total",
			Help:      "Poll jobs re-registered for incomplete tasks that were not watched.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TaskCreatedTotal,
		TaskCompletedTotal,
		TaskCompletionLatencySeconds,
		BackendSubmissionsTotal,
		BackendPollsTotal,
		BackendMergesTotal,
		ValidationsTotal,
		UpstreamRequestSeconds,
		SchedulerJobs,
		SchedulerRunsTotal,
		SchedulerRunSeconds,
		WebhookDeliveriesTotal,
		RateLimitHitsTotal,
		RecoveredJobsTotal,
	)
}
