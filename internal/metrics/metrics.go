package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run lifecycle metrics
	RunsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomd_runs_created_total",
			Help: "Total number of runs inserted",
		},
	)

	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomd_runs_started_total",
			Help: "Total number of run attempts started by workers",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomd_runs_completed_total",
			Help: "Total number of runs completed by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loomd_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loomd_pending_runs",
			Help: "Pending runs observed by the most recent scheduler sweep",
		},
	)

	// Stream metrics
	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomd_stream_events_published_total",
			Help: "Total stream events pushed to the broker",
		},
	)

	SSESubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loomd_sse_subscribers",
			Help: "Currently connected SSE subscribers",
		},
	)

	// Infrastructure metrics
	DBRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomd_db_retries_total",
			Help: "Transient database errors that triggered a retry",
		},
		[]string{"op"},
	)

	NotifierWakeups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomd_notifier_wakeups_total",
			Help: "Worker wakeups caused by a pending-run notification",
		},
	)

	WebhooksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomd_webhooks_sent_total",
			Help: "Webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	SweeperRequeues = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loomd_sweeper_requeues_total",
			Help: "Orphaned running runs returned to pending by the sweeper",
		},
	)
)
