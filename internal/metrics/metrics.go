package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ban_evasion_guard"

var (
	// SignalsReceived counts inbound moderation signals by kind.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_received_total",
		Help:      "Inbound moderation signals by kind.",
	}, []string{"kind"})

	// GateOutcomes counts dedup/delay gate results.
	GateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_outcomes_total",
		Help:      "Dedup gate results for removal signals.",
	}, []string{"outcome"})

	// ConfirmationsFiltered counts confirmations suppressed per filter stage.
	ConfirmationsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_filtered_total",
		Help:      "Confirmations suppressed per filter stage.",
	}, []string{"stage", "reason"})

	// Dispatches counts confirmed targets handed to the action dispatcher.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Confirmed targets dispatched to enforcement actions.",
	}, []string{"status"})

	// ActionsExecuted counts enforcement action executions.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_executed_total",
		Help:      "Enforcement action executions.",
	}, []string{"action", "status"})

	// TrackerWrites counts grace-period and allow-list writes.
	TrackerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_writes_total",
		Help:      "Unban and allow-list records written.",
	}, []string{"kind"})

	// SweepEntries counts allow-list entries re-checked per outcome.
	SweepEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_entries_total",
		Help:      "Allow-list entries re-checked by outcome.",
	}, []string{"outcome"})

	// SweepPasses counts sweep batches processed.
	SweepPasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_passes_total",
		Help:      "Allow-list sweep batches processed.",
	})

	// SweepDuration records full sweep duration.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Full allow-list sweep duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
	}, []string{"trigger"})

	// AllowListDue tracks how many entries were due when the last sweep began.
	AllowListDue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "allowlist_due",
		Help:      "Allow-list entries due at the start of the last sweep.",
	})

	// JobsScheduled counts jobs armed by name.
	JobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_scheduled_total",
		Help:      "Jobs armed by name.",
	}, []string{"job"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"job"})

	// JobsDropped counts jobs discarded without running.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without running.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"job", "status"})

	// APICalls counts raw platform API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw platform API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records platform API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Platform API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// AuthErrors counts token refreshes that failed.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "Token refreshes that failed.",
	})

	// ReauthTotal counts successful token refreshes.
	ReauthTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reauth_total",
		Help:      "Successful token refreshes.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
