package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TriggersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_triggers_received_total",
			Help: "Total number of trigger events received",
		},
		[]string{"trigger_type"},
	)

	ExecutionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_executions_total",
			Help: "Total number of rule executions by terminal status",
		},
		[]string{"status"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_actions_executed_total",
			Help: "Total number of actions dispatched",
		},
		[]string{"type", "outcome"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_action_duration_seconds",
			Help:    "Time taken to execute actions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_rate_limit_denials_total",
			Help: "Total number of executions skipped by the rate limiter",
		},
		[]string{"reason"},
	)

	ScheduleFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_schedule_fires_total",
			Help: "Total number of cron schedule firings",
		},
	)

	ScheduledRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_scheduled_rules",
			Help: "Number of schedule rules currently registered with the cron runner",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	CircuitBreakerStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per endpoint",
		},
		[]string{"endpoint", "from", "to"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_worker_pool_queue_size",
			Help: "Current task queue depth per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_worker_pool_tasks_processed_total",
			Help: "Total tasks processed per pool",
		},
		[]string{"pool"},
	)
)
