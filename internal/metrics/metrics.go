// Package metrics defines the Prometheus collectors for codeforge.
// Collectors are package-level and registered via promauto; the serve
// command exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted submissions by source (api, bus).
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tasks_submitted_total",
		Help: "Tasks accepted by intake, by source",
	}, []string{"source"})

	// TasksDeduplicated counts submissions answered from the idempotency window.
	TasksDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_tasks_deduplicated_total",
		Help: "Submissions answered with an existing task via client token",
	})

	// TasksRejected counts rejected submissions by reason.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tasks_rejected_total",
		Help: "Rejected submissions by reason",
	}, []string{"reason"})

	// TasksFinalized counts tasks reaching a terminal status.
	TasksFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_tasks_finalized_total",
		Help: "Tasks reaching a terminal status, by status and strategy",
	}, []string{"status", "strategy"})

	// TaskDuration observes wall-clock seconds from claim to terminal status.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_task_duration_seconds",
		Help:    "Task execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
	}, []string{"strategy"})

	// WorkersBusy tracks workers currently executing a task.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_workers_busy",
		Help: "Worker goroutines currently executing a task",
	})

	// LLMRequests counts LLM calls by provider, model, and outcome.
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_llm_requests_total",
		Help: "LLM requests by provider, model, and outcome",
	}, []string{"provider", "model", "outcome"})

	// LLMTokens counts tokens by model and direction (prompt, completion).
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_llm_tokens_total",
		Help: "LLM tokens by model and direction",
	}, []string{"model", "direction"})

	// LLMCostUSD accumulates spend in USD by model.
	LLMCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_llm_cost_usd_total",
		Help: "Accumulated LLM spend in USD by model",
	}, []string{"model"})

	// LLMRequestDuration observes LLM round-trip latency.
	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_llm_request_duration_seconds",
		Help:    "LLM request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"provider"})

	// ClassifierRequests counts classification outcomes by source.
	ClassifierRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_classifier_requests_total",
		Help: "Classification outcomes by source (ml, heuristic, override)",
	}, []string{"source"})

	// ClassifierCircuitOpen is 1 while the classifier circuit breaker is open.
	ClassifierCircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_classifier_circuit_open",
		Help: "Classifier circuit breaker state (1 = open)",
	})

	// OutboxPending tracks undelivered outbox rows as of the last poll.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_outbox_pending",
		Help: "Undelivered outbox rows observed by the pump",
	})

	// OutboxPublished counts events published to the bus by kind.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_outbox_published_total",
		Help: "Events published to the bus by kind",
	}, []string{"kind"})

	// OutboxRetries counts failed publish attempts.
	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_outbox_retries_total",
		Help: "Failed outbox publish attempts",
	})

	// ReaperActions counts reaper interventions by action (reset, seal).
	ReaperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_reaper_actions_total",
		Help: "Reaper interventions by action",
	}, []string{"action"})

	// IterationsRun counts strategy iterations by strategy.
	IterationsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_iterations_total",
		Help: "Strategy iterations by strategy",
	}, []string{"strategy"})
)
