package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing_core"

var (
	// WebhookEventsTotal counts ingested webhook events by final outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events by source, type and outcome.",
	}, []string{"source", "event_type", "outcome"})

	// WebhookHandlerAttempts counts individual handler invocations.
	WebhookHandlerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "handler_attempts_total",
		Help:      "Webhook handler invocations by source and result.",
	}, []string{"source", "result"})

	// WebhookHandlerDuration tracks handler latency per attempt.
	WebhookHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "handler_duration_seconds",
		Help:      "Webhook handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source", "event_type"})

	// DeadLetterTotal counts events moved to or resolved from the dead-letter queue.
	DeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "dead_letter_total",
		Help:      "Dead-letter transitions (added, recovered, retry_failed).",
	}, []string{"transition"})

	// LedgerOperationsTotal counts ledger operations by pool and outcome.
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Usage ledger operations by operation, pool and outcome.",
	}, []string{"operation", "pool", "outcome"})

	// LedgerCycleResets counts cycle resets by trigger.
	LedgerCycleResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "cycle_resets_total",
		Help:      "Ledger cycle resets by trigger (lazy, eager, renewal).",
	}, []string{"trigger"})

	// MarginGrossMargin exposes the latest gross margin per scope.
	MarginGrossMargin = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "gross_margin_ratio",
		Help:      "Latest gross margin per scope.",
	}, []string{"scope_type", "scope_id"})

	// MarginPremiumBurn exposes the latest premium usage ratio per scope.
	MarginPremiumBurn = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "premium_usage_ratio",
		Help:      "Latest premium (advanced) usage ratio per scope.",
	}, []string{"scope_type", "scope_id"})

	// MarginPassDuration tracks the duration of full monitoring passes.
	MarginPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "pass_duration_seconds",
		Help:      "Margin monitoring pass duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// MitigationActionsTotal counts applied mitigation actions.
	MitigationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "margin",
		Name:      "mitigation_actions_total",
		Help:      "Mitigation actions applied by action name.",
	}, []string{"action"})

	// AlertsTotal counts alert dispatch attempts.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alert",
		Name:      "dispatch_total",
		Help:      "Alert dispatch attempts by category and outcome.",
	}, []string{"category", "outcome"})

	// JobsTotal counts background jobs by type and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Background jobs by type and outcome.",
	}, []string{"job_type", "outcome"})
)

// Handler exposes the default Prometheus registry as a fiber handler.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
