// Package metrics exposes Prometheus collectors for the outreach runtime.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	actionsTotal               *prometheus.CounterVec
	cooldownSeconds            *prometheus.HistogramVec
	suspicionTotal             *prometheus.CounterVec
	retriesTotal               *prometheus.CounterVec
	sessionRecoveriesTotal     *prometheus.CounterVec
	healsTotal                 *prometheus.CounterVec
	restartsTotal              prometheus.Counter
	itemsTotal                 *prometheus.CounterVec
	workflowsTotal             *prometheus.CounterVec
	workflowDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times; every
// Observe helper calls it.
func Init() {
	once.Do(func() {
		actionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_actions_total",
				Help: "Outgoing UI actions recorded by the throttle, labeled by action.",
			},
			[]string{"action"},
		)

		cooldownSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_cooldown_seconds",
				Help:    "Cooldowns applied when an action cap was reached, labeled by window.",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"window"},
		)

		suspicionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_suspicious_patterns_total",
				Help: "Suspicious activity patterns detected, labeled by pattern.",
			},
			[]string{"pattern"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_retries_total",
				Help: "Retry attempts scheduled, labeled by error category.",
			},
			[]string{"category"},
		)

		sessionRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_session_recoveries_total",
				Help: "Browser session recoveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		healsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_heals_total",
				Help: "Healing handoffs written, labeled by phase and category.",
			},
			[]string{"phase", "category"},
		)

		restartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_worker_restarts_total",
				Help: "Workers re-invoked by the supervisor on a healing checkpoint.",
			},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_items_total",
				Help: "Connection records handled during batch processing, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		workflowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_workflows_total",
				Help: "Workflow executions, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		workflowDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_workflow_duration_seconds",
				Help:    "Workflow execution latency, labeled by kind.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAction counts one recorded action.
func ObserveAction(action string) {
	Init()
	actionsTotal.WithLabelValues(action).Inc()
}

// ObserveCooldown records a cooldown applied for window.
func ObserveCooldown(window string, d time.Duration) {
	Init()
	cooldownSeconds.WithLabelValues(window).Observe(d.Seconds())
}

// ObserveSuspicion counts one detected pattern.
func ObserveSuspicion(pattern string) {
	Init()
	suspicionTotal.WithLabelValues(pattern).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(category string) {
	Init()
	retriesTotal.WithLabelValues(category).Inc()
}

// ObserveSessionRecovery counts a recovery attempt by outcome.
func ObserveSessionRecovery(outcome string) {
	Init()
	sessionRecoveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeal counts a healing handoff.
func ObserveHeal(phase, category string) {
	Init()
	healsTotal.WithLabelValues(phase, category).Inc()
}

// ObserveRestart counts a supervisor re-invocation.
func ObserveRestart() {
	Init()
	restartsTotal.Inc()
}

// ObserveItem counts a processed, skipped or failed record.
func ObserveItem(kind, outcome string) {
	Init()
	itemsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveWorkflow records a workflow outcome and its latency.
func ObserveWorkflow(kind, status string, d time.Duration) {
	Init()
	workflowsTotal.WithLabelValues(kind, status).Inc()
	workflowDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
