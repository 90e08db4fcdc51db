// Package prometheus implements the metrics recorder on top of
// prometheus/client_golang. Collectors register once through promauto; the
// recorder itself is stateless and safe for concurrent use.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "causeway"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by path, method and status code.",
	}, []string{"path", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path", "method"})

	httpActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_active_requests",
		Help:      "In-flight HTTP requests.",
	}, []string{"path", "method"})

	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_requests_total",
		Help:      "Relay requests by upstream, capability, model, status and transport.",
	}, []string{"upstream", "capability", "model", "status", "stream"})

	relayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "relay_request_duration_seconds",
		Help:      "End-to-end relay duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"upstream", "capability"})

	relayTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_tokens_total",
		Help:      "Token counts by upstream, model and direction.",
	}, []string{"upstream", "model", "direction"})

	relayCostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_cost_usd_total",
		Help:      "Billed cost in USD by upstream and model.",
	}, []string{"upstream", "model"})

	timeToFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "relay_time_to_first_token_seconds",
		Help:      "Latency until the first non-heartbeat event of a response.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"upstream", "model"})

	failoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_failovers_total",
		Help:      "Failed attempts that triggered failover, by upstream and reason.",
	}, []string{"upstream", "reason"})

	breakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"upstream", "from", "to"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Breaker state per upstream: 0 closed, 1 open, 2 half-open.",
	}, []string{"upstream"})

	quotaDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_denials_total",
		Help:      "Requests masked out by an exhausted spending window.",
	}, []string{"upstream", "window"})

	quotaSpending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quota_spending_usd",
		Help:      "Current spending per upstream window.",
	}, []string{"upstream", "window"})

	quotaLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quota_limit_usd",
		Help:      "Configured limit per upstream window.",
	}, []string{"upstream", "window"})

	affinityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "affinity_events_total",
		Help:      "Session affinity events: establish, hit, migrate, drop.",
	}, []string{"event"})

	billingOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billing_outcomes_total",
		Help:      "Billing snapshot outcomes by status and unbillable reason.",
	}, []string{"status", "reason"})

	dbQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Database operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation", "table", "success"})

	dbConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Open connections currently in use.",
	})

	dbConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle connections in the pool.",
	})

	keyAuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_auth_total",
		Help:      "Downstream key authentication attempts.",
	}, []string{"success"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Internal errors by type and component.",
	}, []string{"type", "component"})

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata; value is the process start unix time.",
	}, []string{"version", "go_version"})
)

// Recorder implements metrics.MetricsRecorder over the package collectors.
type Recorder struct{}

func (r *Recorder) RecordHTTPRequest(startTime time.Time, path, method, statusCode string) {
	httpRequestsTotal.WithLabelValues(path, method, statusCode).Inc()
	httpRequestDuration.WithLabelValues(path, method).Observe(time.Since(startTime).Seconds())
}

func (r *Recorder) RecordHTTPActiveRequest(path, method string, delta float64) {
	httpActiveRequests.WithLabelValues(path, method).Add(delta)
}

func (r *Recorder) RecordRelayRequest(startTime time.Time, upstreamId int64, upstreamName, capability, model, status string, stream bool, promptTokens, completionTokens int64, costUSD float64) {
	relayRequestsTotal.WithLabelValues(upstreamName, capability, model, status,
		strconv.FormatBool(stream)).Inc()
	relayRequestDuration.WithLabelValues(upstreamName, capability).
		Observe(time.Since(startTime).Seconds())
	if promptTokens > 0 {
		relayTokensTotal.WithLabelValues(upstreamName, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		relayTokensTotal.WithLabelValues(upstreamName, model, "completion").Add(float64(completionTokens))
	}
	if costUSD > 0 {
		relayCostTotal.WithLabelValues(upstreamName, model).Add(costUSD)
	}
}

func (r *Recorder) RecordTimeToFirstToken(upstreamName, model string, ttft time.Duration) {
	timeToFirstToken.WithLabelValues(upstreamName, model).Observe(ttft.Seconds())
}

func (r *Recorder) RecordFailover(fromUpstream, reason string) {
	failoversTotal.WithLabelValues(fromUpstream, reason).Inc()
}

func (r *Recorder) RecordBreakerTransition(upstreamId int64, upstreamName, fromState, toState string) {
	breakerTransitionsTotal.WithLabelValues(upstreamName, fromState, toState).Inc()
}

func (r *Recorder) UpdateBreakerState(upstreamId int64, upstreamName string, state int) {
	breakerState.WithLabelValues(upstreamName).Set(float64(state))
}

func (r *Recorder) RecordQuotaDenial(upstreamId int64, upstreamName, window string) {
	quotaDenialsTotal.WithLabelValues(upstreamName, window).Inc()
}

func (r *Recorder) UpdateQuotaSpending(upstreamId int64, upstreamName, window string, spentUSD, limitUSD float64) {
	quotaSpending.WithLabelValues(upstreamName, window).Set(spentUSD)
	quotaLimit.WithLabelValues(upstreamName, window).Set(limitUSD)
}

func (r *Recorder) RecordAffinityEvent(event string) {
	affinityEventsTotal.WithLabelValues(event).Inc()
}

func (r *Recorder) RecordBillingOutcome(status, reason string, costUSD float64) {
	billingOutcomesTotal.WithLabelValues(status, reason).Inc()
}

func (r *Recorder) RecordDBQuery(startTime time.Time, operation, table string, success bool) {
	dbQueryDuration.WithLabelValues(operation, table, strconv.FormatBool(success)).
		Observe(time.Since(startTime).Seconds())
}

func (r *Recorder) UpdateDBConnectionMetrics(inUse, idle int) {
	dbConnectionsInUse.Set(float64(inUse))
	dbConnectionsIdle.Set(float64(idle))
}

func (r *Recorder) RecordKeyAuth(success bool) {
	keyAuthTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (r *Recorder) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

func (r *Recorder) InitSystemMetrics(version, goVersion string, startTime time.Time) {
	buildInfo.WithLabelValues(version, goVersion).Set(float64(startTime.Unix()))
}
