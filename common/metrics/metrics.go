package metrics

import (
	"time"
)

// MetricsRecorder defines the interface for recording metrics
type MetricsRecorder interface {
	// HTTP metrics
	RecordHTTPRequest(startTime time.Time, path, method, statusCode string)
	RecordHTTPActiveRequest(path, method string, delta float64)

	// Relay metrics
	RecordRelayRequest(startTime time.Time, upstreamId int64, upstreamName, capability, model, status string, stream bool, promptTokens, completionTokens int64, costUSD float64)
	RecordTimeToFirstToken(upstreamName, model string, ttft time.Duration)
	RecordFailover(fromUpstream, reason string)

	// Circuit breaker metrics
	RecordBreakerTransition(upstreamId int64, upstreamName, fromState, toState string)
	UpdateBreakerState(upstreamId int64, upstreamName string, state int)

	// Quota metrics
	RecordQuotaDenial(upstreamId int64, upstreamName, window string)
	UpdateQuotaSpending(upstreamId int64, upstreamName, window string, spentUSD, limitUSD float64)

	// Affinity metrics
	RecordAffinityEvent(event string)

	// Billing metrics
	RecordBillingOutcome(status, reason string, costUSD float64)

	// Database metrics
	RecordDBQuery(startTime time.Time, operation, table string, success bool)
	UpdateDBConnectionMetrics(inUse, idle int)

	// Authentication metrics
	RecordKeyAuth(success bool)

	// Error metrics
	RecordError(errorType, component string)

	// System metrics
	InitSystemMetrics(version, goVersion string, startTime time.Time)
}

// GlobalRecorder holds the active metrics recorder implementation.
var GlobalRecorder MetricsRecorder

// NoOpRecorder is a no-operation implementation for when metrics are disabled
type NoOpRecorder struct{}

// RecordHTTPRequest implements MetricsRecorder.RecordHTTPRequest without collecting any data.
func (n *NoOpRecorder) RecordHTTPRequest(startTime time.Time, path, method, statusCode string) {}

// RecordHTTPActiveRequest implements MetricsRecorder.RecordHTTPActiveRequest without collecting any data.
func (n *NoOpRecorder) RecordHTTPActiveRequest(path, method string, delta float64) {}

// RecordRelayRequest implements MetricsRecorder.RecordRelayRequest without collecting any data.
func (n *NoOpRecorder) RecordRelayRequest(startTime time.Time, upstreamId int64, upstreamName, capability, model, status string, stream bool, promptTokens, completionTokens int64, costUSD float64) {
}

// RecordTimeToFirstToken implements MetricsRecorder.RecordTimeToFirstToken without collecting any data.
func (n *NoOpRecorder) RecordTimeToFirstToken(upstreamName, model string, ttft time.Duration) {}

// RecordFailover implements MetricsRecorder.RecordFailover without collecting any data.
func (n *NoOpRecorder) RecordFailover(fromUpstream, reason string) {}

// RecordBreakerTransition implements MetricsRecorder.RecordBreakerTransition without collecting any data.
func (n *NoOpRecorder) RecordBreakerTransition(upstreamId int64, upstreamName, fromState, toState string) {
}

// UpdateBreakerState implements MetricsRecorder.UpdateBreakerState without collecting any data.
func (n *NoOpRecorder) UpdateBreakerState(upstreamId int64, upstreamName string, state int) {}

// RecordQuotaDenial implements MetricsRecorder.RecordQuotaDenial without collecting any data.
func (n *NoOpRecorder) RecordQuotaDenial(upstreamId int64, upstreamName, window string) {}

// UpdateQuotaSpending implements MetricsRecorder.UpdateQuotaSpending without collecting any data.
func (n *NoOpRecorder) UpdateQuotaSpending(upstreamId int64, upstreamName, window string, spentUSD, limitUSD float64) {
}

// RecordAffinityEvent implements MetricsRecorder.RecordAffinityEvent without collecting any data.
func (n *NoOpRecorder) RecordAffinityEvent(event string) {}

// RecordBillingOutcome implements MetricsRecorder.RecordBillingOutcome without collecting any data.
func (n *NoOpRecorder) RecordBillingOutcome(status, reason string, costUSD float64) {}

// RecordDBQuery implements MetricsRecorder.RecordDBQuery without collecting any data.
func (n *NoOpRecorder) RecordDBQuery(startTime time.Time, operation, table string, success bool) {}

// UpdateDBConnectionMetrics implements MetricsRecorder.UpdateDBConnectionMetrics without collecting any data.
func (n *NoOpRecorder) UpdateDBConnectionMetrics(inUse, idle int) {}

// RecordKeyAuth implements MetricsRecorder.RecordKeyAuth without collecting any data.
func (n *NoOpRecorder) RecordKeyAuth(success bool) {}

// RecordError implements MetricsRecorder.RecordError without collecting any data.
func (n *NoOpRecorder) RecordError(errorType, component string) {}

// InitSystemMetrics implements MetricsRecorder.InitSystemMetrics without collecting any data.
func (n *NoOpRecorder) InitSystemMetrics(version, goVersion string, startTime time.Time) {}

// Initialize with no-op recorder by default
func init() {
	GlobalRecorder = &NoOpRecorder{}
}

// MultiRecorder wraps multiple MetricsRecorder implementations
type MultiRecorder struct {
	Recorders []MetricsRecorder
}

// RecordHTTPRequest implements MetricsRecorder.RecordHTTPRequest
func (m *MultiRecorder) RecordHTTPRequest(startTime time.Time, path, method, statusCode string) {
	for _, r := range m.Recorders {
		r.RecordHTTPRequest(startTime, path, method, statusCode)
	}
}

// RecordHTTPActiveRequest implements MetricsRecorder.RecordHTTPActiveRequest
func (m *MultiRecorder) RecordHTTPActiveRequest(path, method string, delta float64) {
	for _, r := range m.Recorders {
		r.RecordHTTPActiveRequest(path, method, delta)
	}
}

// RecordRelayRequest implements MetricsRecorder.RecordRelayRequest
func (m *MultiRecorder) RecordRelayRequest(startTime time.Time, upstreamId int64, upstreamName, capability, model, status string, stream bool, promptTokens, completionTokens int64, costUSD float64) {
	for _, r := range m.Recorders {
		r.RecordRelayRequest(startTime, upstreamId, upstreamName, capability, model, status, stream, promptTokens, completionTokens, costUSD)
	}
}

// RecordTimeToFirstToken implements MetricsRecorder.RecordTimeToFirstToken
func (m *MultiRecorder) RecordTimeToFirstToken(upstreamName, model string, ttft time.Duration) {
	for _, r := range m.Recorders {
		r.RecordTimeToFirstToken(upstreamName, model, ttft)
	}
}

// RecordFailover implements MetricsRecorder.RecordFailover
func (m *MultiRecorder) RecordFailover(fromUpstream, reason string) {
	for _, r := range m.Recorders {
		r.RecordFailover(fromUpstream, reason)
	}
}

// RecordBreakerTransition implements MetricsRecorder.RecordBreakerTransition
func (m *MultiRecorder) RecordBreakerTransition(upstreamId int64, upstreamName, fromState, toState string) {
	for _, r := range m.Recorders {
		r.RecordBreakerTransition(upstreamId, upstreamName, fromState, toState)
	}
}

// UpdateBreakerState implements MetricsRecorder.UpdateBreakerState
func (m *MultiRecorder) UpdateBreakerState(upstreamId int64, upstreamName string, state int) {
	for _, r := range m.Recorders {
		r.UpdateBreakerState(upstreamId, upstreamName, state)
	}
}

// RecordQuotaDenial implements MetricsRecorder.RecordQuotaDenial
func (m *MultiRecorder) RecordQuotaDenial(upstreamId int64, upstreamName, window string) {
	for _, r := range m.Recorders {
		r.RecordQuotaDenial(upstreamId, upstreamName, window)
	}
}

// UpdateQuotaSpending implements MetricsRecorder.UpdateQuotaSpending
func (m *MultiRecorder) UpdateQuotaSpending(upstreamId int64, upstreamName, window string, spentUSD, limitUSD float64) {
	for _, r := range m.Recorders {
		r.UpdateQuotaSpending(upstreamId, upstreamName, window, spentUSD, limitUSD)
	}
}

// RecordAffinityEvent implements MetricsRecorder.RecordAffinityEvent
func (m *MultiRecorder) RecordAffinityEvent(event string) {
	for _, r := range m.Recorders {
		r.RecordAffinityEvent(event)
	}
}

// RecordBillingOutcome implements MetricsRecorder.RecordBillingOutcome
func (m *MultiRecorder) RecordBillingOutcome(status, reason string, costUSD float64) {
	for _, r := range m.Recorders {
		r.RecordBillingOutcome(status, reason, costUSD)
	}
}

// RecordDBQuery implements MetricsRecorder.RecordDBQuery
func (m *MultiRecorder) RecordDBQuery(startTime time.Time, operation, table string, success bool) {
	for _, r := range m.Recorders {
		r.RecordDBQuery(startTime, operation, table, success)
	}
}

// UpdateDBConnectionMetrics implements MetricsRecorder.UpdateDBConnectionMetrics
func (m *MultiRecorder) UpdateDBConnectionMetrics(inUse, idle int) {
	for _, r := range m.Recorders {
		r.UpdateDBConnectionMetrics(inUse, idle)
	}
}

// RecordKeyAuth implements MetricsRecorder.RecordKeyAuth
func (m *MultiRecorder) RecordKeyAuth(success bool) {
	for _, r := range m.Recorders {
		r.RecordKeyAuth(success)
	}
}

// RecordError implements MetricsRecorder.RecordError
func (m *MultiRecorder) RecordError(errorType, component string) {
	for _, r := range m.Recorders {
		r.RecordError(errorType, component)
	}
}

// InitSystemMetrics implements MetricsRecorder.InitSystemMetrics
func (m *MultiRecorder) InitSystemMetrics(version, goVersion string, startTime time.Time) {
	for _, r := range m.Recorders {
		r.InitSystemMetrics(version, goVersion, startTime)
	}
}
