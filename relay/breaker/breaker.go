// Package breaker implements the per-upstream circuit breaker. Each breaker
// is a small mutex-guarded state machine; the registry owns one per upstream
// and shadows transitions to the database asynchronously.
package breaker

import (
	"sync"
	"time"

	"github.com/causewayapi/causeway/model"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the persisted spelling of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return model.BreakerOpen
	case StateHalfOpen:
		return model.BreakerHalfOpen
	default:
		return model.BreakerClosed
	}
}

// Default thresholds, overridable per upstream via the persisted row.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 300 * time.Second
	DefaultProbeInterval    = 30 * time.Second

	// rateLimitFailureRuns is how many consecutive 429s count as one failure.
	rateLimitFailureRuns = 3
)

// Config holds the thresholds for one breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	ProbeInterval    time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
		OpenDuration:     DefaultOpenDuration,
		ProbeInterval:    DefaultProbeInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	return c
}

// Breaker is the state machine for one upstream.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state          State
	failureCount   int
	successCount   int
	consecutive429 int

	openedAt      time.Time
	lastFailureAt time.Time
	lastProbeAt   time.Time
	probeInFlight bool

	// onTransition fires outside the hot path whenever state changes.
	onTransition func(from, to State)
}

// New builds a closed breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Snapshot is a point-in-time copy for the admin API and persistence.
type Snapshot struct {
	State          State
	FailureCount   int
	SuccessCount   int
	Consecutive429 int
	OpenedAt       time.Time
	LastFailureAt  time.Time
	LastProbeAt    time.Time
}

// Snapshot returns the current state, applying the open timer first so
// callers never see a stale open.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Snapshot{
		State:          b.state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		Consecutive429: b.consecutive429,
		OpenedAt:       b.openedAt,
		LastFailureAt:  b.lastFailureAt,
		LastProbeAt:    b.lastProbeAt,
	}
}

// Eligible reports whether the router may consider this upstream at all,
// without claiming a probe slot. Half-open counts as eligible only when a
// probe could actually be admitted right now.
func (b *Breaker) Eligible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.probeAvailable()
	default:
		return false
	}
}

// TryAcquire admits or rejects one request. The second return is true when
// the admitted request is the half-open probe; the caller must end it with
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) TryAcquire() (admitted, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if !b.probeAvailable() {
			return false, false
		}
		b.probeInFlight = true
		b.lastProbeAt = b.now()
		return true, true
	default:
		return false, false
	}
}

// Release ends an admitted request without an upstream verdict, for example
// a client disconnect before the upstream answered. Counters are untouched.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// RecordSuccess reports a successful exchange.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.consecutive429 = 0
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a hard failure: upstream 5xx, network or timeout
// error, or a stream aborted before terminal usage.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLocked()
}

// RecordRateLimited reports an upstream 429. A single 429 is not a failure;
// a run of three consecutive ones is.
func (b *Breaker) RecordRateLimited() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.consecutive429++
	if b.consecutive429 >= rateLimitFailureRuns {
		b.consecutive429 = 0
		b.failLocked()
		return
	}
	if b.state == StateHalfOpen {
		// A rate-limited probe neither closes nor reopens; the next probe
		// waits for the interval.
		return
	}
}

// ForceOpen trips the breaker manually. It recovers through the normal
// half-open path unless ForceClose intervenes.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateOpen)
}

// ForceClose resets the breaker to closed with clean counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429 = 0
	b.transition(StateClosed)
}

func (b *Breaker) failLocked() {
	b.probeInFlight = false
	b.lastFailureAt = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// maybeHalfOpen applies the open timer. Callers hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) probeAvailable() bool {
	if b.probeInFlight {
		return false
	}
	return b.lastProbeAt.IsZero() || b.now().Sub(b.lastProbeAt) >= b.cfg.ProbeInterval
}

// transition changes state and resets counters. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if to == StateHalfOpen {
		// Let the first probe through immediately after the open window.
		b.lastProbeAt = time.Time{}
	}
	if from != to && b.onTransition != nil {
		cb := b.onTransition
		go cb(from, to)
	}
}
