package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/causewayapi/causeway/common/graceful"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/model"
)

// Registry owns one breaker per upstream. Lookups are read-locked; creation
// uses double-checked locking so the hot path never serializes on a write
// lock.
type Registry struct {
	mu       sync.RWMutex
	breakers map[int64]*Breaker

	// ResolveName maps an upstream id to its display name for metrics and
	// logs; nil leaves names empty.
	ResolveName func(upstreamId int64) string

	// persist toggles the async DB shadow, off in unit tests.
	persist bool
}

// NewRegistry returns an empty registry that shadows transitions to the
// database.
func NewRegistry() *Registry {
	return &Registry{breakers: map[int64]*Breaker{}, persist: true}
}

// NewMemoryRegistry returns a registry without the DB shadow, for tests.
func NewMemoryRegistry() *Registry {
	return &Registry{breakers: map[int64]*Breaker{}}
}

// Get returns the breaker for an upstream, creating a default one on first
// use.
func (r *Registry) Get(upstreamId int64) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstreamId]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[upstreamId]; ok {
		return b
	}
	b = New(DefaultConfig())
	r.attach(upstreamId, b)
	r.breakers[upstreamId] = b
	return b
}

// Load warms the registry from persisted rows: per-upstream threshold
// overrides and the last known state, so a restart does not hammer an
// upstream that was open moments ago.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := model.ListCircuitBreakerStates()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		cfg := Config{
			FailureThreshold: row.FailureThreshold,
			SuccessThreshold: row.SuccessThreshold,
			OpenDuration:     time.Duration(row.OpenDurationSec) * time.Second,
			ProbeInterval:    time.Duration(row.ProbeIntervalSec) * time.Second,
		}
		b := New(cfg)
		b.restore(row)
		r.attach(row.UpstreamId, b)
		r.breakers[row.UpstreamId] = b
	}
	logger.FromContext(ctx).Info("circuit breakers loaded", zap.Int("count", len(rows)))
	return nil
}

// States returns a snapshot of every known breaker, keyed by upstream id.
func (r *Registry) States() map[int64]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

func (r *Registry) attach(upstreamId int64, b *Breaker) {
	b.onTransition = func(from, to State) {
		name := ""
		if r.ResolveName != nil {
			name = r.ResolveName(upstreamId)
		}
		logger.Logger.Warn("circuit breaker transition",
			zap.Int64("upstream_id", upstreamId),
			zap.String("upstream", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		metrics.GlobalRecorder.RecordBreakerTransition(upstreamId, name, from.String(), to.String())
		metrics.GlobalRecorder.UpdateBreakerState(upstreamId, name, int(to))
		if r.persist {
			r.shadow(upstreamId, b)
		}
	}
}

// shadow persists the breaker state asynchronously; a failed write only
// logs.
func (r *Registry) shadow(upstreamId int64, b *Breaker) {
	graceful.GoCritical(context.Background(), "breaker-persist", func(ctx context.Context) {
		snap := b.Snapshot()
		row := &model.CircuitBreakerState{
			UpstreamId:   upstreamId,
			State:        snap.State.String(),
			FailureCount: snap.FailureCount,
			SuccessCount: snap.SuccessCount,
		}
		if !snap.LastFailureAt.IsZero() {
			row.LastFailureAt = milliPtr(snap.LastFailureAt)
		}
		if !snap.OpenedAt.IsZero() {
			row.OpenedAt = milliPtr(snap.OpenedAt)
		}
		if !snap.LastProbeAt.IsZero() {
			row.LastProbeAt = milliPtr(snap.LastProbeAt)
		}
		if err := model.UpsertCircuitBreakerState(row); err != nil {
			logger.FromContext(ctx).Error("persist circuit breaker state",
				zap.Int64("upstream_id", upstreamId), zap.Error(err))
		}
	})
}

func milliPtr(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}

// restore applies a persisted row to a fresh breaker without firing the
// transition hook.
func (b *Breaker) restore(row *model.CircuitBreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch row.State {
	case model.BreakerOpen:
		b.state = StateOpen
	case model.BreakerHalfOpen:
		b.state = StateHalfOpen
	default:
		b.state = StateClosed
	}
	b.failureCount = row.FailureCount
	b.successCount = row.SuccessCount
	if row.OpenedAt != nil {
		b.openedAt = time.UnixMilli(*row.OpenedAt)
	} else if b.state == StateOpen {
		// An open row without a timestamp should still time out eventually.
		b.openedAt = time.Now()
	}
	if row.LastFailureAt != nil {
		b.lastFailureAt = time.UnixMilli(*row.LastFailureAt)
	}
	if row.LastProbeAt != nil {
		b.lastProbeAt = time.UnixMilli(*row.LastProbeAt)
	}
}
