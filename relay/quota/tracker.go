// Package quota tracks per-upstream spending against configured windows.
// Increments are in-memory and O(1); a background reconciler re-seeds the
// buckets from billed snapshots so restarts and multi-writer drift correct
// themselves within one sync interval.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/model"
)

// bucket is the running spend for one rule window.
type bucket struct {
	rule        model.SpendingRule
	periodStart time.Time
	// resetsAt is the fixed boundary for daily/monthly windows; zero for
	// rolling windows, which slide instead of resetting.
	resetsAt time.Time
	spending float64
}

// refresh rolls the bucket over when its window boundary passed. Rolling
// windows only move periodStart; their spending is corrected by the next
// DB sync, never zeroed here.
func (b *bucket) refresh(now time.Time) {
	switch b.rule.PeriodType {
	case model.PeriodDaily:
		if !b.resetsAt.After(now) {
			b.periodStart = helper.StartOfDayUTC(now)
			b.resetsAt = helper.NextDayUTC(now)
			b.spending = 0
		}
	case model.PeriodMonthly:
		if !b.resetsAt.After(now) {
			b.periodStart = helper.StartOfMonthUTC(now)
			b.resetsAt = helper.NextMonthUTC(now)
			b.spending = 0
		}
	case model.PeriodRolling:
		b.periodStart = helper.RollingWindowStart(now, b.rule.PeriodHours)
	}
}

func newBucket(rule model.SpendingRule, now time.Time) *bucket {
	b := &bucket{rule: rule}
	switch rule.PeriodType {
	case model.PeriodDaily:
		b.periodStart = helper.StartOfDayUTC(now)
		b.resetsAt = helper.NextDayUTC(now)
	case model.PeriodMonthly:
		b.periodStart = helper.StartOfMonthUTC(now)
		b.resetsAt = helper.NextMonthUTC(now)
	case model.PeriodRolling:
		b.periodStart = helper.RollingWindowStart(now, rule.PeriodHours)
	}
	return b
}

// Tracker holds the bucket map. One mutex guards everything; all
// transitions are O(rules-per-upstream) and no I/O ever happens under the
// lock.
type Tracker struct {
	mu      sync.Mutex
	buckets map[int64][]*bucket
	now     func() time.Time

	// upstreams supplies the current rule configuration.
	upstreams *model.UpstreamCache
}

// NewTracker builds an empty tracker over the given upstream cache.
func NewTracker(upstreams *model.UpstreamCache) *Tracker {
	return &Tracker{
		buckets:   map[int64][]*bucket{},
		now:       time.Now,
		upstreams: upstreams,
	}
}

// RecordSpending adds a billed cost to every window of the upstream. Zero
// or negative amounts are ignored.
func (t *Tracker) RecordSpending(upstreamId int64, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.ensureLocked(upstreamId, now) {
		b.refresh(now)
		b.spending += costUSD
	}
}

// IsWithinQuota reports whether every window of the upstream is under its
// limit. An upstream without rules is always within quota.
func (t *Tracker) IsWithinQuota(upstreamId int64) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.ensureLocked(upstreamId, now) {
		b.refresh(now)
		if b.spending >= b.rule.Limit {
			metrics.GlobalRecorder.RecordQuotaDenial(upstreamId, t.nameOf(upstreamId), b.rule.PeriodType)
			return false
		}
	}
	return true
}

// WindowStatus is one window's standing for the admin API.
type WindowStatus struct {
	PeriodType  string     `json:"period_type"`
	PeriodHours int        `json:"period_hours,omitempty"`
	LimitUSD    float64    `json:"limit_usd"`
	SpentUSD    float64    `json:"spent_usd"`
	PeriodStart time.Time  `json:"period_start"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
	Exceeded    bool       `json:"exceeded"`
}

// Status returns the current standing of every window for one upstream.
func (t *Tracker) Status(upstreamId int64) []WindowStatus {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	buckets := t.ensureLocked(upstreamId, now)
	out := make([]WindowStatus, 0, len(buckets))
	for _, b := range buckets {
		b.refresh(now)
		st := WindowStatus{
			PeriodType:  b.rule.PeriodType,
			PeriodHours: b.rule.PeriodHours,
			LimitUSD:    b.rule.Limit,
			SpentUSD:    b.spending,
			PeriodStart: b.periodStart,
			Exceeded:    b.spending >= b.rule.Limit,
		}
		if !b.resetsAt.IsZero() {
			resetsAt := b.resetsAt
			st.ResetsAt = &resetsAt
		}
		out = append(out, st)
	}
	return out
}

// SyncFromDB re-seeds every bucket with the billed snapshot sum over its
// current window and evicts upstreams whose rules were removed. The DB reads
// happen outside the lock; the computed values are swapped in under it.
func (t *Tracker) SyncFromDB(ctx context.Context) error {
	now := t.now()

	type seed struct {
		upstreamId int64
		rules      []model.SpendingRule
		spendings  []float64
	}
	var seeds []seed
	for _, up := range t.upstreams.All() {
		rules := up.GetSpendingRules()
		if len(rules) == 0 {
			continue
		}
		s := seed{upstreamId: up.Id, rules: rules, spendings: make([]float64, len(rules))}
		for i, rule := range rules {
			since := newBucket(rule, now).periodStart
			sum, err := model.SumBilledCost(up.Id, since.UnixMilli())
			if err != nil {
				return err
			}
			s.spendings[i] = sum
		}
		seeds = append(seeds, s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[int64][]*bucket, len(seeds))
	for _, s := range seeds {
		buckets := make([]*bucket, len(s.rules))
		for i, rule := range s.rules {
			b := newBucket(rule, now)
			b.spending = s.spendings[i]
			buckets[i] = b
		}
		next[s.upstreamId] = buckets
	}
	t.buckets = next

	for id, buckets := range next {
		name := t.nameOf(id)
		for _, b := range buckets {
			metrics.GlobalRecorder.UpdateQuotaSpending(id, name, b.rule.PeriodType, b.spending, b.rule.Limit)
		}
	}
	logger.FromContext(ctx).Debug("quota tracker synced", zap.Int("upstreams", len(next)))
	return nil
}

// StartReconciler runs an initial sync and then one per interval until ctx
// is canceled.
func (t *Tracker) StartReconciler(ctx context.Context, interval time.Duration) {
	if err := t.SyncFromDB(ctx); err != nil {
		logger.FromContext(ctx).Error("initial quota sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.SyncFromDB(ctx); err != nil {
				logger.FromContext(ctx).Error("quota sync failed", zap.Error(err))
			}
		}
	}
}

// ensureLocked returns the buckets for an upstream, building them from the
// cached rule configuration on first sight. Callers hold t.mu.
func (t *Tracker) ensureLocked(upstreamId int64, now time.Time) []*bucket {
	if buckets, ok := t.buckets[upstreamId]; ok {
		return buckets
	}
	up, ok := t.upstreams.Get(upstreamId)
	if !ok {
		return nil
	}
	rules := up.GetSpendingRules()
	if len(rules) == 0 {
		t.buckets[upstreamId] = nil
		return nil
	}
	buckets := make([]*bucket, len(rules))
	for i, rule := range rules {
		buckets[i] = newBucket(rule, now)
	}
	t.buckets[upstreamId] = buckets
	return buckets
}

func (t *Tracker) nameOf(upstreamId int64) string {
	if up, ok := t.upstreams.Get(upstreamId); ok {
		return up.Name
	}
	return ""
}
