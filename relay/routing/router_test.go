package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/affinity"
	"github.com/causewayapi/causeway/relay/breaker"
	"github.com/causewayapi/causeway/relay/capability"
	"github.com/causewayapi/causeway/relay/meta"
	"github.com/causewayapi/causeway/relay/quota"
)

func newTestDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:routing_test_%s_%d?mode=memory&cache=shared",
		t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.MigrateAll(db))
	prev := model.DB
	model.DB = db
	t.Cleanup(func() { model.DB = prev })
}

type upstreamSpec struct {
	name     string
	priority int
	weight   int
	caps     []capability.Capability
	models   []string
	redirect map[string]string
}

func seedUpstreams(t *testing.T, specs []upstreamSpec) map[string]*model.Upstream {
	t.Helper()
	out := map[string]*model.Upstream{}
	for _, spec := range specs {
		up := &model.Upstream{
			Name:     spec.name,
			BaseURL:  "https://api.example.com",
			Priority: spec.priority,
			Weight:   spec.weight,
			Active:   true,
		}
		caps := spec.caps
		if caps == nil {
			caps = []capability.Capability{capability.OpenAIChatCompletions}
		}
		require.NoError(t, up.SetRouteCapabilities(caps))
		if spec.models != nil {
			require.NoError(t, up.SetAllowedModels(spec.models))
		}
		if spec.redirect != nil {
			require.NoError(t, up.SetModelRedirects(spec.redirect))
		}
		require.NoError(t, model.DB.Create(up).Error)
		out[spec.name] = up
	}
	return out
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cache := model.NewUpstreamCache()
	require.NoError(t, cache.Refresh(context.Background()))
	tracker := quota.NewTracker(cache)
	r := NewRouter(cache, breaker.NewMemoryRegistry(), tracker, affinity.NewStore())
	r.MaxAttempts = 3
	return r
}

func chatMeta(requestId string) *meta.Meta {
	return &meta.Meta{
		RequestID:    requestId,
		Capability:   capability.OpenAIChatCompletions,
		RequestModel: "gpt-4o",
	}
}

func TestSelectFiltersCandidates(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "chat", weight: 1},
		{name: "embed-only", weight: 1, caps: []capability.Capability{capability.OpenAIEmbeddings}},
		{name: "other-model", weight: 1, models: []string{"gpt-4o-mini"}},
	})
	r := newTestRouter(t)

	sel, err := r.Select(chatMeta("req-1"))
	require.NoError(t, err)

	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["chat"].Id, attempt.Upstream.Id)
	assert.Equal(t, "gpt-4o", attempt.OutboundModel)

	// Only the capability-and-model matching upstream is a candidate.
	info := sel.RoutingInfo()
	assert.Equal(t, model.RoutingTypeWeighted, info.Type)
	assert.Contains(t, string(info.Decision), "capability_mismatch")
	assert.Contains(t, string(info.Decision), "model_not_allowed")
}

func TestSelectHonorsKeyAllowList(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "allowed", weight: 1},
		{name: "forbidden", weight: 1},
	})
	r := newTestRouter(t)

	key := &model.ApiKey{Active: true}
	require.NoError(t, key.SetAllowedUpstreamIds([]int64{ups["allowed"].Id}))

	m := chatMeta("req-1")
	m.ApiKey = key
	sel, err := r.Select(m)
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["allowed"].Id, attempt.Upstream.Id)
	_, err = sel.Next()
	assert.ErrorIs(t, err, ErrNoEligibleUpstream)
}

func TestSelectKeyBlockedOnEveryCapableUpstream(t *testing.T) {
	newTestDB(t)
	seedUpstreams(t, []upstreamSpec{
		{name: "capable", weight: 1},
		{name: "embed-only", weight: 1, caps: []capability.Capability{capability.OpenAIEmbeddings}},
	})
	r := newTestRouter(t)

	key := &model.ApiKey{Active: true}
	require.NoError(t, key.SetAllowedUpstreamIds([]int64{999}))

	m := chatMeta("req-1")
	m.ApiKey = key
	_, err := r.Select(m)
	assert.ErrorIs(t, err, ErrKeyForbidden)
}

func TestSelectNoCandidates(t *testing.T) {
	newTestDB(t)
	seedUpstreams(t, []upstreamSpec{
		{name: "embed-only", weight: 1, caps: []capability.Capability{capability.OpenAIEmbeddings}},
	})
	r := newTestRouter(t)

	_, err := r.Select(chatMeta("req-1"))
	assert.ErrorIs(t, err, ErrNoEligibleUpstream)
}

func TestModelRedirectAppliesToOutboundAndAllowList(t *testing.T) {
	newTestDB(t)
	seedUpstreams(t, []upstreamSpec{
		{name: "redirector", weight: 1,
			models:   []string{"gpt-4o-backend"},
			redirect: map[string]string{"gpt-4o": "gpt-4o-backend"}},
	})
	r := newTestRouter(t)

	sel, err := r.Select(chatMeta("req-1"))
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-backend", attempt.OutboundModel)
}

func TestTierOrderAndFailover(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "primary", priority: 0, weight: 1},
		{name: "secondary", priority: 10, weight: 1},
		{name: "tertiary", priority: 20, weight: 1},
	})
	r := newTestRouter(t)

	sel, err := r.Select(chatMeta("req-1"))
	require.NoError(t, err)

	first, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["primary"].Id, first.Upstream.Id)
	sel.Fail(first.Upstream, "upstream_5xx", "boom", 502)

	second, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["secondary"].Id, second.Upstream.Id)
	sel.Fail(second.Upstream, "network_error", "dial refused", 0)

	third, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["tertiary"].Id, third.Upstream.Id)

	// Attempt budget exhausted even though nothing else is tried.
	_, err = sel.Next()
	assert.ErrorIs(t, err, ErrNoEligibleUpstream)

	info := sel.RoutingInfo()
	assert.Equal(t, 2, info.FailoverAttempts)
	require.Len(t, info.FailoverHistory, 2)
	assert.Equal(t, "upstream_5xx", info.FailoverHistory[0].ErrorType)
	assert.Equal(t, 20, info.PriorityTier)
}

func TestBreakerOpenExcludesUpstream(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "tripped", priority: 0, weight: 1},
		{name: "healthy", priority: 10, weight: 1},
	})
	r := newTestRouter(t)
	r.Breakers.Get(ups["tripped"].Id).ForceOpen()

	sel, err := r.Select(chatMeta("req-1"))
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["healthy"].Id, attempt.Upstream.Id)
	assert.Contains(t, string(sel.RoutingInfo().Decision), "breaker_open")
}

func TestQuotaExceededExcludesUpstream(t *testing.T) {
	newTestDB(t)

	limited := &model.Upstream{Name: "limited", BaseURL: "https://api.example.com", Weight: 1, Active: true}
	require.NoError(t, limited.SetRouteCapabilities([]capability.Capability{capability.OpenAIChatCompletions}))
	require.NoError(t, limited.SetSpendingRules([]model.SpendingRule{{PeriodType: model.PeriodDaily, Limit: 1}}))
	require.NoError(t, model.DB.Create(limited).Error)
	seedUpstreams(t, []upstreamSpec{{name: "fallback", priority: 10, weight: 1}})

	r := newTestRouter(t)
	r.Quota.RecordSpending(limited.Id, 2)

	sel, err := r.Select(chatMeta("req-1"))
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, "fallback", attempt.Upstream.Name)
	assert.Contains(t, string(sel.RoutingInfo().Decision), "quota_exceeded")
}

func TestAffinityReuseAndMigration(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "bound", priority: 10, weight: 1},
		{name: "preferred", priority: 0, weight: 1},
	})
	r := newTestRouter(t)

	// An existing binding beats the better tier.
	r.Affinity.Establish("sess-1", ups["bound"].Id)
	m := chatMeta("req-1")
	m.SessionID = "sess-1"
	sel, err := r.Select(m)
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["bound"].Id, attempt.Upstream.Id)
	assert.True(t, attempt.ViaAffinity)
	assert.True(t, sel.AffinityHit())
	assert.Equal(t, model.RoutingTypeAffinity, sel.RoutingInfo().Type)
}

func TestAffinityMigrationThreshold(t *testing.T) {
	newTestDB(t)

	bound := &model.Upstream{Name: "bound", BaseURL: "https://api.example.com", Priority: 10, Weight: 1, Active: true}
	require.NoError(t, bound.SetRouteCapabilities([]capability.Capability{capability.OpenAIChatCompletions}))
	require.NoError(t, bound.SetAffinityMigration(&model.AffinityMigration{
		Enabled: true, Metric: model.AffinityMetricTokens, Threshold: 1000,
	}))
	require.NoError(t, model.DB.Create(bound).Error)
	ups := seedUpstreams(t, []upstreamSpec{{name: "preferred", priority: 0, weight: 1}})

	r := newTestRouter(t)
	r.Affinity.Establish("sess-1", bound.Id)
	r.Affinity.Accumulate("sess-1", 1500)

	m := chatMeta("req-1")
	m.SessionID = "sess-1"
	sel, err := r.Select(m)
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["preferred"].Id, attempt.Upstream.Id, "migration re-routes")
	assert.True(t, sel.Migrated())
	assert.False(t, sel.AffinityHit())

	// The old binding is gone.
	_, ok := r.Affinity.Get("sess-1")
	assert.False(t, ok)
}

func TestAffinityBindingToIneligibleUpstreamDropped(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "bound", priority: 0, weight: 1},
		{name: "other", priority: 10, weight: 1},
	})
	r := newTestRouter(t)
	r.Affinity.Establish("sess-1", ups["bound"].Id)
	r.Breakers.Get(ups["bound"].Id).ForceOpen()

	m := chatMeta("req-1")
	m.SessionID = "sess-1"
	sel, err := r.Select(m)
	require.NoError(t, err)
	attempt, err := sel.Next()
	require.NoError(t, err)
	assert.Equal(t, ups["other"].Id, attempt.Upstream.Id)
	assert.False(t, sel.AffinityHit())

	_, ok := r.Affinity.Get("sess-1")
	assert.False(t, ok, "binding to an open-breaker upstream is dropped")
}

func TestWeightedDistribution(t *testing.T) {
	newTestDB(t)
	ups := seedUpstreams(t, []upstreamSpec{
		{name: "light", weight: 1},
		{name: "heavy", weight: 3},
	})
	r := newTestRouter(t)

	counts := map[int64]int{}
	const draws = 4000
	for i := 0; i < draws; i++ {
		sel, err := r.Select(chatMeta(fmt.Sprintf("req-%d", i)))
		require.NoError(t, err)
		attempt, err := sel.Next()
		require.NoError(t, err)
		counts[attempt.Upstream.Id]++
	}

	heavyShare := float64(counts[ups["heavy"].Id]) / draws
	assert.InDelta(t, 0.75, heavyShare, 0.05,
		"weight 3:1 should yield roughly three quarters of draws")
	assert.Positive(t, counts[ups["light"].Id])
}
