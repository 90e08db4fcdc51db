package model

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/relay/capability"
)

// newTestDB opens a fresh in-memory sqlite database and points the package
// global at it for the duration of one test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:model_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, MigrateAll(db))

	prev := DB
	DB = db
	common.UsingSQLite.Store(true)
	t.Cleanup(func() {
		DB = prev
		common.UsingSQLite.Store(false)
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	return db
}

func newTestUpstream(t *testing.T, name string, caps []capability.Capability) *Upstream {
	t.Helper()
	u := &Upstream{
		Name:                    name,
		BaseURL:                 "https://api.example.com",
		Weight:                  1,
		TimeoutSec:              30,
		Active:                  true,
		BillingInputMultiplier:  1,
		BillingOutputMultiplier: 1,
	}
	require.NoError(t, u.SetRouteCapabilities(caps))
	require.NoError(t, u.Insert())
	return u
}

func TestUpstreamValidate(t *testing.T) {
	newTestDB(t)

	t.Run("cross family capabilities rejected", func(t *testing.T) {
		u := &Upstream{Name: "mixed", BaseURL: "https://x.test", Weight: 1}
		require.NoError(t, u.SetRouteCapabilities([]capability.Capability{
			capability.OpenAIChatCompletions, capability.AnthropicMessages,
		}))
		require.ErrorContains(t, u.Validate(), "mixes families")
	})

	t.Run("zero weight rejected", func(t *testing.T) {
		u := &Upstream{Name: "w0", BaseURL: "https://x.test", Weight: 0}
		require.NoError(t, u.SetRouteCapabilities([]capability.Capability{capability.OpenAIChatCompletions}))
		require.Error(t, u.Validate())
	})

	t.Run("rolling rule requires hours", func(t *testing.T) {
		u := &Upstream{Name: "roll", BaseURL: "https://x.test", Weight: 1}
		require.NoError(t, u.SetRouteCapabilities([]capability.Capability{capability.OpenAIChatCompletions}))
		require.NoError(t, u.SetSpendingRules([]SpendingRule{{PeriodType: PeriodRolling, Limit: 10}}))
		require.ErrorContains(t, u.Validate(), "period_hours")
	})

	t.Run("empty redirect rejected", func(t *testing.T) {
		u := &Upstream{Name: "redir", BaseURL: "https://x.test", Weight: 1}
		require.NoError(t, u.SetRouteCapabilities([]capability.Capability{capability.OpenAIChatCompletions}))
		require.NoError(t, u.SetModelRedirects(map[string]string{"gpt-4o": ""}))
		require.ErrorContains(t, u.Validate(), "model redirect")
	})
}

func TestUpstreamJSONColumns(t *testing.T) {
	newTestDB(t)
	u := newTestUpstream(t, "primary", []capability.Capability{capability.OpenAIChatCompletions})
	require.NoError(t, u.SetAllowedModels([]string{"gpt-4o", "gpt-4o-mini"}))
	require.NoError(t, u.SetModelRedirects(map[string]string{"gpt-4o": "gpt-4o-2024"}))
	require.NoError(t, u.SetSpendingRules([]SpendingRule{{PeriodType: PeriodDaily, Limit: 100}}))
	require.NoError(t, u.SetAffinityMigration(&AffinityMigration{Enabled: true, Metric: AffinityMetricTokens, Threshold: 50000}))
	require.NoError(t, DB.Save(u).Error)

	got, err := GetUpstreamById(u.Id)
	require.NoError(t, err)
	require.True(t, got.HasCapability(capability.OpenAIChatCompletions))
	require.False(t, got.HasCapability(capability.AnthropicMessages))
	require.True(t, got.AllowsModel("gpt-4o"))
	require.False(t, got.AllowsModel("o3"))
	require.Equal(t, "gpt-4o-2024", got.RedirectModel("gpt-4o"))
	require.Equal(t, "gpt-4o-mini", got.RedirectModel("gpt-4o-mini"))
	require.Len(t, got.GetSpendingRules(), 1)
	mig := got.GetAffinityMigration()
	require.NotNil(t, mig)
	require.EqualValues(t, 50000, mig.Threshold)
}

func TestUpstreamCredentialRoundtrip(t *testing.T) {
	newTestDB(t)
	prev := config.SecretKey
	config.SecretKey = "test-secret"
	t.Cleanup(func() { config.SecretKey = prev })

	encrypted, err := common.EncryptSecret("sk-upstream-credential")
	require.NoError(t, err)
	u := &Upstream{APIKeyEncrypted: encrypted}
	value, err := u.Credential()
	require.NoError(t, err)
	require.Equal(t, "sk-upstream-credential", value)
}

func TestApiKeyLifecycle(t *testing.T) {
	newTestDB(t)
	prevSecret := config.SecretKey
	config.SecretKey = "test-secret"
	t.Cleanup(func() { config.SecretKey = prevSecret })

	key := &ApiKey{Name: "ci", Active: true}
	require.NoError(t, key.SetAllowedUpstreamIds([]int64{1, 3}))
	require.NoError(t, key.Insert("sk-downstream-abcdef1234"))

	got, err := GetApiKeyByHash(HashKey("sk-downstream-abcdef1234"))
	require.NoError(t, err)
	require.Equal(t, key.Id, got.Id)
	require.Equal(t, "sk-downs", got.KeyPrefix)
	require.True(t, got.AllowsUpstream(3))
	require.False(t, got.AllowsUpstream(2))

	t.Run("usable checks", func(t *testing.T) {
		now := helper.NowMilli()
		require.True(t, got.IsUsable(now))

		expired := *got
		past := now - 1000
		expired.ExpiresAt = &past
		require.False(t, expired.IsUsable(now))

		disabled := *got
		disabled.Active = false
		require.False(t, disabled.IsUsable(now))
	})

	t.Run("reveal", func(t *testing.T) {
		prev := config.AllowKeyReveal
		t.Cleanup(func() { config.AllowKeyReveal = prev })

		config.AllowKeyReveal = false
		_, err := got.RevealValue()
		require.Error(t, err)

		config.AllowKeyReveal = true
		value, err := got.RevealValue()
		require.NoError(t, err)
		require.Equal(t, "sk-downstream-abcdef1234", value)

		legacy := &ApiKey{KeyHash: HashKey("legacy"), Active: true}
		require.NoError(t, DB.Create(legacy).Error)
		_, err = legacy.RevealValue()
		require.ErrorIs(t, err, ErrLegacyKey)
	})
}

func TestKeystoreResolve(t *testing.T) {
	newTestDB(t)
	prevSecret := config.SecretKey
	config.SecretKey = "test-secret"
	t.Cleanup(func() { config.SecretKey = prevSecret })

	active := &ApiKey{Name: "a", Active: true}
	require.NoError(t, active.Insert("sk-active-000000000000"))
	inactive := &ApiKey{Name: "b", Active: false}
	require.NoError(t, inactive.Insert("sk-inactive-0000000000"))

	ks := NewKeystore()
	require.NoError(t, ks.Refresh(context.Background()))

	got, err := ks.Resolve(context.Background(), HashKey("sk-active-000000000000"))
	require.NoError(t, err)
	require.Equal(t, active.Id, got.Id)

	_, err = ks.Resolve(context.Background(), HashKey("sk-inactive-0000000000"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = ks.Resolve(context.Background(), HashKey("sk-unknown"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	t.Run("db fallback backfills the map", func(t *testing.T) {
		late := &ApiKey{Name: "late", Active: true}
		require.NoError(t, late.Insert("sk-late-00000000000000"))

		// Not yet refreshed: the local map misses, the DB lookup hits.
		got, err := ks.Resolve(context.Background(), HashKey("sk-late-00000000000000"))
		require.NoError(t, err)
		require.Equal(t, late.Id, got.Id)
	})
}

func TestUpstreamCacheRefresh(t *testing.T) {
	newTestDB(t)
	a := newTestUpstream(t, "a", []capability.Capability{capability.OpenAIChatCompletions})
	b := newTestUpstream(t, "b", []capability.Capability{capability.AnthropicMessages})
	b.Active = false
	require.NoError(t, DB.Save(b).Error)

	cache := NewUpstreamCache()
	require.NoError(t, cache.Refresh(context.Background()))

	require.Len(t, cache.Active(), 1)
	require.Equal(t, a.Id, cache.Active()[0].Id)
	require.Len(t, cache.All(), 2)
	got, ok := cache.Get(b.Id)
	require.True(t, ok)
	require.False(t, got.Active)
}

func TestCreateRequestLogWithSnapshot(t *testing.T) {
	newTestDB(t)
	u := newTestUpstream(t, "primary", []capability.Capability{capability.OpenAIChatCompletions})

	log := &RequestLog{
		Method:       "POST",
		Path:         "/v1/chat/completions",
		Model:        "gpt-4o",
		UpstreamId:   &u.Id,
		StatusCode:   200,
		PromptTokens: 100,
		TotalTokens:  110,
	}
	require.NoError(t, log.SetRouting(&RoutingInfo{Type: RoutingTypeWeighted, PriorityTier: 0}))
	in := 2.5
	snapshot := &RequestBillingSnapshot{
		UpstreamId:           &u.Id,
		Model:                "gpt-4o",
		InputPricePerMillion: &in,
		InputMultiplier:      1,
		OutputMultiplier:     1,
		PromptTokens:         100,
		FinalCostUSD:         0.00025,
		BillingStatus:        BillingStatusBilled,
	}
	require.NoError(t, CreateRequestLogWithSnapshot(log, snapshot))
	require.NotEmpty(t, log.Id)
	require.Equal(t, log.Id, snapshot.RequestLogId)

	var logCount, snapCount int64
	require.NoError(t, DB.Model(&RequestLog{}).Count(&logCount).Error)
	require.NoError(t, DB.Model(&RequestBillingSnapshot{}).Count(&snapCount).Error)
	require.EqualValues(t, 1, logCount)
	require.EqualValues(t, 1, snapCount)

	got := &RequestLog{}
	require.NoError(t, DB.First(got, "id = ?", log.Id).Error)
	routing := got.GetRouting()
	require.NotNil(t, routing)
	require.Equal(t, RoutingTypeWeighted, routing.Type)
}

func TestRequestLogSnapshotAtomicity(t *testing.T) {
	newTestDB(t)

	log := &RequestLog{Method: "POST", Path: "/v1/chat/completions"}
	// Duplicate the snapshot's unique request_log_id to force the second
	// insert to fail; the transaction must roll the log row back too.
	existing := &RequestLog{Method: "POST", Path: "/p"}
	require.NoError(t, CreateRequestLogWithSnapshot(existing, &RequestBillingSnapshot{
		BillingStatus: BillingStatusUnbilled, UnbillableReason: UnbillableNoUsage,
	}))

	var before int64
	require.NoError(t, DB.Model(&RequestLog{}).Count(&before).Error)

	bad := &RequestBillingSnapshot{BillingStatus: BillingStatusUnbilled}
	log.Id = helper.GenRequestID()
	bad.RequestLogId = existing.Id // will collide on the unique index
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(log).Error; err != nil {
			return err
		}
		return tx.Create(bad).Error
	})
	require.Error(t, err)

	var after int64
	require.NoError(t, DB.Model(&RequestLog{}).Count(&after).Error)
	require.Equal(t, before, after, "failed snapshot insert must roll back the log row")
}

func TestSumBilledCost(t *testing.T) {
	newTestDB(t)
	u := newTestUpstream(t, "primary", []capability.Capability{capability.OpenAIChatCompletions})
	now := helper.NowMilli()

	insert := func(cost float64, status string, billedAt int64) {
		log := &RequestLog{Method: "POST", Path: "/v1/chat/completions"}
		snap := &RequestBillingSnapshot{
			UpstreamId:    &u.Id,
			FinalCostUSD:  cost,
			BillingStatus: status,
			BilledAt:      billedAt,
		}
		require.NoError(t, CreateRequestLogWithSnapshot(log, snap))
	}

	insert(1.25, BillingStatusBilled, now-1000)
	insert(0.75, BillingStatusBilled, now-500)
	insert(9.99, BillingStatusUnbilled, now-500)   // unbilled rows do not count
	insert(3.00, BillingStatusBilled, now-7200000) // outside the window

	total, err := SumBilledCost(u.Id, now-3600000)
	require.NoError(t, err)
	require.InDelta(t, 2.0, total, 1e-9)

	// No rows at all sums to zero.
	total, err = SumBilledCost(u.Id+99, 0)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestDeleteExpiredRequestLogs(t *testing.T) {
	newTestDB(t)

	old := &RequestLog{Method: "POST", Path: "/old"}
	require.NoError(t, CreateRequestLogWithSnapshot(old, &RequestBillingSnapshot{BillingStatus: BillingStatusUnbilled}))
	// Backdate past the retention window.
	require.NoError(t, DB.Model(&RequestLog{}).Where("id = ?", old.Id).
		Update("created_at", helper.NowMilli()-91*24*3600*1000).Error)

	fresh := &RequestLog{Method: "POST", Path: "/fresh"}
	require.NoError(t, CreateRequestLogWithSnapshot(fresh, &RequestBillingSnapshot{BillingStatus: BillingStatusUnbilled}))

	removed, err := DeleteExpiredRequestLogs(90)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var logs, snaps int64
	require.NoError(t, DB.Model(&RequestLog{}).Count(&logs).Error)
	require.NoError(t, DB.Model(&RequestBillingSnapshot{}).Count(&snaps).Error)
	require.EqualValues(t, 1, logs)
	require.EqualValues(t, 1, snaps)

	_, err = DeleteExpiredRequestLogs(0)
	require.Error(t, err)
}

func TestBreakerStateUpsert(t *testing.T) {
	newTestDB(t)
	u := newTestUpstream(t, "primary", []capability.Capability{capability.OpenAIChatCompletions})

	// Insert created the closed row already; upsert flips it to open.
	opened := helper.NowMilli()
	require.NoError(t, UpsertCircuitBreakerState(&CircuitBreakerState{
		UpstreamId: u.Id,
		State:      BreakerOpen,
		OpenedAt:   &opened,
	}))

	states, err := ListCircuitBreakerStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, BreakerOpen, states[0].State)
	require.NotNil(t, states[0].OpenedAt)
}

func TestCompensationRuleDelete(t *testing.T) {
	newTestDB(t)

	builtin := &CompensationRule{HeaderName: "Authorization", Action: CompensationDrop, Builtin: true, Enabled: true}
	custom := &CompensationRule{HeaderName: "X-Session-Id", Action: CompensationCompensate, Source: "cookie:sid", Enabled: true, Position: 10}
	require.NoError(t, DB.Create(builtin).Error)
	require.NoError(t, DB.Create(custom).Error)

	require.ErrorContains(t, DeleteCompensationRule(builtin.Id), "builtin")
	require.NoError(t, DeleteCompensationRule(custom.Id))

	rules, err := ListCompensationRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
}
