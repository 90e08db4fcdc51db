package pricing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/causewayapi/causeway/model"
)

func newTestDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:pricing_test_%s_%d?mode=memory&cache=shared",
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

func f64(v float64) *float64 { return &v }

func TestCatalogPrecedence(t *testing.T) {
	newTestDB(t)

	rows := []*model.ModelPrice{
		{Model: "gpt-4o", Source: model.PriceSourceOpenRouter,
			InputPricePerMillion: 3, OutputPricePerMillion: 12, IsActive: true, SyncedAt: 200},
		{Model: "gpt-4o", Source: model.PriceSourceLiteLLM,
			InputPricePerMillion: 2.5, OutputPricePerMillion: 10, IsActive: true, SyncedAt: 100},
		{Model: "claude-sonnet", Source: model.PriceSourceOpenRouter,
			InputPricePerMillion: 3, OutputPricePerMillion: 15,
			CacheReadInputPricePerMillion: f64(0.3), IsActive: true, SyncedAt: 50},
		{Model: "gone-model", Source: model.PriceSourceLiteLLM,
			InputPricePerMillion: 1, OutputPricePerMillion: 2, IsActive: false, SyncedAt: 999},
	}
	for _, row := range rows {
		require.NoError(t, model.DB.Create(row).Error)
	}
	require.NoError(t, model.DB.Create(&model.ManualPriceOverride{
		Model: "claude-sonnet", InputPricePerMillion: 1, OutputPricePerMillion: 5,
	}).Error)

	cat := NewCatalog()
	require.Nil(t, cat.PriceOf("gpt-4o"), "empty catalog before refresh")
	require.NoError(t, cat.Refresh(context.Background()))

	// litellm beats openrouter even with an older syncedAt.
	p := cat.PriceOf("gpt-4o")
	require.NotNil(t, p)
	require.Equal(t, model.PriceSourceLiteLLM, p.Source)
	require.Equal(t, 2.5, p.InputPricePerMillion)

	// The manual override wins outright.
	p = cat.PriceOf("claude-sonnet")
	require.NotNil(t, p)
	require.Equal(t, SourceManual, p.Source)
	require.Equal(t, 5.0, p.OutputPricePerMillion)
	require.Nil(t, p.CacheReadInputPricePerMillion)

	require.Nil(t, cat.PriceOf("gone-model"), "inactive rows are skipped")
	require.Nil(t, cat.PriceOf("never-heard-of-it"))
	require.Equal(t, 2, cat.Len())
}

func TestCatalogSyncedAtTieBreakWithinSource(t *testing.T) {
	newTestDB(t)

	// Two rows from the same source class cannot share (model, source) in
	// the real table, but custom sources land in a shared rank where the
	// fresher row wins.
	for _, row := range []*model.ModelPrice{
		{Model: "local-llm", Source: "scraper-a", InputPricePerMillion: 9, OutputPricePerMillion: 9, IsActive: true, SyncedAt: 10},
		{Model: "local-llm", Source: "scraper-b", InputPricePerMillion: 7, OutputPricePerMillion: 7, IsActive: true, SyncedAt: 20},
	} {
		require.NoError(t, model.DB.Create(row).Error)
	}

	cat := NewCatalog()
	require.NoError(t, cat.Refresh(context.Background()))
	p := cat.PriceOf("local-llm")
	require.NotNil(t, p)
	require.Equal(t, "scraper-b", p.Source)
}

func TestCatalogRefreshKeepsOldViewOnError(t *testing.T) {
	newTestDB(t)
	require.NoError(t, model.DB.Create(&model.ModelPrice{
		Model: "gpt-4o-mini", Source: model.PriceSourceLiteLLM,
		InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6, IsActive: true, SyncedAt: 1,
	}).Error)

	cat := NewCatalog()
	require.NoError(t, cat.Refresh(context.Background()))
	require.NotNil(t, cat.PriceOf("gpt-4o-mini"))

	// Break the table so the next refresh fails; the view must survive.
	require.NoError(t, model.DB.Migrator().DropTable(&model.ModelPrice{}))
	require.Error(t, cat.Refresh(context.Background()))
	require.NotNil(t, cat.PriceOf("gpt-4o-mini"))
}

func TestStartRefresherRunsUntilCanceled(t *testing.T) {
	newTestDB(t)
	catalog := NewCatalog()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		catalog.StartRefresher(ctx, time.Hour)
		close(done)
	}()

	// The refresher is a loop, not a one-shot; callers must run it on its
	// own goroutine.
	select {
	case <-done:
		t.Fatal("refresher returned with a live context")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop on context cancel")
	}
}
