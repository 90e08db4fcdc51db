// Package pricing is the in-memory price catalog. The catalog is a read-only
// view over two tables: synced provider prices and admin-entered manual
// overrides. Lookups never lock; the refresher builds a new map and swaps it
// atomically.
package pricing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Laisky/zap"

	"github.com/causewayapi/causeway/common/logger"
	"github.com/causewayapi/causeway/model"
)

// Price is the resolved per-million-token pricing for one model. Optional
// cache prices stay nil when the source does not publish them; billing zeros
// those terms.
type Price struct {
	Model                 string
	InputPricePerMillion  float64
	OutputPricePerMillion float64

	CacheReadInputPricePerMillion  *float64
	CacheWriteInputPricePerMillion *float64

	// Source is "manual" for overrides, otherwise the synced catalog name.
	Source string
}

// SourceManual marks prices that come from the override table.
const SourceManual = "manual"

// Catalog resolves model names to prices.
type Catalog struct {
	prices atomic.Pointer[map[string]*Price]
}

// NewCatalog returns an empty catalog; call Refresh before serving.
func NewCatalog() *Catalog {
	c := &Catalog{}
	empty := map[string]*Price{}
	c.prices.Store(&empty)
	return c
}

// PriceOf returns the price for a model, or nil when the catalog has no
// entry. A nil result makes the billing snapshot unbilled with reason
// no_price; it never blocks the relay.
func (c *Catalog) PriceOf(model string) *Price {
	return (*c.prices.Load())[model]
}

// Len reports how many models the current view prices.
func (c *Catalog) Len() int {
	return len(*c.prices.Load())
}

// Refresh rebuilds the lookup map from the database and swaps it in.
// Precedence per model: the manual override wins outright; among synced rows
// litellm beats openrouter beats anything else, and syncedAt breaks ties
// only within the same source class. Inactive synced rows are skipped.
func (c *Catalog) Refresh(ctx context.Context) error {
	synced, err := model.ListActiveModelPrices()
	if err != nil {
		return err
	}
	overrides, err := model.ListManualPriceOverrides()
	if err != nil {
		return err
	}

	type best struct {
		price    *Price
		rank     int
		syncedAt int64
	}
	chosen := make(map[string]best, len(synced))
	for _, row := range synced {
		rank := sourceRank(row.Source)
		cur, ok := chosen[row.Model]
		if ok && (cur.rank > rank || (cur.rank == rank && cur.syncedAt >= row.SyncedAt)) {
			continue
		}
		chosen[row.Model] = best{
			price: &Price{
				Model:                          row.Model,
				InputPricePerMillion:           row.InputPricePerMillion,
				OutputPricePerMillion:          row.OutputPricePerMillion,
				CacheReadInputPricePerMillion:  row.CacheReadInputPricePerMillion,
				CacheWriteInputPricePerMillion: row.CacheWriteInputPricePerMillion,
				Source:                         row.Source,
			},
			rank:     rank,
			syncedAt: row.SyncedAt,
		}
	}

	next := make(map[string]*Price, len(chosen)+len(overrides))
	for m, b := range chosen {
		next[m] = b.price
	}
	for _, row := range overrides {
		next[row.Model] = &Price{
			Model:                          row.Model,
			InputPricePerMillion:           row.InputPricePerMillion,
			OutputPricePerMillion:          row.OutputPricePerMillion,
			CacheReadInputPricePerMillion:  row.CacheReadInputPricePerMillion,
			CacheWriteInputPricePerMillion: row.CacheWriteInputPricePerMillion,
			Source:                         SourceManual,
		}
	}

	c.prices.Store(&next)
	logger.FromContext(ctx).Debug("price catalog refreshed",
		zap.Int("models", len(next)), zap.Int("overrides", len(overrides)))
	return nil
}

func sourceRank(source string) int {
	switch source {
	case model.PriceSourceLiteLLM:
		return 2
	case model.PriceSourceOpenRouter:
		return 1
	default:
		return 0
	}
}

// StartRefresher refreshes the catalog every interval until ctx is
// canceled. Refresh failures keep the previous view and retry on the next
// tick.
func (c *Catalog) StartRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logger.FromContext(ctx).Error("price catalog refresh failed", zap.Error(err))
			}
		}
	}
}
