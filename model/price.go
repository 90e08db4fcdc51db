package model

import (
	"github.com/Laisky/errors/v2"
)

// Price catalog sources, in precedence order.
const (
	PriceSourceLiteLLM    = "litellm"
	PriceSourceOpenRouter = "openrouter"
)

// ModelPrice is one synced catalog row. The sync job itself lives outside
// this process; the gateway only reads these rows.
type ModelPrice struct {
	Id    int64  `json:"id" gorm:"primaryKey"`
	Model string `json:"model" gorm:"size:255;uniqueIndex:idx_model_source,priority:1;not null"`
	// Source names the catalog this row was synced from.
	Source string `json:"source" gorm:"size:32;uniqueIndex:idx_model_source,priority:2;not null"`

	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`

	CacheReadInputPricePerMillion  *float64 `json:"cache_read_input_price_per_million,omitempty"`
	CacheWriteInputPricePerMillion *float64 `json:"cache_write_input_price_per_million,omitempty"`

	IsActive bool  `json:"is_active" gorm:"default:true"`
	SyncedAt int64 `json:"synced_at" gorm:"bigint"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (ModelPrice) TableName() string {
	return "billing_model_prices"
}

// ManualPriceOverride is an admin-entered price for one model. At most one
// exists per model and it beats every synced row.
type ManualPriceOverride struct {
	Id    int64  `json:"id" gorm:"primaryKey"`
	Model string `json:"model" gorm:"size:255;uniqueIndex;not null"`

	InputPricePerMillion  float64 `json:"input_price_per_million"`
	OutputPricePerMillion float64 `json:"output_price_per_million"`

	CacheReadInputPricePerMillion  *float64 `json:"cache_read_input_price_per_million,omitempty"`
	CacheWriteInputPricePerMillion *float64 `json:"cache_write_input_price_per_million,omitempty"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (ManualPriceOverride) TableName() string {
	return "billing_manual_price_overrides"
}

// ListActiveModelPrices loads every active synced price row.
func ListActiveModelPrices() ([]*ModelPrice, error) {
	var prices []*ModelPrice
	if err := DB.Where("is_active = ?", true).Find(&prices).Error; err != nil {
		return nil, errors.Wrap(err, "list model prices")
	}
	return prices, nil
}

// ListManualPriceOverrides loads every override row.
func ListManualPriceOverrides() ([]*ManualPriceOverride, error) {
	var overrides []*ManualPriceOverride
	if err := DB.Find(&overrides).Error; err != nil {
		return nil, errors.Wrap(err, "list manual price overrides")
	}
	return overrides, nil
}
