package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/causewayapi/causeway/common/helper"
)

// Billing statuses and the reasons a snapshot can be unbilled.
const (
	BillingStatusBilled   = "billed"
	BillingStatusUnbilled = "unbilled"

	UnbillableNoPrice    = "no_price"
	UnbillableNoUsage    = "no_usage"
	UnbillableParseError = "parse_error"
)

// Routing decision types persisted in the log.
const (
	RoutingTypeWeighted = "weighted"
	RoutingTypeAffinity = "affinity"
	RoutingTypeNone     = "none"
)

// FailoverEntry records one failed attempt before the final outcome.
type FailoverEntry struct {
	UpstreamId   int64  `json:"upstream_id"`
	UpstreamName string `json:"upstream_name"`
	AttemptedAt  int64  `json:"attempted_at"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	StatusCode   int    `json:"status_code,omitempty"`
}

// RoutingInfo is the decision trace stored with each log row.
type RoutingInfo struct {
	Type             string          `json:"type"`
	PriorityTier     int             `json:"priority_tier"`
	FailoverAttempts int             `json:"failover_attempts"`
	FailoverHistory  []FailoverEntry `json:"failover_history,omitempty"`
	// Decision holds the selector's trace: candidate ids, per-tier
	// exclusions with reasons, and the final pick.
	Decision json.RawMessage `json:"decision,omitempty"`
}

// RequestLog is the single log row written at the end of every relay
// request. Foreign keys are nullable: deleting a key or upstream keeps the
// history but drops the link.
type RequestLog struct {
	Id         string `json:"id" gorm:"primaryKey;size:36"`
	ApiKeyId   *int64 `json:"api_key_id,omitempty" gorm:"index"`
	UpstreamId *int64 `json:"upstream_id,omitempty" gorm:"index"`

	Method string `json:"method" gorm:"size:16"`
	Path   string `json:"path" gorm:"size:512"`
	Model  string `json:"model" gorm:"size:255;index"`

	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	CachedTokens        int64 `json:"cached_tokens"`
	ReasoningTokens     int64 `json:"reasoning_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`

	StatusCode        int    `json:"status_code"`
	DurationMs        int64  `json:"duration_ms"`
	RoutingDurationMs int64  `json:"routing_duration_ms"`
	TtftMs            *int64 `json:"ttft_ms,omitempty"`
	IsStream          bool   `json:"is_stream"`
	ErrorMessage      string `json:"error_message,omitempty" gorm:"type:text"`

	// Routing is the serialized RoutingInfo.
	Routing string `json:"-" gorm:"type:text"`

	SessionId          string `json:"session_id,omitempty" gorm:"size:128;index"`
	AffinityHit        bool   `json:"affinity_hit"`
	AffinityMigrated   bool   `json:"affinity_migrated"`
	SessionCompensated bool   `json:"session_compensated"`

	// HeaderDiff is the sanitized header diff JSON, persisted only when
	// DEBUG_LOG_HEADERS is on.
	HeaderDiff *string `json:"-" gorm:"type:text"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli;index"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}

// SetRouting encodes the decision trace.
func (l *RequestLog) SetRouting(info *RoutingInfo) error {
	if info == nil {
		l.Routing = ""
		return nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshal routing info")
	}
	l.Routing = string(raw)
	return nil
}

// GetRouting decodes the decision trace.
func (l *RequestLog) GetRouting() *RoutingInfo {
	if l.Routing == "" {
		return nil
	}
	var info RoutingInfo
	if err := json.Unmarshal([]byte(l.Routing), &info); err != nil {
		return nil
	}
	return &info
}

// RequestBillingSnapshot freezes the price and multiplier values that
// produced FinalCostUSD. It is immutable once written; later catalog edits
// must not change history.
type RequestBillingSnapshot struct {
	Id           int64       `json:"id" gorm:"primaryKey"`
	RequestLogId string      `json:"request_log_id" gorm:"size:36;uniqueIndex;not null"`
	RequestLog   *RequestLog `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	UpstreamId   *int64      `json:"upstream_id,omitempty" gorm:"index"`

	Model string `json:"model" gorm:"size:255"`

	InputPricePerMillion      *float64 `json:"input_price_per_million,omitempty"`
	OutputPricePerMillion     *float64 `json:"output_price_per_million,omitempty"`
	CacheReadPricePerMillion  *float64 `json:"cache_read_price_per_million,omitempty"`
	CacheWritePricePerMillion *float64 `json:"cache_write_price_per_million,omitempty"`
	PriceSource               string   `json:"price_source,omitempty" gorm:"size:32"`

	InputMultiplier  float64 `json:"input_multiplier" gorm:"default:1"`
	OutputMultiplier float64 `json:"output_multiplier" gorm:"default:1"`

	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`

	// FinalCostUSD is rounded to 6 decimal places at computation time.
	FinalCostUSD float64 `json:"final_cost_usd"`

	BillingStatus    string `json:"billing_status" gorm:"size:16;index"`
	UnbillableReason string `json:"unbillable_reason,omitempty" gorm:"size:32"`
	BilledAt         int64  `json:"billed_at" gorm:"bigint;index"`
}

func (RequestBillingSnapshot) TableName() string {
	return "request_billing_snapshots"
}

// CreateRequestLogWithSnapshot writes the log row and its snapshot in one
// transaction: either both land or neither does.
func CreateRequestLogWithSnapshot(log *RequestLog, snapshot *RequestBillingSnapshot) error {
	if log == nil || snapshot == nil {
		return errors.New("log and snapshot are both required")
	}
	if log.Id == "" {
		log.Id = helper.GenRequestID()
	}
	snapshot.RequestLogId = log.Id
	if snapshot.BilledAt == 0 {
		snapshot.BilledAt = helper.NowMilli()
	}

	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(log).Error; err != nil {
			return errors.Wrap(err, "create request log")
		}
		if err := tx.Create(snapshot).Error; err != nil {
			return errors.Wrap(err, "create billing snapshot")
		}
		return nil
	})
	return errors.Wrap(err, "request log transaction")
}

// SumBilledCost aggregates billed snapshot cost for one upstream since a
// window start, the seed query for the quota tracker.
func SumBilledCost(upstreamId int64, sinceMilli int64) (float64, error) {
	var total *float64
	err := DB.Model(&RequestBillingSnapshot{}).
		Select("SUM(final_cost_usd)").
		Where("upstream_id = ? AND billing_status = ? AND billed_at >= ?",
			upstreamId, BillingStatusBilled, sinceMilli).
		Scan(&total).Error
	if err != nil {
		return 0, errors.Wrap(err, "sum billed cost")
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// DeleteExpiredRequestLogs removes log rows older than the retention window.
// Snapshots cascade with their log row.
func DeleteExpiredRequestLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := helper.NowMilli() - int64(retentionDays)*24*3600*1000
	// SQLite enforces the cascade only with foreign keys on; delete the
	// snapshots explicitly so both dialects behave identically.
	var removed int64
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("request_log_id IN (?)",
				tx.Model(&RequestLog{}).Select("id").Where("created_at < ?", cutoff)).
			Delete(&RequestBillingSnapshot{}).Error; err != nil {
			return errors.Wrap(err, "delete expired snapshots")
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&RequestLog{})
		if res.Error != nil {
			return errors.Wrap(res.Error, "delete expired request logs")
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
