package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm/clause"
)

// Breaker states as persisted.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreakerState is the persisted shadow of an upstream's in-memory
// breaker. Writes are best-effort and asynchronous; the row exists so a
// restarted process does not hammer an upstream that was open moments ago.
type CircuitBreakerState struct {
	Id         int64  `json:"id" gorm:"primaryKey"`
	UpstreamId int64  `json:"upstream_id" gorm:"uniqueIndex;not null"`
	Upstream   *Upstream `json:"-" gorm:"constraint:OnDelete:CASCADE"`

	State         string `json:"state" gorm:"size:16;default:closed"`
	FailureCount  int    `json:"failure_count"`
	SuccessCount  int    `json:"success_count"`
	LastFailureAt *int64 `json:"last_failure_at,omitempty" gorm:"bigint"`
	OpenedAt      *int64 `json:"opened_at,omitempty" gorm:"bigint"`
	LastProbeAt   *int64 `json:"last_probe_at,omitempty" gorm:"bigint"`

	// Per-upstream overrides of the breaker thresholds; zero means the
	// registry default applies.
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	OpenDurationSec  int `json:"open_duration_sec"`
	ProbeIntervalSec int `json:"probe_interval_sec"`

	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (CircuitBreakerState) TableName() string {
	return "circuit_breaker_states"
}

// UpsertCircuitBreakerState persists the current in-memory breaker state for
// one upstream.
func UpsertCircuitBreakerState(state *CircuitBreakerState) error {
	err := DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "upstream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "failure_count", "success_count",
			"last_failure_at", "opened_at", "last_probe_at", "updated_at",
		}),
	}).Create(state).Error
	return errors.Wrap(err, "upsert circuit breaker state")
}

// ListCircuitBreakerStates loads every persisted breaker row, used to warm
// the registry at startup.
func ListCircuitBreakerStates() ([]*CircuitBreakerState, error) {
	var states []*CircuitBreakerState
	if err := DB.Find(&states).Error; err != nil {
		return nil, errors.Wrap(err, "list circuit breaker states")
	}
	return states, nil
}
