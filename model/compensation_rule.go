package model

import (
	"github.com/Laisky/errors/v2"
)

// Header compensation actions.
const (
	CompensationDrop       = "drop"
	CompensationReplace    = "replace"
	CompensationCompensate = "compensate"
)

// CompensationRule is one row of the configurable header policy. Built-in
// rules are code-defined and mirrored here so admins can disable them; a
// builtin row is never deleted, only toggled.
type CompensationRule struct {
	Id int64 `json:"id" gorm:"primaryKey"`
	// Capability scopes the rule; empty applies to every capability.
	Capability string `json:"capability,omitempty" gorm:"size:64;index"`
	HeaderName string `json:"header_name" gorm:"size:128;not null"`
	// Action is drop, replace or compensate.
	Action string `json:"action" gorm:"size:16;not null"`
	// Source feeds a compensate action: "cookie:<name>", "header:<name>" or
	// "value:<literal>".
	Source  string `json:"source,omitempty" gorm:"size:255"`
	Builtin bool   `json:"builtin"`
	Enabled bool   `json:"enabled" gorm:"default:true"`
	// Position orders evaluation; first match per header wins.
	Position int `json:"position" gorm:"index"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (CompensationRule) TableName() string {
	return "compensation_rules"
}

// ListCompensationRules loads every rule row in evaluation order.
func ListCompensationRules() ([]*CompensationRule, error) {
	var rules []*CompensationRule
	if err := DB.Order("position asc, id asc").Find(&rules).Error; err != nil {
		return nil, errors.Wrap(err, "list compensation rules")
	}
	return rules, nil
}

// DeleteCompensationRule removes a non-builtin rule. Builtin rows refuse
// deletion; disable them instead.
func DeleteCompensationRule(id int64) error {
	var rule CompensationRule
	if err := DB.First(&rule, id).Error; err != nil {
		return errors.Wrap(err, "get compensation rule")
	}
	if rule.Builtin {
		return errors.New("builtin compensation rules cannot be deleted, disable instead")
	}
	return errors.Wrap(DB.Delete(&rule).Error, "delete compensation rule")
}
