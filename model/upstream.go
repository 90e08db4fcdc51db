package model

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/go-playground/validator/v10"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/network"
	"github.com/causewayapi/causeway/relay/capability"
)

// SpendingRule is one spending window over an upstream's billed cost.
type SpendingRule struct {
	// PeriodType is daily, monthly or rolling.
	PeriodType string `json:"period_type" validate:"required,oneof=daily monthly rolling"`
	// Limit is the spending cap in USD for the window.
	Limit float64 `json:"limit" validate:"required,gt=0"`
	// PeriodHours sizes a rolling window; required iff PeriodType is rolling.
	PeriodHours int `json:"period_hours,omitempty" validate:"omitempty,min=1,max=8760"`
}

// Rule period types.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
	PeriodRolling = "rolling"
)

// AffinityMigration configures when a sticky session is forced off this
// upstream.
type AffinityMigration struct {
	Enabled bool `json:"enabled"`
	// Metric is "tokens" (total token count) or "length" (response bytes).
	Metric    string `json:"metric" validate:"omitempty,oneof=tokens length"`
	Threshold int64  `json:"threshold" validate:"omitempty,gt=0"`
}

// Affinity metrics.
const (
	AffinityMetricTokens = "tokens"
	AffinityMetricLength = "length"
)

// Upstream is one configured provider endpoint. JSON-typed columns are kept
// as text with typed getters so the schema stays portable across dialects.
type Upstream struct {
	Id              int64  `json:"id" gorm:"primaryKey"`
	Name            string `json:"name" gorm:"size:128;uniqueIndex" validate:"required"`
	BaseURL         string `json:"base_url" gorm:"size:512" validate:"required,url"`
	APIKeyEncrypted string `json:"-" gorm:"type:text"`

	// Priority groups upstreams into tiers; lower numbers are tried first.
	Priority int `json:"priority" gorm:"default:0" validate:"min=0,max=100"`
	// Weight sets the within-tier selection probability.
	Weight int `json:"weight" gorm:"default:1" validate:"min=1,max=100"`

	RouteCapabilities string  `json:"-" gorm:"type:text"`
	AllowedModels     *string `json:"-" gorm:"type:text"`
	ModelRedirects    *string `json:"-" gorm:"type:text"`

	BillingInputMultiplier  float64 `json:"billing_input_multiplier" gorm:"default:1"`
	BillingOutputMultiplier float64 `json:"billing_output_multiplier" gorm:"default:1"`

	SpendingRules        string  `json:"-" gorm:"type:text"`
	AffinityMigrationCfg *string `json:"-" gorm:"column:affinity_migration;type:text"`

	// TimeoutSec caps one outbound attempt against this upstream.
	TimeoutSec int  `json:"timeout_sec" gorm:"default:300" validate:"min=0,max=3600"`
	Active     bool `json:"active" gorm:"default:true"`

	CreatedAt int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

func (Upstream) TableName() string {
	return "upstreams"
}

var upstreamValidator = validator.New()

// Validate enforces the structural invariants plus the family-coherence rule
// on the capability set.
func (u *Upstream) Validate() error {
	if err := upstreamValidator.Struct(u); err != nil {
		return errors.Wrap(err, "validate upstream")
	}
	parsed, err := network.ValidateBaseURL(u.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "upstream %q base url", u.Name)
	}
	u.BaseURL = parsed.String()
	if err := capability.ValidateSet(u.GetRouteCapabilities()); err != nil {
		return errors.Wrapf(err, "upstream %q capabilities", u.Name)
	}
	for from, to := range u.GetModelRedirects() {
		if from == "" || to == "" {
			return errors.Errorf("upstream %q has an empty model redirect entry", u.Name)
		}
	}
	for _, rule := range u.GetSpendingRules() {
		if rule.PeriodType == PeriodRolling && rule.PeriodHours == 0 {
			return errors.Errorf("upstream %q rolling rule requires period_hours", u.Name)
		}
		if rule.PeriodType != PeriodRolling && rule.PeriodHours != 0 {
			return errors.Errorf("upstream %q %s rule must not set period_hours", u.Name, rule.PeriodType)
		}
		if err := upstreamValidator.Struct(rule); err != nil {
			return errors.Wrapf(err, "upstream %q spending rule", u.Name)
		}
	}
	if mig := u.GetAffinityMigration(); mig != nil && mig.Enabled {
		if mig.Metric != AffinityMetricTokens && mig.Metric != AffinityMetricLength {
			return errors.Errorf("upstream %q affinity migration metric %q is unknown", u.Name, mig.Metric)
		}
		if mig.Threshold <= 0 {
			return errors.Errorf("upstream %q affinity migration threshold must be positive", u.Name)
		}
	}
	return nil
}

// GetRouteCapabilities decodes the capability set column.
func (u *Upstream) GetRouteCapabilities() []capability.Capability {
	if u.RouteCapabilities == "" {
		return nil
	}
	var caps []capability.Capability
	if err := json.Unmarshal([]byte(u.RouteCapabilities), &caps); err != nil {
		return nil
	}
	return caps
}

// SetRouteCapabilities encodes the capability set column.
func (u *Upstream) SetRouteCapabilities(caps []capability.Capability) error {
	raw, err := json.Marshal(caps)
	if err != nil {
		return errors.Wrap(err, "marshal route capabilities")
	}
	u.RouteCapabilities = string(raw)
	return nil
}

// HasCapability reports whether the upstream advertises c.
func (u *Upstream) HasCapability(c capability.Capability) bool {
	for _, have := range u.GetRouteCapabilities() {
		if have == c {
			return true
		}
	}
	return false
}

// GetAllowedModels decodes the model allow-list. nil means every model is
// allowed; an empty non-nil list allows none.
func (u *Upstream) GetAllowedModels() []string {
	if u.AllowedModels == nil {
		return nil
	}
	models := []string{}
	if err := json.Unmarshal([]byte(*u.AllowedModels), &models); err != nil {
		return []string{}
	}
	return models
}

// SetAllowedModels encodes the allow-list; pass nil to allow every model.
func (u *Upstream) SetAllowedModels(models []string) error {
	if models == nil {
		u.AllowedModels = nil
		return nil
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return errors.Wrap(err, "marshal allowed models")
	}
	s := string(raw)
	u.AllowedModels = &s
	return nil
}

// AllowsModel applies the allow-list to a model name that already went
// through this upstream's redirect.
func (u *Upstream) AllowsModel(model string) bool {
	allowed := u.GetAllowedModels()
	if allowed == nil {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// GetModelRedirects decodes the redirect map column.
func (u *Upstream) GetModelRedirects() map[string]string {
	if u.ModelRedirects == nil {
		return nil
	}
	redirects := map[string]string{}
	if err := json.Unmarshal([]byte(*u.ModelRedirects), &redirects); err != nil {
		return nil
	}
	return redirects
}

// SetModelRedirects encodes the redirect map column.
func (u *Upstream) SetModelRedirects(redirects map[string]string) error {
	if redirects == nil {
		u.ModelRedirects = nil
		return nil
	}
	raw, err := json.Marshal(redirects)
	if err != nil {
		return errors.Wrap(err, "marshal model redirects")
	}
	s := string(raw)
	u.ModelRedirects = &s
	return nil
}

// RedirectModel maps the requested model to this upstream's outbound name.
func (u *Upstream) RedirectModel(model string) string {
	if to, ok := u.GetModelRedirects()[model]; ok && to != "" {
		return to
	}
	return model
}

// GetSpendingRules decodes the rule list column.
func (u *Upstream) GetSpendingRules() []SpendingRule {
	if u.SpendingRules == "" {
		return nil
	}
	var rules []SpendingRule
	if err := json.Unmarshal([]byte(u.SpendingRules), &rules); err != nil {
		return nil
	}
	return rules
}

// SetSpendingRules encodes the rule list column.
func (u *Upstream) SetSpendingRules(rules []SpendingRule) error {
	if rules == nil {
		u.SpendingRules = ""
		return nil
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return errors.Wrap(err, "marshal spending rules")
	}
	u.SpendingRules = string(raw)
	return nil
}

// GetAffinityMigration decodes the migration config column.
func (u *Upstream) GetAffinityMigration() *AffinityMigration {
	if u.AffinityMigrationCfg == nil {
		return nil
	}
	var mig AffinityMigration
	if err := json.Unmarshal([]byte(*u.AffinityMigrationCfg), &mig); err != nil {
		return nil
	}
	return &mig
}

// SetAffinityMigration encodes the migration config column.
func (u *Upstream) SetAffinityMigration(mig *AffinityMigration) error {
	if mig == nil {
		u.AffinityMigrationCfg = nil
		return nil
	}
	raw, err := json.Marshal(mig)
	if err != nil {
		return errors.Wrap(err, "marshal affinity migration")
	}
	s := string(raw)
	u.AffinityMigrationCfg = &s
	return nil
}

// Credential decrypts the upstream API key. Called lazily, only once the
// upstream has actually been selected.
func (u *Upstream) Credential() (string, error) {
	value, err := common.DecryptSecret(u.APIKeyEncrypted)
	if err != nil {
		return "", errors.Wrapf(err, "decrypt credential of upstream %d", u.Id)
	}
	return value, nil
}

// TimeoutSeconds returns the per-attempt timeout, defaulted when unset.
func (u *Upstream) TimeoutSeconds() int {
	if u.TimeoutSec <= 0 {
		return 300
	}
	return u.TimeoutSec
}

// Insert validates and stores an upstream together with its breaker row.
func (u *Upstream) Insert() error {
	if err := u.Validate(); err != nil {
		return err
	}
	if err := DB.Create(u).Error; err != nil {
		return errors.Wrap(err, "insert upstream")
	}
	state := &CircuitBreakerState{UpstreamId: u.Id, State: BreakerClosed}
	return errors.Wrap(DB.Create(state).Error, "insert breaker state")
}

// ListUpstreams returns every upstream row.
func ListUpstreams() ([]*Upstream, error) {
	var upstreams []*Upstream
	if err := DB.Order("priority asc, id asc").Find(&upstreams).Error; err != nil {
		return nil, errors.Wrap(err, "list upstreams")
	}
	return upstreams, nil
}

// GetUpstreamById loads one upstream row.
func GetUpstreamById(id int64) (*Upstream, error) {
	var upstream Upstream
	if err := DB.First(&upstream, id).Error; err != nil {
		return nil, errors.Wrap(err, "get upstream by id")
	}
	return &upstream, nil
}
