// Package controller holds the admin API handlers: upstream management,
// breaker and quota control, key issuance and the reload endpoint.
package controller

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/middleware"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/breaker"
	"github.com/causewayapi/causeway/relay/capability"
	relaycontroller "github.com/causewayapi/causeway/relay/controller"
	"github.com/causewayapi/causeway/relay/pricing"
	"github.com/causewayapi/causeway/relay/quota"
)

// Admin bundles the shared state the admin handlers operate on.
type Admin struct {
	Upstreams *model.UpstreamCache
	Keystore  *model.Keystore
	Breakers  *breaker.Registry
	Quota     *quota.Tracker
	Catalog   *pricing.Catalog
	Relayer   *relaycontroller.Relayer

	StartedAt time.Time
}

// UpstreamView is the redacted API shape of an upstream: decoded JSON
// columns, no credential.
type UpstreamView struct {
	Id      int64  `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`

	Priority int `json:"priority"`
	Weight   int `json:"weight"`

	RouteCapabilities []capability.Capability  `json:"route_capabilities"`
	AllowedModels     []string                 `json:"allowed_models,omitempty"`
	ModelRedirects    map[string]string        `json:"model_redirects,omitempty"`
	SpendingRules     []model.SpendingRule     `json:"spending_rules,omitempty"`
	AffinityMigration *model.AffinityMigration `json:"affinity_migration,omitempty"`

	BillingInputMultiplier  float64 `json:"billing_input_multiplier"`
	BillingOutputMultiplier float64 `json:"billing_output_multiplier"`

	TimeoutSec int  `json:"timeout_sec"`
	Active     bool `json:"active"`

	BreakerState string `json:"breaker_state,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

func (a *Admin) upstreamView(u *model.Upstream) (*UpstreamView, error) {
	view := &UpstreamView{}
	if err := copier.Copy(view, u); err != nil {
		return nil, errors.Wrap(err, "copy upstream view")
	}
	// copier matches by name; the JSON-typed columns need their decoders.
	view.RouteCapabilities = u.GetRouteCapabilities()
	view.AllowedModels = u.GetAllowedModels()
	view.ModelRedirects = u.GetModelRedirects()
	view.SpendingRules = u.GetSpendingRules()
	view.AffinityMigration = u.GetAffinityMigration()
	if a.Breakers != nil {
		view.BreakerState = a.Breakers.Get(u.Id).Snapshot().State.String()
	}
	return view, nil
}

// ListUpstreams serves GET /api/upstreams.
func (a *Admin) ListUpstreams(c *gin.Context) {
	rows, err := model.ListUpstreams()
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]*UpstreamView, 0, len(rows))
	for _, u := range rows {
		view, err := a.upstreamView(u)
		if err != nil {
			middleware.AbortWithError(c, http.StatusInternalServerError, err)
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"upstreams": views})
}

// upstreamPayload is the admin write shape; the api key arrives in plaintext
// and is encrypted before it touches the database.
type upstreamPayload struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`

	Priority int `json:"priority"`
	Weight   int `json:"weight"`

	RouteCapabilities []capability.Capability  `json:"route_capabilities"`
	AllowedModels     []string                 `json:"allowed_models"`
	ModelRedirects    map[string]string        `json:"model_redirects"`
	SpendingRules     []model.SpendingRule     `json:"spending_rules"`
	AffinityMigration *model.AffinityMigration `json:"affinity_migration"`

	BillingInputMultiplier  *float64 `json:"billing_input_multiplier"`
	BillingOutputMultiplier *float64 `json:"billing_output_multiplier"`

	TimeoutSec int   `json:"timeout_sec"`
	Active     *bool `json:"active"`
}

// CreateUpstream serves POST /api/upstreams.
func (a *Admin) CreateUpstream(c *gin.Context) {
	var payload upstreamPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.Wrap(err, "decode upstream"))
		return
	}
	if payload.APIKey == "" {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.New("api_key is required"))
		return
	}

	encrypted, err := common.EncryptSecret(payload.APIKey)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}

	up := &model.Upstream{
		Name:            payload.Name,
		BaseURL:         payload.BaseURL,
		APIKeyEncrypted: encrypted,
		Priority:        payload.Priority,
		Weight:          payload.Weight,
		TimeoutSec:      payload.TimeoutSec,

		BillingInputMultiplier:  1,
		BillingOutputMultiplier: 1,
		Active:                  true,
	}
	if up.Weight == 0 {
		up.Weight = 1
	}
	if payload.BillingInputMultiplier != nil {
		up.BillingInputMultiplier = *payload.BillingInputMultiplier
	}
	if payload.BillingOutputMultiplier != nil {
		up.BillingOutputMultiplier = *payload.BillingOutputMultiplier
	}
	if payload.Active != nil {
		up.Active = *payload.Active
	}
	if err := up.SetRouteCapabilities(payload.RouteCapabilities); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := up.SetAllowedModels(payload.AllowedModels); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := up.SetModelRedirects(payload.ModelRedirects); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := up.SetSpendingRules(payload.SpendingRules); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := up.SetAffinityMigration(payload.AffinityMigration); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}

	if err := up.Insert(); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := a.Upstreams.Refresh(gmw.Ctx(c)); err != nil {
		gmw.GetLogger(c).Warn("refresh upstream cache after create", zap.Error(err))
	}

	view, err := a.upstreamView(up)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ForceBreaker serves POST /api/upstreams/:id/circuit_breaker with body
// {"action":"open"|"close"}.
func (a *Admin) ForceBreaker(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.New("invalid upstream id"))
		return
	}
	if _, ok := a.Upstreams.Get(id); !ok {
		middleware.AbortWithError(c, http.StatusNotFound, errors.Errorf("upstream %d not found", id))
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.Wrap(err, "decode action"))
		return
	}

	brk := a.Breakers.Get(id)
	switch body.Action {
	case "open":
		brk.ForceOpen()
	case "close":
		brk.ForceClose()
	default:
		middleware.AbortWithError(c, http.StatusBadRequest,
			errors.Errorf("unknown action %q, want open or close", body.Action))
		return
	}

	snap := brk.Snapshot()
	gmw.GetLogger(c).Info("breaker forced",
		zap.Int64("upstream_id", id), zap.String("action", body.Action))
	c.JSON(http.StatusOK, gin.H{
		"upstream_id": id,
		"state":       snap.State.String(),
	})
}

// QuotaStatus serves GET /api/upstreams/:id/quota.
func (a *Admin) QuotaStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.New("invalid upstream id"))
		return
	}
	if _, ok := a.Upstreams.Get(id); !ok {
		middleware.AbortWithError(c, http.StatusNotFound, errors.Errorf("upstream %d not found", id))
		return
	}

	rules := a.Quota.Status(id)
	exceeded := false
	for _, rule := range rules {
		if rule.Exceeded {
			exceeded = true
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"upstream_id": id,
		"rules":       rules,
		"is_exceeded": exceeded,
	})
}

// keyPayload is the admin shape for issuing a downstream key.
type keyPayload struct {
	Name               string  `json:"name"`
	ExpiresAt          *int64  `json:"expires_at"`
	AllowedUpstreamIds []int64 `json:"allowed_upstream_ids"`
}

// CreateKey serves POST /api/keys. The raw value is returned exactly once;
// afterwards only the reveal endpoint can recover it.
func (a *Admin) CreateKey(c *gin.Context) {
	var payload keyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.Wrap(err, "decode key"))
		return
	}
	if payload.Name == "" {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	raw, err := generateKeyValue()
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}

	key := &model.ApiKey{
		Name:      payload.Name,
		Active:    true,
		ExpiresAt: payload.ExpiresAt,
	}
	if err := key.SetAllowedUpstreamIds(payload.AllowedUpstreamIds); err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := key.Insert(raw); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	if err := a.Keystore.Refresh(gmw.Ctx(c)); err != nil {
		gmw.GetLogger(c).Warn("refresh keystore after create", zap.Error(err))
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         key.Id,
		"name":       key.Name,
		"key":        raw,
		"key_prefix": key.KeyPrefix,
		"expires_at": key.ExpiresAt,
	})
}

// ListKeys serves GET /api/keys.
func (a *Admin) ListKeys(c *gin.Context) {
	keys, err := model.ListApiKeys()
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevealKey serves GET /api/keys/:id/reveal, gated by ALLOW_KEY_REVEAL.
func (a *Admin) RevealKey(c *gin.Context) {
	if !config.AllowKeyReveal {
		middleware.AbortWithError(c, http.StatusForbidden, errors.New("key reveal is disabled"))
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, http.StatusBadRequest, errors.New("invalid key id"))
		return
	}
	key, err := model.GetApiKeyById(id)
	if err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, errors.Errorf("key %d not found", id))
		return
	}
	value, err := key.RevealValue()
	if err != nil {
		if errors.Is(err, model.ErrLegacyKey) {
			middleware.AbortWithError(c, http.StatusConflict, model.ErrLegacyKey)
			return
		}
		middleware.AbortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": key.Id, "key": value})
}

// Reload serves POST /api/reload: upstream set, keystore, price catalog and
// header compensation rules, in that order.
func (a *Admin) Reload(c *gin.Context) {
	ctx := gmw.Ctx(c)
	if err := a.Upstreams.Refresh(ctx); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, errors.Wrap(err, "reload upstreams"))
		return
	}
	if err := a.Keystore.Refresh(ctx); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, errors.Wrap(err, "reload keystore"))
		return
	}
	if err := a.Catalog.Refresh(ctx); err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, errors.Wrap(err, "reload price catalog"))
		return
	}
	if a.Relayer != nil {
		if err := a.Relayer.ReloadHeaderRules(); err != nil {
			middleware.AbortWithError(c, http.StatusInternalServerError, errors.Wrap(err, "reload header rules"))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// Status serves GET /api/status, the unauthenticated liveness probe.
func (a *Admin) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(a.StartedAt).Seconds()),
	})
}

// generateKeyValue returns a fresh downstream key: the cw- prefix plus 48
// hex characters of CSPRNG output.
func generateKeyValue() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random key material")
	}
	return "cw-" + hex.EncodeToString(buf), nil
}
