package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/ctxkey"
	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/capability"
	"github.com/causewayapi/causeway/relay/meta"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:middleware_test_%s_%d?mode=memory&cache=shared",
		t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.MigrateAll(db))
	prev := model.DB
	model.DB = db
	t.Cleanup(func() { model.DB = prev })

	prevSecret := config.SecretKey
	config.SecretKey = "middleware-test-secret"
	t.Cleanup(func() { config.SecretKey = prevSecret })
}

func newContext(t *testing.T, method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	c.Request = httptest.NewRequest(method, target, reader)
	return c, w
}

func seedKey(t *testing.T, raw string, mutate func(*model.ApiKey)) *model.ApiKey {
	t.Helper()
	key := &model.ApiKey{Name: "test-key", Active: true}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, key.Insert(raw))
	return key
}

func newKeystore(t *testing.T) *model.Keystore {
	t.Helper()
	ks := model.NewKeystore()
	require.NoError(t, ks.Refresh(context.Background()))
	return ks
}

func TestKeyAuthResolvesBearer(t *testing.T) {
	newTestDB(t)
	seeded := seedKey(t, "sk-downstream-valid", nil)
	ks := newKeystore(t)

	c, w := newContext(t, http.MethodPost, "/v1/chat/completions", `{}`)
	c.Request.Header.Set("Authorization", "Bearer sk-downstream-valid")
	KeyAuth(ks)(c)

	require.False(t, c.IsAborted(), w.Body.String())
	resolved, ok := c.Get(ctxkey.ApiKey)
	require.True(t, ok)
	assert.Equal(t, seeded.Id, resolved.(*model.ApiKey).Id)
}

func TestKeyAuthAcceptsAlternateCarriers(t *testing.T) {
	newTestDB(t)
	seedKey(t, "sk-downstream-valid", nil)
	ks := newKeystore(t)

	cases := map[string]func(c *gin.Context){
		"x-api-key": func(c *gin.Context) {
			c.Request.Header.Set("X-Api-Key", "sk-downstream-valid")
		},
		"x-goog-api-key": func(c *gin.Context) {
			c.Request.Header.Set("X-Goog-Api-Key", "sk-downstream-valid")
		},
		"query": func(c *gin.Context) {
			c.Request.URL.RawQuery = "key=sk-downstream-valid"
		},
	}
	for name, attach := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newContext(t, http.MethodPost, "/v1/messages", `{}`)
			attach(c)
			KeyAuth(ks)(c)
			assert.False(t, c.IsAborted())
		})
	}
}

func TestKeyAuthRejects(t *testing.T) {
	newTestDB(t)
	past := time.Now().Add(-time.Hour).UnixMilli()
	seedKey(t, "sk-inactive", func(k *model.ApiKey) { k.Active = false })
	seedKey(t, "sk-expired", func(k *model.ApiKey) { k.ExpiresAt = &past })
	ks := newKeystore(t)

	for name, raw := range map[string]string{
		"unknown":  "sk-never-issued",
		"inactive": "sk-inactive",
		"expired":  "sk-expired",
		"missing":  "",
	} {
		t.Run(name, func(t *testing.T) {
			c, w := newContext(t, http.MethodPost, "/v1/chat/completions", `{}`)
			if raw != "" {
				c.Request.Header.Set("Authorization", "Bearer "+raw)
			}
			KeyAuth(ks)(c)
			assert.True(t, c.IsAborted())
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "causeway_error")
		})
	}
}

func TestAdminAuth(t *testing.T) {
	prev := config.AdminToken
	config.AdminToken = "top-secret-admin"
	t.Cleanup(func() { config.AdminToken = prev })

	c, _ := newContext(t, http.MethodGet, "/api/upstreams", "")
	c.Request.Header.Set("Authorization", "Bearer top-secret-admin")
	AdminAuth()(c)
	assert.False(t, c.IsAborted())

	c2, w2 := newContext(t, http.MethodGet, "/api/upstreams", "")
	c2.Request.Header.Set("Authorization", "Bearer wrong")
	AdminAuth()(c2)
	assert.True(t, c2.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w2.Code)
}

func TestAdminAuthEmptyConfiguredTokenDeniesAll(t *testing.T) {
	prev := config.AdminToken
	config.AdminToken = ""
	t.Cleanup(func() { config.AdminToken = prev })

	c, w := newContext(t, http.MethodGet, "/api/upstreams", "")
	c.Request.Header.Set("Authorization", "Bearer ")
	AdminAuth()(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDistributeChatCompletions(t *testing.T) {
	c, _ := newContext(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[]}`)
	c.Request.Header.Set("X-Session-Id", "sess-7")
	Distribute()(c)

	require.False(t, c.IsAborted())
	m := meta.GetByContext(c)
	require.NotNil(t, m)
	assert.Equal(t, capability.OpenAIChatCompletions, m.Capability)
	assert.Equal(t, "gpt-4o", m.RequestModel)
	assert.True(t, m.IsStream)
	assert.Equal(t, "sess-7", m.SessionID)
	assert.False(t, m.SessionCompensated)
	assert.Equal(t, "/v1/chat/completions", m.UpstreamPath)
	assert.NotEmpty(t, m.RequestID)
}

func TestDistributeGoogleModelFromPath(t *testing.T) {
	c, _ := newContext(t, http.MethodPost,
		"/google/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", `{}`)
	Distribute()(c)

	require.False(t, c.IsAborted())
	m := meta.GetByContext(c)
	require.NotNil(t, m)
	assert.Equal(t, capability.GoogleStreamGenerateContent, m.Capability)
	assert.Equal(t, "gemini-2.0-flash", m.RequestModel)
	assert.True(t, m.IsStream)
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", m.UpstreamPath)
	assert.Equal(t, "alt=sse", m.RawQuery)
}

func TestDistributeAnthropicAliasPath(t *testing.T) {
	c, _ := newContext(t, http.MethodPost, "/anthropic/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":64}`)
	Distribute()(c)

	require.False(t, c.IsAborted())
	m := meta.GetByContext(c)
	require.NotNil(t, m)
	assert.Equal(t, capability.AnthropicMessages, m.Capability)
	assert.Equal(t, "/v1/messages", m.UpstreamPath, "alias strips the family prefix")
	assert.False(t, m.IsStream)
}

func TestDistributeSessionFromCookie(t *testing.T) {
	c, _ := newContext(t, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o"}`)
	c.Request.AddCookie(&http.Cookie{Name: sessionCookie, Value: "cookie-sess"})
	Distribute()(c)

	require.False(t, c.IsAborted())
	m := meta.GetByContext(c)
	require.NotNil(t, m)
	assert.Equal(t, "cookie-sess", m.SessionID)
	assert.True(t, m.SessionCompensated)
}

func TestDistributeProxyNeverPeeksBody(t *testing.T) {
	c, _ := newContext(t, http.MethodPut, "/proxy/admin/reindex", `not json at all`)
	Distribute()(c)

	require.False(t, c.IsAborted())
	m := meta.GetByContext(c)
	require.NotNil(t, m)
	assert.Equal(t, capability.CustomProxy, m.Capability)
	assert.Empty(t, m.RequestModel)
	assert.Equal(t, "/admin/reindex", m.UpstreamPath)
}

func TestDistributeRejectsUnknownRoute(t *testing.T) {
	c, w := newContext(t, http.MethodPost, "/v1/images/generations", `{"model":"dall-e-3"}`)
	Distribute()(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDistributeRequiresModel(t *testing.T) {
	c, w := newContext(t, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)
	Distribute()(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIdEchoedAndReused(t *testing.T) {
	c, w := newContext(t, http.MethodGet, "/api/status", "")
	RequestId()(c)
	generated := w.Header().Get(helper.RequestIdKey)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, c.GetString(helper.RequestIdKey))

	c2, w2 := newContext(t, http.MethodGet, "/api/status", "")
	c2.Request.Header.Set(helper.RequestIdKey, "client-supplied-id")
	RequestId()(c2)
	assert.Equal(t, "client-supplied-id", w2.Header().Get(helper.RequestIdKey))
}
