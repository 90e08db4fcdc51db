package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/gin-gonic/gin"

	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/ctxkey"
	"github.com/causewayapi/causeway/model"
)

// extractDownstreamKey pulls the client credential from whichever carrier
// the provider dialect uses: bearer Authorization, the anthropic x-api-key
// header, the google x-goog-api-key header or the google ?key= query.
func extractDownstreamKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := c.GetHeader("X-Api-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if key := c.GetHeader("X-Goog-Api-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(c.Query("key"))
}

// KeyAuth authenticates the downstream api key against the keystore and
// stores the resolved row on the context. Unknown, inactive and expired keys
// all fail identically.
func KeyAuth(ks *model.Keystore) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractDownstreamKey(c)
		if raw == "" {
			AbortWithError(c, http.StatusUnauthorized, errors.New("missing api key"))
			return
		}

		key, err := ks.Resolve(gmw.Ctx(c), model.HashKey(raw))
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, errors.New("invalid api key"))
			return
		}

		c.Set(ctxkey.ApiKey, key)
		c.Set(ctxkey.ApiKeyId, key.Id)
		c.Next()
	}
}

// AdminAuth guards the admin API with the static bearer token from config.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if config.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(config.AdminToken)) != 1 {
			AbortWithError(c, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		c.Next()
	}
}
