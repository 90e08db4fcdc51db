package middleware

import (
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/ctxkey"
	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/capability"
	"github.com/causewayapi/causeway/relay/meta"
)

// sessionCookie is the compensation source for clients that carry their
// conversation id in a cookie instead of the X-Session-Id header.
const sessionCookie = "causeway_session"

// Distribute derives the capability from the route, peeks the requested
// model and stream flag out of the body, resolves the session id and leaves
// an assembled *meta.Meta on the context for the coordinator.
func Distribute() gin.HandlerFunc {
	return func(c *gin.Context) {
		match, ok := capability.FromRequest(c.Request.Method, c.Request.URL.Path)
		if !ok {
			AbortWithError(c, http.StatusNotFound, errors.Errorf("unsupported route %s %s",
				c.Request.Method, c.Request.URL.Path))
			return
		}

		requestModel := match.Model
		isStream := match.Capability.IsStreamingOnly()
		profile := capability.ProfileFor(match.Capability)

		// The google family names its model in the path; everyone else names
		// it in the body. The proxy capability tunnels opaque payloads and
		// never peeks.
		if match.Capability != capability.CustomProxy && requestModel == "" {
			body, err := common.GetRequestBody(c)
			if err != nil {
				AbortWithError(c, http.StatusBadRequest, errors.Wrap(err, "read request body"))
				return
			}
			requestModel = gjson.GetBytes(body, "model").String()
			if requestModel == "" {
				AbortWithError(c, http.StatusBadRequest, errors.New("missing required field: model"))
				return
			}
			if profile.UsesStreamFlag {
				isStream = gjson.GetBytes(body, "stream").Bool()
			}
		}
		if c.Query("alt") == "sse" {
			isStream = true
		}

		sessionId := c.GetHeader("X-Session-Id")
		sessionCompensated := false
		if sessionId == "" {
			if v, err := c.Cookie(sessionCookie); err == nil && v != "" {
				sessionId = v
				sessionCompensated = true
			}
		}

		requestId := c.GetString(helper.RequestIdKey)
		if requestId == "" {
			requestId = helper.GenRequestID()
		}

		m := &meta.Meta{
			RequestID: requestId,
			StartTime: time.Now(),

			Capability:   match.Capability,
			UpstreamPath: match.UpstreamPath,
			Method:       c.Request.Method,
			RawQuery:     c.Request.URL.RawQuery,

			RequestModel: requestModel,
			IsStream:     isStream,

			SessionID:          sessionId,
			SessionCompensated: sessionCompensated,
		}
		if v, ok := c.Get(ctxkey.ApiKey); ok {
			if key, ok := v.(*model.ApiKey); ok {
				m.ApiKey = key
			}
		}

		c.Set(ctxkey.Capability, string(match.Capability))
		c.Set(ctxkey.RequestModel, requestModel)
		c.Set(ctxkey.SessionId, sessionId)
		c.Set(ctxkey.IsStream, isStream)
		meta.Set(c, m)
		c.Next()
	}
}
