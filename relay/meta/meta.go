// Package meta carries the per-request relay state assembled by the
// middlewares and consumed by the coordinator.
package meta

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/causewayapi/causeway/common/ctxkey"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/capability"
)

// Meta is everything the relay pipeline knows about one request before an
// upstream is selected.
type Meta struct {
	RequestID string
	StartTime time.Time

	Capability capability.Capability
	// UpstreamPath is the path to open on the selected upstream; it can
	// differ from the inbound path for aliased routes.
	UpstreamPath string
	Method       string
	RawQuery     string

	// RequestModel is the client-requested model, before any per-upstream
	// redirect.
	RequestModel string
	IsStream     bool

	SessionID string
	// SessionCompensated is set when the session id came from a compensation
	// source instead of the X-Session-Id header.
	SessionCompensated bool

	ApiKey *model.ApiKey
}

// GetByContext returns the meta assembled by the distributor, or nil when
// the request never went through it.
func GetByContext(c *gin.Context) *Meta {
	if v, ok := c.Get(ctxkey.RelayMeta); ok {
		if m, ok := v.(*Meta); ok {
			return m
		}
	}
	return nil
}

// Set stores the meta on the gin context.
func Set(c *gin.Context, m *Meta) {
	c.Set(ctxkey.RelayMeta, m)
}
