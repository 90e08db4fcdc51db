// Package router registers the HTTP surface: the relay routes, the admin
// API and the operational endpoints.
package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/controller"
	"github.com/causewayapi/causeway/middleware"
	"github.com/causewayapi/causeway/model"
	relaycontroller "github.com/causewayapi/causeway/relay/controller"
)

// Dependencies is the shared state the routes close over.
type Dependencies struct {
	Keystore *model.Keystore
	Relayer  *relaycontroller.Relayer
	Admin    *controller.Admin
}

// SetRouter attaches every route to the engine. The relay group stays
// uncompressed; gzip between gateway and client breaks SSE pass-through.
func SetRouter(engine *gin.Engine, deps *Dependencies) {
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestId())
	engine.Use(httpMetrics())
	engine.Use(cors.New(corsConfig()))
	if config.OpenTelemetryEnabled {
		engine.Use(otelgin.Middleware(config.OpenTelemetryServiceName))
	}

	engine.GET("/api/status", deps.Admin.Status)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setRelayRouter(engine, deps)
	setAdminRouter(engine, deps)
}

func setRelayRouter(engine *gin.Engine, deps *Dependencies) {
	relay := engine.Group("")
	relay.Use(middleware.KeyAuth(deps.Keystore))
	relay.Use(middleware.Distribute())

	handle := deps.Relayer.Relay
	relay.POST("/v1/chat/completions", handle)
	relay.POST("/v1/completions", handle)
	relay.POST("/v1/embeddings", handle)
	relay.POST("/v1/responses", handle)
	relay.POST("/v1/messages", handle)
	relay.POST("/anthropic/v1/messages", handle)
	relay.POST("/google/v1beta/models/*model", handle)
	relay.Any("/proxy/*path", handle)
}

func setAdminRouter(engine *gin.Engine, deps *Dependencies) {
	api := engine.Group("/api")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.AdminAuth())

	api.GET("/upstreams", deps.Admin.ListUpstreams)
	api.POST("/upstreams", deps.Admin.CreateUpstream)
	api.POST("/upstreams/:id/circuit_breaker", deps.Admin.ForceBreaker)
	api.GET("/upstreams/:id/quota", deps.Admin.QuotaStatus)

	api.GET("/keys", deps.Admin.ListKeys)
	api.POST("/keys", deps.Admin.CreateKey)
	api.GET("/keys/:id/reveal", deps.Admin.RevealKey)

	api.POST("/reload", deps.Admin.Reload)
}

func corsConfig() cors.Config {
	return cors.Config{
		AllowOrigins: config.CORSOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-Api-Key", "X-Goog-Api-Key", "X-Session-Id",
		},
		ExposeHeaders:    []string{"X-Causeway-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

// httpMetrics feeds the global recorder with request counts, latency and the
// in-flight gauge, keyed by route template rather than raw path.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		metrics.GlobalRecorder.RecordHTTPActiveRequest(path, method, 1)
		defer metrics.GlobalRecorder.RecordHTTPActiveRequest(path, method, -1)

		c.Next()

		metrics.GlobalRecorder.RecordHTTPRequest(start, path, method,
			statusText(c.Writer.Status()))
	}
}

func statusText(code int) string {
	switch {
	case code < 100:
		return "0xx"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
