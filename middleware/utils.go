// Package middleware carries the gin middlewares of the ingress path:
// request ids, downstream key auth, admin auth and the distributor that
// assembles the relay meta.
package middleware

import (
	"strconv"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/causewayapi/causeway/common/helper"
	"github.com/causewayapi/causeway/common/metrics"
	relaymodel "github.com/causewayapi/causeway/relay/model"
)

// AbortWithError rejects the request with an OpenAI-style error envelope.
// Client-caused statuses log at WARN, server-side failures at ERROR.
func AbortWithError(c *gin.Context, statusCode int, err error) {
	lg := gmw.GetLogger(c)
	if statusCode >= 400 && statusCode < 500 {
		lg.Warn("request aborted",
			zap.Int("status_code", statusCode),
			zap.Error(err))
	} else {
		lg.Error("request aborted",
			zap.Int("status_code", statusCode),
			zap.Error(err))
	}

	metrics.GlobalRecorder.RecordError("http_"+strconv.Itoa(statusCode), "middleware")
	c.JSON(statusCode, gin.H{
		"error": gin.H{
			"message": helper.MessageWithRequestId(err.Error(), c.GetString(helper.RequestIdKey)),
			"type":    string(relaymodel.ErrorTypeGateway),
		},
	})
	c.Abort()
}

// RequestId assigns each request a time-ordered id and echoes it in the
// response header. A client-provided id is kept so retries correlate.
func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(helper.RequestIdKey)
		if id == "" {
			id = helper.GenRequestID()
		}
		c.Set(helper.RequestIdKey, id)
		c.Header(helper.RequestIdKey, id)
		c.Next()
	}
}
