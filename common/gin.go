package common

import (
	"bytes"
	"io"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/causewayapi/causeway/common/ctxkey"
)

// GetRequestBody reads and caches the request body in the gin context so the
// relay can replay it across failover attempts without re-reading the wire.
func GetRequestBody(c *gin.Context) ([]byte, error) {
	if cached, _ := c.Get(ctxkey.RequestBody); cached != nil {
		return cached.([]byte), nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	_ = c.Request.Body.Close()
	c.Set(ctxkey.RequestBody, body)

	// Leave a fresh reader in place for anything that still binds from the
	// request directly.
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SetEventStreamHeaders configures the response headers required for
// server-sent event pass-through.
func SetEventStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}
