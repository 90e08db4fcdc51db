package proxy

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	relaymodel "github.com/causewayapi/causeway/relay/model"
	"github.com/causewayapi/causeway/relay/usage"
)

// nonStreamBufferCap bounds how much of a non-stream body is retained for
// usage parsing. Larger bodies still proxy fully; only billing loses the
// usage block.
const nonStreamBufferCap = 10 << 20

// RelayNonStream forwards a buffered response body downstream while teeing
// up to 10 MiB for usage extraction.
func RelayNonStream(c *gin.Context, statusCode int, header http.Header, body io.Reader, startedAt time.Time) (*Result, error) {
	CopyResponseHeaders(c, header)
	c.Status(statusCode)

	result := &Result{Usage: &relaymodel.Usage{}}
	var buf bytes.Buffer
	overflowed := false

	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if result.TTFTMs == nil {
				ttft := time.Since(startedAt).Milliseconds()
				result.TTFTMs = &ttft
			}
			written, werr := c.Writer.Write(chunk[:n])
			result.BytesWritten += int64(written)
			if werr != nil {
				result.Truncated = true
				return result, errors.Wrap(werr, "write downstream")
			}
			if !overflowed {
				if buf.Len()+n > nonStreamBufferCap {
					overflowed = true
					buf.Reset()
				} else {
					buf.Write(chunk[:n])
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Truncated = true
			return result, errors.Wrap(err, "read upstream body")
		}
	}

	if !overflowed && buf.Len() > 0 {
		result.Usage = usage.Extract(buf.Bytes())
	}
	return result, nil
}

// hopByHopResponse are response headers that must not be forwarded.
var hopByHopResponse = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
	"Content-Length":    true,
}

// CopyResponseHeaders mirrors the upstream response headers downstream,
// minus hop-by-hop ones.
func CopyResponseHeaders(c *gin.Context, header http.Header) {
	for name, values := range header {
		if hopByHopResponse[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
}
