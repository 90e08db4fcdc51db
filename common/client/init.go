// Package client holds the shared outbound HTTP clients.
package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/causewayapi/causeway/common/config"
)

// HTTPClient is the relay client. It carries no client-level timeout unless
// RELAY_TIMEOUT is set; per-attempt deadlines come from the request context
// so streaming responses are not cut off mid-flight.
var HTTPClient *http.Client

// ImpatientHTTPClient is a short-timeout client for quick metadata calls.
var ImpatientHTTPClient *http.Client

// Init builds the shared clients. HTTP/2 is disabled on the relay transport:
// SSE pass-through over HTTP/1.1 avoids stream-reset errors some upstreams
// exhibit under h2.
func Init() {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSNextProto:        make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}

	HTTPClient = &http.Client{Transport: transport}
	if config.RelayTimeoutSec > 0 {
		HTTPClient.Timeout = time.Duration(config.RelayTimeoutSec) * time.Second
	}

	ImpatientHTTPClient = &http.Client{
		Timeout:   5 * time.Second,
		Transport: transport,
	}
}
