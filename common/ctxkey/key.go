// Package ctxkey centralizes the gin context keys shared across middlewares,
// the relay pipeline and controllers so that producers and consumers cannot
// drift apart.
package ctxkey

const (
	// RequestBody caches the raw request body so it can be re-read across
	// failover attempts.
	RequestBody = "causeway_request_body"

	// ApiKey holds the resolved *model.ApiKey after authentication.
	ApiKey = "api_key"
	// ApiKeyId holds the numeric id of the authenticated key.
	ApiKeyId = "api_key_id"

	// Capability holds the capability derived from method+path.
	Capability = "capability"
	// RequestModel holds the model name requested by the client, before any
	// upstream redirect is applied.
	RequestModel = "request_model"
	// SessionId holds the logical conversation id when the client sent one.
	SessionId = "session_id"
	// IsStream marks requests that asked for a streamed response.
	IsStream = "is_stream"

	// RelayMeta holds the *meta.Meta assembled by the distributor.
	RelayMeta = "relay_meta"

	// RequestStartTime marks when the request entered the relay pipeline.
	RequestStartTime = "request_start_time"
)
