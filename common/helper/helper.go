package helper

import (
	"fmt"
	"time"

	gutils "github.com/Laisky/go-utils/v6"
)

const (
	// RequestIdKey is both the gin context key and the response header that
	// carries the request identifier.
	RequestIdKey = "X-Causeway-Request-Id"
)

// GenRequestID returns a time-ordered unique id (UUIDv7) used for request
// ids and request-log primary keys.
func GenRequestID() string {
	return gutils.UUID7()
}

// GetTimestamp returns the current unix time in seconds.
func GetTimestamp() int64 {
	return time.Now().Unix()
}

// NowMilli returns the current unix time in milliseconds, the resolution all
// persisted timestamps use.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// MaskAPIKey masks a credential for safe logging: the first 6 and last 4
// characters survive, anything shorter than 12 characters collapses to
// "***" entirely.
func MaskAPIKey(key string) string {
	if len(key) < 12 {
		return "***"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

// MessageWithRequestId appends the request id to a client-facing error
// message so users can quote it when reporting problems.
func MessageWithRequestId(message string, id string) string {
	if id == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, id)
}
