package model

import (
	"fmt"
	"net/http"
)

// ErrorType tags client-facing errors with their origin so callers can tell
// a gateway-generated failure from one relayed back from an upstream.
type ErrorType string

const (
	// ErrorTypeGateway marks errors produced by the gateway itself: auth
	// failures, routing dead ends, malformed requests.
	ErrorTypeGateway ErrorType = "causeway_error"
	// ErrorTypeUpstream marks errors that originate from an upstream
	// provider and are surfaced through the gateway.
	ErrorTypeUpstream ErrorType = "upstream_error"
)

// Error is the client-facing error payload, shaped like the error object of
// the OpenAI-compatible APIs the gateway fronts.
type Error struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
	Code    any       `json:"code,omitempty"`

	// RawError keeps the underlying error for logging and retry
	// classification. Never serialized.
	RawError error `json:"-"`
}

func (e Error) Error() string {
	if e.RawError != nil {
		return e.RawError.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (e Error) Unwrap() error {
	return e.RawError
}

// ErrorWithStatusCode pairs an Error with the HTTP status the gateway
// responds with.
type ErrorWithStatusCode struct {
	Error
	StatusCode int `json:"status_code"`
}

// ErrorWrapper builds a gateway-originated ErrorWithStatusCode from err.
func ErrorWrapper(err error, code string, statusCode int) *ErrorWithStatusCode {
	return &ErrorWithStatusCode{
		Error: Error{
			Message:  err.Error(),
			Type:     ErrorTypeGateway,
			Code:     code,
			RawError: err,
		},
		StatusCode: statusCode,
	}
}

// UpstreamError builds an ErrorWithStatusCode for a failure reported by an
// upstream provider, preserving the upstream status code.
func UpstreamError(statusCode int, message string) *ErrorWithStatusCode {
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", statusCode)
	}
	return &ErrorWithStatusCode{
		Error: Error{
			Message: message,
			Type:    ErrorTypeUpstream,
			Code:    statusCode,
		},
		StatusCode: statusCode,
	}
}

// InternalError is shorthand for a 500-class gateway error.
func InternalError(err error, code string) *ErrorWithStatusCode {
	return ErrorWrapper(err, code, http.StatusInternalServerError)
}
