package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMCPConnectionFailed is returned when an agent process cannot be
	// spawned or is not ready to accept input.
	ErrMCPConnectionFailed = errors.New("agent connection failed")

	// ErrMCPTimeout is returned when an agent process does not report ready
	// within the configured timeout.
	ErrMCPTimeout = errors.New("agent ready timeout")

	// ErrRateLimitExceeded is returned when a connection exceeds its
	// per-window message allowance.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidMessage is returned when an inbound message fails validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInternal is returned on internal allocation or wiring failures.
	ErrInternal = errors.New("internal server error")
)

// Error codes exposed on the wire and in API responses.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeMCPConnectionFailed = "MCP_CONNECTION_FAILED"
	CodeMCPTimeout          = "MCP_TIMEOUT"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// ErrorCode maps an error to its stable wire code. Unknown errors map to
// INTERNAL_SERVER_ERROR so internal detail never leaks to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrMCPTimeout):
		return CodeMCPTimeout
	case errors.Is(err, ErrMCPConnectionFailed):
		return CodeMCPConnectionFailed
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodeInternal
	}
}
