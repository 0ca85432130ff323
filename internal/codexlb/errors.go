package codexlb

import (
	"errors"
	"fmt"
)

// Sentinel errors for the load balancer domain.
var (
	ErrNoAccounts      = errors.New("no accounts")
	ErrAllBlocked      = errors.New("all accounts blocked")
	ErrAllDeactivated  = errors.New("all accounts deactivated")
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrStreamIncomplete = errors.New("stream ended without a terminal event")
)

// httpStatusError is implemented by errors that carry an explicit HTTP
// status code for uniform classification at the HTTP boundary.
type httpStatusError interface {
	HTTPStatus() int
}

// RefreshError is raised by the auth manager when a token refresh fails.
// Permanent indicates the refresh token itself is invalid or revoked: the
// proxy service reacts by deactivating the account. On a non-permanent
// error the proxy service records it and goes on to its next attempt;
// that attempt can select the same account again, so refreshes of one
// account within a request are bounded only by the attempt limit.
type RefreshError struct {
	Code      string
	Permanent bool
	Cause     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("auth refresh failed (code=%s permanent=%v): %v", e.Code, e.Permanent, e.Cause)
}

func (e *RefreshError) Unwrap() error { return e.Cause }

func (e *RefreshError) HTTPStatus() int {
	if e.Permanent {
		return 401
	}
	return 502
}

// ProxyResponseError carries an upstream HTTP status and parsed error
// envelope, raised when the caller requested HTTP-level error propagation
// instead of a terminal SSE event.
type ProxyResponseError struct {
	Status   int
	Envelope ErrorEnvelope
}

func (e *ProxyResponseError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Envelope.Error.Message)
}

func (e *ProxyResponseError) HTTPStatus() int { return e.Status }

// StreamIdleTimeoutError is raised when an open stream produces no bytes
// for longer than the configured idle timeout.
type StreamIdleTimeoutError struct{ IdleFor string }

func (e *StreamIdleTimeoutError) Error() string {
	return fmt.Sprintf("stream idle timeout after %s", e.IdleFor)
}

// StreamEventTooLargeError is raised when a single SSE event exceeds the
// configured maximum size.
type StreamEventTooLargeError struct{ Size, Limit int }

func (e *StreamEventTooLargeError) Error() string {
	return fmt.Sprintf("sse event too large: %d bytes (limit %d)", e.Size, e.Limit)
}

// ClientPayloadError is a 400/422-class error about the inbound request
// body: malformed JSON, a disallowed field, or a validation failure.
type ClientPayloadError struct {
	Param   string
	Message string
}

func (e *ClientPayloadError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid request: %s (param=%s)", e.Message, e.Param)
	}
	return fmt.Sprintf("invalid request: %s", e.Message)
}

func (e *ClientPayloadError) HTTPStatus() int { return 400 }

// ErrorEnvelope is the OpenAI-compatible error body.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the body of ErrorEnvelope.
type ErrorBody struct {
	Message         string  `json:"message"`
	Type            string  `json:"type"`
	Code            string  `json:"code,omitempty"`
	Param           *string `json:"param,omitempty"`
	PlanType        string  `json:"plan_type,omitempty"`
	ResetsAt        *int64  `json:"resets_at,omitempty"`
	ResetsInSeconds *int64  `json:"resets_in_seconds,omitempty"`
}

// ErrorStatus maps a classified error to its HTTP status code, following
// the taxonomy in the error handling design: client-payload (400/422),
// auth (401/403), routing (503), rate/quota (429), upstream transport
// (502/504).
func ErrorStatus(err error) int {
	var hse httpStatusError
	if errors.As(err, &hse) {
		return hse.HTTPStatus()
	}
	switch {
	case errors.Is(err, ErrNoAccounts), errors.Is(err, ErrAllBlocked), errors.Is(err, ErrAllDeactivated):
		return 503
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrBadRequest):
		return 400
	case errors.Is(err, ErrStreamIncomplete):
		return 502
	default:
		return 500
	}
}
