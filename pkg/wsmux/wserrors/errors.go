// Package wserrors defines the error kinds surfaced by the socket
// multiplexing and subscription lifecycle engine.
package wserrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra payload.
// Callers compare with errors.Is.
var (
	// ErrInvalidOperation indicates the client was used after Dispose.
	ErrInvalidOperation = errors.New("invalid operation: client is disposing or disposed")
	// ErrNoCredentials indicates an authenticated subscription or query was
	// requested but no API credentials were configured.
	ErrNoCredentials = errors.New("no credentials configured for authenticated request")
	// ErrCantConnect indicates the transport never opened.
	ErrCantConnect = errors.New("could not connect to socket")
	// ErrConnectionLost indicates the transport dropped mid-operation.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCancellationRequested indicates the caller cancelled, or a query
	// timed out (timeouts are reported identically to cancellation so a
	// leaked server-side subscription is always cleaned up).
	ErrCancellationRequested = errors.New("cancellation requested")
	// ErrSocketPaused indicates the connection is mid-reconnect and not
	// accepting new subscriptions.
	ErrSocketPaused = errors.New("socket paused")
)

// ServerError is a server-signaled failure, e.g. a non-OK sub-query
// acknowledgement. The message is exchange-specific text passed through
// verbatim.
type ServerError struct {
	Message string
}

// NewServerError builds a ServerError from server-reported text.
func NewServerError(message string) *ServerError {
	return &ServerError{Message: message}
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// AuthenticationFailed wraps the inner error returned by a connection's
// authentication step. On this error, the connection is closed.
type AuthenticationFailed struct {
	Inner error
}

// NewAuthenticationFailed wraps err as an AuthenticationFailed.
func NewAuthenticationFailed(err error) *AuthenticationFailed {
	return &AuthenticationFailed{Inner: err}
}

func (e *AuthenticationFailed) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Inner)
}

func (e *AuthenticationFailed) Unwrap() error {
	return e.Inner
}

// IsRecoverable reports whether err is a class of failure the reconnect
// loop should retry rather than surface to a caller's pending Subscribe
// or Query.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrCantConnect)
}
