package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send after the session has been closed.
var ErrClosed = errors.New("transport: session closed")

// Operations recorded in [Error].Op.
const (
	OpConnect = "connect"
	OpSend    = "send"
	OpRead    = "read"
	OpRemote  = "remote"
)

// Error describes a transport failure: a failed connect, a failed write, a
// broken read loop, or an error reported by the remote side.
type Error struct {
	// Provider is the [Transport.Name] of the failing transport.
	Provider string

	// Op is one of the Op* constants.
	Op string

	// Code is a provider status code, when the provider reports one.
	Code int

	// Message is the provider's human-readable message, when it reports one.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// NewError wraps err as an *Error for provider and op.
func NewError(provider, op string, err error) *Error {
	return &Error{Provider: provider, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s: %s (code %d)", e.Provider, e.Op, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }
