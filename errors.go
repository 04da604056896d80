package bililive

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Boundaries wrap one of these with context so callers can
// classify failures with errors.Is.
var (
	// ErrTransport marks connect, send and close failures of the transport.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedFrame marks a delivery whose frame lengths are inconsistent.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedMessage marks a MESSAGE payload that is not a command object.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrHandler marks a registered handler that failed or panicked.
	ErrHandler = errors.New("handler failure")
	// ErrResolution marks a failed room id or profile lookup.
	ErrResolution = errors.New("resolution failure")
)

var (
	// ErrInvalidRoom is returned by NewSession for a non-positive room id.
	ErrInvalidRoom = errors.New("invalid room id")
	// ErrSessionStarted is returned when Connect is called twice.
	ErrSessionStarted = errors.New("session already started")
	// ErrSessionClosed is returned when connecting a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrReconnectUnsupported is always returned by Session.Reconnect.
	ErrReconnectUnsupported = errors.New("reconnect is not supported, create a new session")
)

// HandlerError reports which handler failed for which command.
type HandlerError struct {
	Cmd     string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s for %q: %v", e.Handler, e.Cmd, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandler, e.Err}
}
