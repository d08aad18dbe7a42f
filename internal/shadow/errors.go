package shadow

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when the transport cannot connect or
	// send. Callers retry with backoff.
	ErrTransportUnavailable = errors.New("shadow: transport unavailable")
	// ErrRegistrationFailed is logged when registering a session fails. The
	// session stays unregistered until the next connect.
	ErrRegistrationFailed = errors.New("shadow: registration failed")
	// ErrNotReady is returned when a request is made before the session has
	// been registered.
	ErrNotReady = errors.New("shadow: session not registered")
	// ErrRequestInProgress is returned while another request of the session is
	// still waiting for its status.
	ErrRequestInProgress = errors.New("shadow: request in progress")
	// ErrUnknownSession is returned for an identity that has no open session.
	ErrUnknownSession = errors.New("shadow: unknown session")
	// ErrSessionExists is returned by Open when the identity already has a
	// session.
	ErrSessionExists = errors.New("shadow: session already open")

	// ErrSessionClosed is returned when a request races with Close.
	ErrSessionClosed = errors.New("shadow: session closed")
)

// CodeNotFound is the rejection code for a shadow that does not exist yet.
const CodeNotFound = 404

// RejectedError describes a rejected request. It is logged, never returned to
// callers.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("shadow: request rejected (%d): %s", e.Code, e.Message)
}

// NotFound reports whether the rejection means the document does not exist.
func (e *RejectedError) NotFound() bool {
	return e.Code == CodeNotFound
}
