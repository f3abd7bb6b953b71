package socketeer

import (
	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrSubprotocol is returned when the transport did not negotiate
	// protocol.Subprotocol.
	ErrSubprotocol = errors.New("socketeer: unexpected subprotocol")
	// ErrNotOpen is returned when the handshake starts on a transport that is
	// not open.
	ErrNotOpen = errors.New("socketeer: transport is not open")
	// ErrInvalidState is returned when an operation is invoked in a state
	// that does not allow it.
	ErrInvalidState = errors.New("socketeer: invalid state")
	// ErrCanceled is matched by every error caused by cancellation, disposal
	// or the peer ending the session during an operation.
	ErrCanceled = errors.New("socketeer: canceled")
	// ErrClosed is the cancellation cause when the connection was disposed.
	ErrClosed = errors.New("socketeer: connection closed")
	// ErrDisconnected is returned when the service sent a Disconnected
	// system message.
	ErrDisconnected = errors.New("socketeer: disconnected by service")
)

// canceledError matches both ErrCanceled and its cause.
type canceledError struct {
	cause error
}

func canceled(cause error) error {
	return &canceledError{cause: cause}
}

func (e *canceledError) Error() string {
	return ErrCanceled.Error() + ": " + e.cause.Error()
}

func (e *canceledError) Unwrap() []error {
	return []error{ErrCanceled, e.cause}
}

func disconnected(reason string) error {
	if reason == "" {
		return ErrDisconnected
	}
	return errors.Wrapf(ErrDisconnected, "reason %q", reason)
}
