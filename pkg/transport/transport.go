// Package transport defines the message-oriented socket a socketeer runs on
// and the reader that reassembles fragmented messages from it.
package transport

import (
	"context"
	"time"
)

// State mirrors the lifecycle of a WebSocket.
type State int32

const (
	StateOpen State = iota
	// StateCloseSent means a close frame was written and the peer's is pending.
	StateCloseSent
	// StateCloseReceived means the peer's close frame was read and ours is pending.
	StateCloseReceived
	StateClosed
	// StateAborted means the socket was released without a close handshake.
	StateAborted
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCloseSent:
		return "CLOSE_SENT"
	case StateCloseReceived:
		return "CLOSE_RECEIVED"
	case StateClosed:
		return "CLOSED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Role is the side of the opening handshake a socket was on.
type Role int

const (
	// RoleClient dialed the socket.
	RoleClient Role = iota
	// RoleServer accepted the socket.
	RoleServer
)

// String returns the string representation of Role
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// CloseCode is a WebSocket close status code.
type CloseCode uint16

const (
	CloseNone            CloseCode = 0
	CloseNormalClosure   CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003
	CloseInternalError   CloseCode = 1011
)

// Received describes the outcome of one Receive call.
type Received struct {
	// N is the number of payload bytes written into the buffer.
	N int
	// EndOfMessage is set on the chunk that completes a message.
	EndOfMessage bool
	// Close is set when the peer sent a close frame instead of data.
	Close bool
}

// Transport is a full-duplex, message-oriented socket.
//
// Receive must only be called from one goroutine at a time, and so must Send.
// Send must not retain p after it returns.
type Transport interface {
	// Subprotocol returns the negotiated subprotocol.
	Subprotocol() string
	// Role returns the side of the opening handshake this socket was on.
	Role() Role
	State() State

	// Receive reads the next chunk of the current message into p.
	Receive(ctx context.Context, p []byte) (Received, error)
	// Send writes p as a frame of the current message; final ends the message.
	Send(ctx context.Context, p []byte, final bool) error

	// CloseHandshake sends a close frame and waits for the peer's.
	CloseHandshake(ctx context.Context, code CloseCode, reason string) error
	// CloseOutput sends a close frame without waiting for the peer.
	CloseOutput(ctx context.Context, code CloseCode, reason string) error
	// CloseStatus returns the status the peer closed with, or CloseNone.
	CloseStatus() (CloseCode, string)

	// Release frees the socket immediately. It is safe to call more than once.
	Release() error
}

// aLongTimeAgo is a deadline in the past used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// WatchDeadline applies ctx's deadline through set and arranges for set to
// be called with a past deadline once ctx is done. The returned function
// must be called when the guarded I/O returns; once it returns, set is not
// called again.
func WatchDeadline(ctx context.Context, set func(time.Time) error) (stop func()) {
	d, _ := ctx.Deadline()
	_ = set(d)
	fired := make(chan struct{})
	unregister := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = set(aLongTimeAgo)
	})
	return func() {
		if !unregister() {
			<-fired
		}
	}
}
