package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Errors returned by MessageReader.
var (
	// ErrIncompleteMessage is returned when the transport yields an empty
	// chunk before the message ended.
	ErrIncompleteMessage = errors.New("transport: incomplete message")
	// ErrPeerClosed is returned when the peer sent a close frame.
	ErrPeerClosed = errors.New("transport: peer closed")
	// ErrMessageTooLarge is returned when a message exceeds the configured limit.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// Default MessageReader limits.
const (
	DefaultChunkSize      = 512
	DefaultMaxMessageSize = 1024 * 1024

	maxSizeHint = 64 * 1024
)

// MessageReader reassembles whole messages out of Transport.Receive chunks.
type MessageReader struct {
	t        Transport
	chunk    int
	maxSize  int
	sizeHint int
}

// NewMessageReader returns a reader over t. Non-positive sizes select the defaults.
func NewMessageReader(t Transport, chunkSize, maxMessageSize int) *MessageReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &MessageReader{t: t, chunk: chunkSize, maxSize: maxMessageSize, sizeHint: chunkSize}
}

// ReadMessage blocks until a complete message is available and returns it
// in a buffer owned by the caller. Partial messages are never returned.
func (r *MessageReader) ReadMessage(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 0, r.sizeHint)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cap(buf)-len(buf) < r.chunk {
			grown := make([]byte, len(buf), 2*cap(buf)+r.chunk)
			copy(grown, buf)
			buf = grown
		}

		res, err := r.t.Receive(ctx, buf[len(buf):cap(buf)])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if res.Close {
			return nil, ErrPeerClosed
		}

		buf = buf[:len(buf)+res.N]
		if len(buf) > r.maxSize {
			return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes", len(buf))
		}
		if res.EndOfMessage {
			break
		}
		if res.N == 0 {
			return nil, ErrIncompleteMessage
		}
	}

	// Start the next message at the size of this one.
	r.sizeHint = min(max(len(buf), r.chunk), maxSizeHint)
	return buf, nil
}
