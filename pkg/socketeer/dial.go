package socketeer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/omochice/socketeer/pkg/protocol"
	"github.com/omochice/socketeer/pkg/transport"
)

// Connect wraps t and completes the handshake. On failure the transport is
// released.
func Connect(ctx context.Context, t transport.Transport, opt ...Option) (*Conn, error) {
	c, err := New(t, opt...)
	if err != nil {
		_ = t.Release()
		return nil, err
	}
	if err := c.Handshake(ctx); err != nil {
		c.Abort()
		return nil, err
	}
	return c, nil
}

// Dial opens a transport to url, requesting protocol.Subprotocol, and
// completes the handshake. The connection is not running yet.
func Dial(ctx context.Context, url string, opt ...Option) (*Conn, error) {
	opts := buildOptions(opt)
	t, err := opts.dial(ctx, url, protocol.Subprotocol)
	if err != nil {
		return nil, errors.Wrap(err, "socketeer: dial")
	}
	return Connect(ctx, t, opt...)
}
