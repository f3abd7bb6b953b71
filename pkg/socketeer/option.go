package socketeer

import (
	"context"
	"time"

	"github.com/omochice/socketeer/pkg/transport"
	"github.com/omochice/socketeer/pkg/transport/ws"
)

// DefaultCloseTimeout bounds the wait for the peer's close frame.
const DefaultCloseTimeout = 250 * time.Millisecond

// DialFunc opens a client transport to url requesting protocols.
type DialFunc func(ctx context.Context, url string, protocols ...string) (transport.Transport, error)

// options holds the configuration for a connection.
type options struct {
	logger Logger
	name   string
	dial   DialFunc

	closeTimeout   time.Duration
	chunkSize      int
	maxMessageSize int
}

// Option is a function that configures connection options.
type Option func(*options)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName sets a display name included in every log record.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithCloseTimeout sets how long a graceful close waits for the peer.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}

// WithChunkSize sets the size of a single transport receive.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithMaxMessageSize sets the largest inbound message accepted.
// Larger messages end the connection.
func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// WithDialer replaces the transport used by Dial.
func WithDialer(dial DialFunc) Option {
	return func(o *options) {
		o.dial = dial
	}
}

func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	if opts.closeTimeout <= 0 {
		opts.closeTimeout = DefaultCloseTimeout
	}
	if opts.chunkSize <= 0 {
		opts.chunkSize = transport.DefaultChunkSize
	}
	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = transport.DefaultMaxMessageSize
	}
	if opts.dial == nil {
		opts.dial = dialGobwas
	}
	return opts
}

func dialGobwas(ctx context.Context, url string, protocols ...string) (transport.Transport, error) {
	c, err := ws.Dial(ctx, url, protocols...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
