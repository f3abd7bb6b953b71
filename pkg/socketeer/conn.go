// Package socketeer is a client for the protobuf.webpubsub.azure.v1 pub/sub
// subprotocol. A Conn joins groups, publishes binary payloads to them and
// multiplexes the inbound stream to subscribers.
package socketeer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/omochice/socketeer/pkg/protocol"
	"github.com/omochice/socketeer/pkg/transport"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateCreated State = iota
	StateHandshaking
	StateReady
	StateRunning
	StateClosing
	StateClosed
	// StateFailed is entered when the handshake does not complete.
	StateFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status reports the state of the underlying transport.
type Status struct {
	State       transport.State
	CloseCode   transport.CloseCode
	CloseReason string
}

// Conn is a socketeer connection. It owns its transport exclusively.
//
// Join, Leave, Send and the Group methods may be called from any goroutine.
type Conn struct {
	t      transport.Transport
	role   transport.Role
	reader *transport.MessageReader
	opts   options
	logger Logger

	state atomic.Int32

	// ctx is canceled when the connection is disposed.
	ctx    context.Context
	cancel context.CancelFunc

	// gate admits one writer at a time; it guards scratch.
	gate    *semaphore.Weighted
	scratch []byte

	hub hub

	mu           sync.Mutex
	connectionID string
	userID       string
	started      bool
	disposing    bool
	err          error

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	abortOnce sync.Once
}

// New wraps t. The transport must not be used by anyone else afterwards.
// An open transport that negotiated another subprotocol is rejected.
func New(t transport.Transport, opt ...Option) (*Conn, error) {
	if t.State() == transport.StateOpen && t.Subprotocol() != protocol.Subprotocol {
		return nil, pkgerrors.Wrapf(ErrSubprotocol, "got %q", t.Subprotocol())
	}

	opts := buildOptions(opt)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:      t,
		role:   t.Role(),
		reader: transport.NewMessageReader(t, opts.chunkSize, opts.maxMessageSize),
		opts:   opts,
		logger: opts.logger,
		ctx:    ctx,
		cancel: cancel,
		gate:   semaphore.NewWeighted(1),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Status returns the transport state and the close status the peer sent.
func (c *Conn) Status() Status {
	code, reason := c.t.CloseStatus()
	return Status{State: c.t.State(), CloseCode: code, CloseReason: reason}
}

// Name returns the display name set with WithName.
func (c *Conn) Name() string {
	return c.opts.name
}

// ConnectionID returns the id the service assigned, or "" before the
// handshake completed.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// UserID returns the user the service authenticated, or "" before the
// handshake completed.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop ended. It is nil while the loop runs and
// when it was ended by Close or Abort.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Handshake waits for the service's Connected message. Data messages that
// arrive first are discarded.
func (c *Conn) Handshake(ctx context.Context) error {
	if !c.transition(StateCreated, StateHandshaking) {
		return pkgerrors.Wrapf(ErrInvalidState, "handshake in state %s", c.State())
	}
	if st := c.t.State(); st != transport.StateOpen {
		c.transition(StateHandshaking, StateFailed)
		return pkgerrors.Wrapf(ErrNotOpen, "transport is %s", st)
	}
	if p := c.t.Subprotocol(); p != protocol.Subprotocol {
		c.transition(StateHandshaking, StateFailed)
		return pkgerrors.Wrapf(ErrSubprotocol, "got %q", p)
	}

	ctx, stop := c.link(ctx)
	defer stop()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			c.transition(StateHandshaking, StateFailed)
			return c.handshakeErr(ctx, err)
		}

		var d protocol.Downstream
		if err := d.Decode(msg); err != nil {
			c.transition(StateHandshaking, StateFailed)
			return pkgerrors.Wrap(err, "socketeer: handshake")
		}

		switch d.Type {
		case protocol.DownstreamConnected:
			if d.ConnectionID == "" || d.UserID == "" {
				c.transition(StateHandshaking, StateFailed)
				return pkgerrors.Wrap(protocol.ErrMalformed, "socketeer: connected message without ids")
			}
			c.mu.Lock()
			c.connectionID, c.userID = d.ConnectionID, d.UserID
			c.mu.Unlock()
			if !c.transition(StateHandshaking, StateReady) {
				return canceled(ErrClosed)
			}
			c.logger.Info("connected", c.logArgs("connection_id", d.ConnectionID, "user_id", d.UserID)...)
			return nil
		case protocol.DownstreamDisconnected:
			c.transition(StateHandshaking, StateFailed)
			return canceled(disconnected(d.Reason))
		default:
			c.logger.Debug("discarding message before handshake", c.logArgs("type", d.Type)...)
		}
	}
}

func (c *Conn) handshakeErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil, c.ctx.Err() != nil:
		return canceled(c.cause(ctx))
	case errors.Is(err, transport.ErrIncompleteMessage), errors.Is(err, transport.ErrMessageTooLarge):
		return pkgerrors.Wrap(err, "socketeer: handshake")
	default:
		return canceled(err)
	}
}

// Run starts the read loop in its own goroutine. Every data message is
// published to the subscribers before the next one is read. When the loop
// ends for any reason the connection closes itself; Done and Err report it.
// Canceling ctx ends the loop like a transport failure would.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposing || !c.transition(StateReady, StateRunning) {
		return pkgerrors.Wrapf(ErrInvalidState, "run in state %s", c.State())
	}
	c.started = true

	ctx, stop := c.link(ctx)
	go c.readLoop(ctx, stop)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, stop func()) {
	err := c.receive(ctx)
	if err != nil && ctx.Err() != nil {
		err = canceled(context.Cause(ctx))
	}
	stop()

	c.mu.Lock()
	if c.disposing {
		err = nil
	}
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("read loop ended", c.logArgs("error", err)...)
	} else {
		c.logger.Debug("read loop ended", c.logArgs()...)
	}

	c.cancel()
	c.shutdown()
}

func (c *Conn) receive(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		var d protocol.Downstream
		if err := d.Decode(msg); err != nil {
			return err
		}

		switch d.Type {
		case protocol.DownstreamData:
			c.hub.publish(Message{Key: d.RoutingKey(), Payload: d.Data})
		case protocol.DownstreamDisconnected:
			return disconnected(d.Reason)
		}
	}
}

// shutdown performs the bounded close handshake and releases the transport.
func (c *Conn) shutdown() {
	c.state.Store(int32(StateClosing))

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.closeTimeout)
	defer cancel()

	code, reason := c.t.CloseStatus()
	if code == transport.CloseNone {
		code, reason = transport.CloseNormalClosure, ""
	}

	var err error
	if c.role == transport.RoleClient {
		err = c.t.CloseHandshake(ctx, code, reason)
	} else {
		err = c.t.CloseOutput(ctx, code, reason)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		c.logger.Debug("close handshake failed", c.logArgs("error", err)...)
	}
	if err := c.t.Release(); err != nil {
		c.logger.Debug("release failed", c.logArgs("error", err)...)
	}

	c.state.Store(int32(StateClosed))
	c.doneOnce.Do(func() { close(c.done) })
}

// Close closes the connection gracefully: in-flight operations are
// canceled, the close handshake is attempted and the transport is released.
// It blocks until the connection is closed and is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.disposing = true
		started := c.started
		c.mu.Unlock()

		c.cancel()
		if started {
			<-c.done
			return
		}
		c.shutdown()
	})
	return nil
}

// Abort releases the transport immediately without a close handshake.
// In-flight operations fail with ErrCanceled.
func (c *Conn) Abort() {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.disposing = true
		started := c.started
		c.mu.Unlock()

		c.cancel()
		if err := c.t.Release(); err != nil {
			c.logger.Debug("release failed", c.logArgs("error", err)...)
		}
		if !started {
			c.state.Store(int32(StateClosed))
			c.doneOnce.Do(func() { close(c.done) })
		}
	})
}

// Subscribe registers fn for every inbound data message until the returned
// function is called. fn runs on the read loop and must not block; it may
// call Abort but not Close, which waits for the loop.
func (c *Conn) Subscribe(fn func(Message)) (unsubscribe func()) {
	return c.hub.subscribe(fn)
}

// Join asks the service to add the connection to group and returns a handle
// for it. No acknowledgment is awaited. Closing the handle leaves the group.
func (c *Conn) Join(ctx context.Context, group string) (*Group, error) {
	if err := c.write(ctx, protocol.JoinGroup(group)); err != nil {
		return nil, err
	}
	return newGroup(c, group, group, true), nil
}

// Joined returns a handle for a group joined elsewhere. No request is sent.
func (c *Conn) Joined(group string) *Group {
	return newGroup(c, group, group, false)
}

// Split returns a handle receiving messages of in and sending to out.
func (c *Conn) Split(in, out string) *Group {
	return newGroup(c, in, out, false)
}

// Leave asks the service to remove the connection from group.
func (c *Conn) Leave(ctx context.Context, group string) error {
	return c.write(ctx, protocol.LeaveGroup(group))
}

// Send publishes payload to group.
func (c *Conn) Send(ctx context.Context, group string, payload []byte) error {
	return c.write(ctx, protocol.SendToGroup(group, payload))
}

// write sends one envelope while holding the write gate.
func (c *Conn) write(ctx context.Context, m protocol.Upstream) error {
	if st := c.State(); st != StateReady && st != StateRunning {
		return pkgerrors.Wrapf(ErrInvalidState, "%s in state %s", m.Type, st)
	}

	ctx, stop := c.link(ctx)
	defer stop()

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return canceled(c.cause(ctx))
	}
	defer c.gate.Release(1)

	c.scratch = m.AppendTo(c.scratch[:0])
	defer clear(c.scratch)

	if err := c.t.Send(ctx, c.scratch, true); err != nil {
		if ctx.Err() != nil || c.ctx.Err() != nil {
			return canceled(c.cause(ctx))
		}
		return pkgerrors.Wrapf(err, "socketeer: %s", m.Type)
	}
	return nil
}

// link returns a context canceled when either ctx or the connection is done.
func (c *Conn) link(ctx context.Context) (context.Context, func()) {
	linked, cancel := context.WithCancelCause(ctx)
	unregister := context.AfterFunc(c.ctx, func() {
		cancel(ErrClosed)
	})
	return linked, func() {
		unregister()
		cancel(nil)
	}
}

// cause reports why an operation running under the linked ctx was canceled.
func (c *Conn) cause(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return ErrClosed
}

func (c *Conn) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Conn) logArgs(args ...any) []any {
	if c.opts.name == "" {
		return args
	}
	return append([]any{"name", c.opts.name}, args...)
}
