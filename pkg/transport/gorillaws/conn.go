// Package gorillaws provides a transport built on github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/omochice/socketeer/pkg/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	pumpChunkSize    = 4096
)

// chunk is a piece of an inbound message handed over by the pump.
type chunk struct {
	data []byte
	eom  bool
}

// Conn adapts a gorilla WebSocket connection to transport.Transport.
//
// A gorilla read that times out fails every later read, so reads are never
// interrupted with deadlines. One pump goroutine owns the gorilla reader and
// hands chunks over an unbuffered channel; Receive waits on it with ctx.
type Conn struct {
	ws    *websocket.Conn
	role  transport.Role
	state atomic.Int32

	chunks chan chunk
	// exited is closed when the pump stops; pumpErr is set before.
	exited  chan struct{}
	pumpErr error
	// stopped is closed by Release.
	stopped chan struct{}

	rmu      sync.Mutex
	pending  chunk
	buffered bool

	wmu    sync.Mutex
	writer io.WriteCloser

	statusMu    sync.Mutex
	closeCode   transport.CloseCode
	closeReason string

	releaseOnce sync.Once
	releaseErr  error
}

var _ transport.Transport = (*Conn)(nil)

// Dial opens a client connection to url requesting the given subprotocols.
func Dial(ctx context.Context, url string, protocols ...string) (*Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     protocols,
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "gorillaws: dial")
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewConn(ws, transport.RoleClient), nil
}

// Upgrade accepts a server connection negotiating one of protocols.
// Origins are not checked.
func Upgrade(r *http.Request, w http.ResponseWriter, protocols ...string) (*Conn, error) {
	u := websocket.Upgrader{
		Subprotocols: protocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	ws, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "gorillaws: upgrade")
	}
	return NewConn(ws, transport.RoleServer), nil
}

// NewConn wraps an established gorilla connection. It replaces the close
// handler so that the peer's close frame is recorded instead of echoed.
func NewConn(ws *websocket.Conn, role transport.Role) *Conn {
	c := &Conn{
		ws:      ws,
		role:    role,
		chunks:  make(chan chunk),
		exited:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.state.Store(int32(transport.StateOpen))
	ws.SetCloseHandler(c.onClose)
	go c.pump()
	return c
}

// pump reads messages until the connection fails or the peer's close frame
// arrives. Control frames are handled by gorilla while it reads.
func (c *Conn) pump() {
	defer close(c.exited)

	buf := make([]byte, pumpChunkSize)
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			c.pumpErr = err
			return
		}
		for {
			n, err := r.Read(buf)
			eom := errors.Is(err, io.EOF)
			if err != nil && !eom {
				c.pumpErr = err
				return
			}
			if n == 0 && !eom {
				continue
			}
			if !c.deliver(chunk{data: append([]byte(nil), buf[:n]...), eom: eom}) {
				c.pumpErr = net.ErrClosed
				return
			}
			if eom {
				break
			}
		}
	}
}

func (c *Conn) deliver(ch chunk) bool {
	select {
	case c.chunks <- ch:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Conn) onClose(code int, text string) error {
	if code == websocket.CloseNoStatusReceived {
		code = int(transport.CloseNone)
	}
	c.statusMu.Lock()
	c.closeCode, c.closeReason = transport.CloseCode(code), text
	c.statusMu.Unlock()

	if !c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateCloseReceived)) {
		c.state.CompareAndSwap(int32(transport.StateCloseSent), int32(transport.StateClosed))
	}
	return nil
}

// Subprotocol implements transport.Transport.
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Role implements transport.Transport.
func (c *Conn) Role() transport.Role {
	return c.role
}

// State implements transport.Transport.
func (c *Conn) State() transport.State {
	return transport.State(c.state.Load())
}

// Receive implements transport.Transport.
func (c *Conn) Receive(ctx context.Context, p []byte) (transport.Received, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.released() {
		return transport.Received{}, net.ErrClosed
	}

	if !c.buffered {
		select {
		case <-ctx.Done():
			return transport.Received{}, ctx.Err()
		case <-c.stopped:
			return transport.Received{}, net.ErrClosed
		case <-c.exited:
			if isCloseError(c.pumpErr) {
				return transport.Received{EndOfMessage: true, Close: true}, nil
			}
			return transport.Received{}, c.readErr(ctx, c.pumpErr)
		case c.pending = <-c.chunks:
			c.buffered = true
		}
	}

	n := copy(p, c.pending.data)
	c.pending.data = c.pending.data[n:]
	if len(c.pending.data) > 0 {
		return transport.Received{N: n}, nil
	}
	c.buffered = false
	return transport.Received{N: n, EndOfMessage: c.pending.eom}, nil
}

// Send implements transport.Transport. Fragments are streamed through one
// gorilla message writer, which decides the actual frame boundaries.
func (c *Conn) Send(ctx context.Context, p []byte, final bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.released() {
		return net.ErrClosed
	}
	if st := c.State(); st != transport.StateOpen {
		return pkgerrors.Errorf("gorillaws: send in state %s", st)
	}

	stop := transport.WatchDeadline(ctx, c.ws.SetWriteDeadline)
	defer stop()

	if c.writer == nil {
		w, err := c.ws.NextWriter(websocket.BinaryMessage)
		if err != nil {
			return c.writeErr(ctx, err)
		}
		c.writer = w
	}
	if _, err := c.writer.Write(p); err != nil {
		c.writer = nil
		return c.writeErr(ctx, err)
	}
	if final {
		w := c.writer
		c.writer = nil
		if err := w.Close(); err != nil {
			return c.writeErr(ctx, err)
		}
	}
	return nil
}

// CloseHandshake implements transport.Transport.
func (c *Conn) CloseHandshake(ctx context.Context, code transport.CloseCode, reason string) error {
	switch c.State() {
	case transport.StateCloseSent, transport.StateClosed, transport.StateAborted:
		return nil
	case transport.StateCloseReceived:
		err := c.sendClose(ctx, code, reason)
		c.state.Store(int32(transport.StateClosed))
		return err
	}

	if err := c.sendClose(ctx, code, reason); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateCloseSent)) {
		c.state.Store(int32(transport.StateClosed))
		return nil
	}
	return c.awaitClose(ctx)
}

// awaitClose discards messages until the peer's close frame arrives.
func (c *Conn) awaitClose(ctx context.Context) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	c.buffered = false
	for {
		select {
		case <-c.chunks:
		case <-c.exited:
			if isCloseError(c.pumpErr) || c.State() == transport.StateClosed {
				return nil
			}
			return c.readErr(ctx, c.pumpErr)
		case <-c.stopped:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseOutput implements transport.Transport.
func (c *Conn) CloseOutput(ctx context.Context, code transport.CloseCode, reason string) error {
	switch c.State() {
	case transport.StateCloseSent, transport.StateClosed, transport.StateAborted:
		return nil
	}

	err := c.sendClose(ctx, code, reason)
	if !c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateCloseSent)) {
		c.state.CompareAndSwap(int32(transport.StateCloseReceived), int32(transport.StateClosed))
	}
	return err
}

func (c *Conn) sendClose(ctx context.Context, code transport.CloseCode, reason string) error {
	body := []byte{}
	if code != transport.CloseNone {
		body = websocket.FormatCloseMessage(int(code), reason)
	}
	deadline, _ := ctx.Deadline()
	if err := c.ws.WriteControl(websocket.CloseMessage, body, deadline); err != nil {
		return c.writeErr(ctx, err)
	}
	return nil
}

// CloseStatus implements transport.Transport.
func (c *Conn) CloseStatus() (transport.CloseCode, string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.closeCode, c.closeReason
}

// Release implements transport.Transport.
func (c *Conn) Release() error {
	c.releaseOnce.Do(func() {
		if c.State() != transport.StateClosed {
			c.state.Store(int32(transport.StateAborted))
		}
		close(c.stopped)
		c.releaseErr = c.ws.Close()
		if errors.Is(c.releaseErr, net.ErrClosed) {
			c.releaseErr = nil
		}
	})
	return c.releaseErr
}

func (c *Conn) released() bool {
	return c.State() == transport.StateAborted
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return pkgerrors.Wrap(io.ErrUnexpectedEOF, "gorillaws: connection dropped without close frame")
	}
	return pkgerrors.Wrap(err, "gorillaws: receive")
}

func (c *Conn) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return pkgerrors.Wrap(err, "gorillaws: send")
}
