// Package ws provides the WebSocket transport built on github.com/gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/pool/pbufio"
	pkgerrors "github.com/pkg/errors"

	"github.com/omochice/socketeer/pkg/transport"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
)

var errEmptyBuffer = errors.New("ws: receive buffer is empty")

// Conn adapts a gobwas WebSocket connection to transport.Transport.
type Conn struct {
	conn     net.Conn
	role     transport.Role
	protocol string
	state    atomic.Int32

	// rmu guards the read side: br and the current data frame.
	rmu       sync.Mutex
	br        *bufio.Reader
	putReader bool
	frame     gws.Header
	remaining int64
	offset    int

	// wmu guards the write side; control replies share it with data frames.
	wmu      sync.Mutex
	bw       *bufio.Writer
	fragment bool
	masked   []byte

	statusMu    sync.Mutex
	closeCode   transport.CloseCode
	closeReason string

	releaseOnce sync.Once
	releaseErr  error
}

var _ transport.Transport = (*Conn)(nil)

// Dial opens a client connection to url requesting the given subprotocols.
func Dial(ctx context.Context, url string, protocols ...string) (*Conn, error) {
	d := gws.Dialer{Protocols: protocols}
	conn, br, hs, err := d.Dial(ctx, url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ws: dial")
	}
	// A non-nil br holds frames the server sent right after the handshake;
	// it comes from the same pool.
	if br == nil {
		br = pbufio.GetReader(conn, readBufferSize)
	}
	return newConn(conn, br, true, transport.RoleClient, hs.Protocol), nil
}

// Upgrade accepts a server connection, selecting the first offered
// subprotocol contained in protocols.
func Upgrade(r *http.Request, w http.ResponseWriter, protocols ...string) (*Conn, error) {
	u := gws.HTTPUpgrader{
		Protocol: func(p string) bool {
			return slices.Contains(protocols, p)
		},
	}
	conn, rw, hs, err := u.Upgrade(r, w)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "ws: upgrade")
	}
	return newConn(conn, rw.Reader, false, transport.RoleServer, hs.Protocol), nil
}

// NewConn wraps an already upgraded connection.
func NewConn(conn net.Conn, role transport.Role, protocol string) *Conn {
	return newConn(conn, pbufio.GetReader(conn, readBufferSize), true, role, protocol)
}

func newConn(conn net.Conn, br *bufio.Reader, putReader bool, role transport.Role, protocol string) *Conn {
	c := &Conn{
		conn:      conn,
		role:      role,
		protocol:  protocol,
		br:        br,
		putReader: putReader,
		bw:        pbufio.GetWriter(conn, writeBufferSize),
	}
	c.state.Store(int32(transport.StateOpen))
	return c
}

// Subprotocol implements transport.Transport.
func (c *Conn) Subprotocol() string {
	return c.protocol
}

// Role implements transport.Transport.
func (c *Conn) Role() transport.Role {
	return c.role
}

// State implements transport.Transport.
func (c *Conn) State() transport.State {
	return transport.State(c.state.Load())
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Receive implements transport.Transport.
// Control frames are handled inline: pings are answered, close frames are
// recorded and reported with Close set.
func (c *Conn) Receive(ctx context.Context, p []byte) (transport.Received, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.br == nil {
		return transport.Received{}, net.ErrClosed
	}
	if len(p) == 0 {
		return transport.Received{}, errEmptyBuffer
	}

	stop := transport.WatchDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	for c.remaining == 0 {
		h, err := gws.ReadHeader(c.br)
		if err != nil {
			return transport.Received{}, c.readErr(ctx, err)
		}

		if h.OpCode.IsControl() {
			closed, err := c.control(ctx, h)
			if err != nil {
				return transport.Received{}, c.readErr(ctx, err)
			}
			if closed {
				return transport.Received{EndOfMessage: true, Close: true}, nil
			}
			continue
		}

		c.frame, c.remaining, c.offset = h, h.Length, 0
		if h.Length == 0 && h.Fin {
			return transport.Received{EndOfMessage: true}, nil
		}
	}

	n := int(min(int64(len(p)), c.remaining))
	if _, err := io.ReadFull(c.br, p[:n]); err != nil {
		return transport.Received{}, c.readErr(ctx, err)
	}
	if c.frame.Masked {
		gws.Cipher(p[:n], c.frame.Mask, c.offset)
	}
	c.offset += n
	c.remaining -= int64(n)

	return transport.Received{N: n, EndOfMessage: c.remaining == 0 && c.frame.Fin}, nil
}

// control consumes a control frame and reports whether it was a close.
func (c *Conn) control(ctx context.Context, h gws.Header) (bool, error) {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return false, err
	}
	if h.Masked {
		gws.Cipher(payload, h.Mask, 0)
	}

	switch h.OpCode {
	case gws.OpPing:
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if c.State() != transport.StateOpen || c.bw == nil {
			return false, nil
		}
		stop := transport.WatchDeadline(ctx, c.conn.SetWriteDeadline)
		defer stop()
		return false, c.writeFrame(gws.OpPong, true, payload)
	case gws.OpClose:
		code, reason := gws.ParseCloseFrameData(payload)
		c.statusMu.Lock()
		c.closeCode, c.closeReason = transport.CloseCode(code), reason
		c.statusMu.Unlock()

		if !c.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateCloseReceived)) {
			c.state.CompareAndSwap(int32(transport.StateCloseSent), int32(transport.StateClosed))
		}
		return true, nil
	}
	return false, nil
}

// Send implements transport.Transport.
func (c *Conn) Send(ctx context.Context, p []byte, final bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.bw == nil {
		return net.ErrClosed
	}
	if st := c.State(); st != transport.StateOpen {
		return pkgerrors.Errorf("ws: send in state %s", st)
	}

	stop := transport.WatchDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	op := gws.OpBinary
	if c.fragment {
		op = gws.OpContinuation
	}
	if err := c.writeFrame(op, final, p); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerrors.Wrap(err, "ws: send")
	}
	c.fragment = !final
	return nil
}

// writeFrame writes one frame; wmu must be held. Client frames are masked in
// a scratch copy so p is never modified.
func (c *Conn) writeFrame(op gws.OpCode, fin bool, p []byte) error {
	h := gws.Header{Fin: fin, OpCode: op, Length: int64(len(p))}
	if c.role == transport.RoleClient {
		h.Masked = true
		h.Mask = gws.NewMask()
		c.masked = append(c.masked[:0], p...)
		gws.Cipher(c.masked, h.Mask, 0)
		p = c.masked
		defer clear(c.masked)
	}

	if err := gws.WriteHeader(c.bw, h); err != nil {
		return err
	}
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	return c.bw.Flush()
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
		// The peer's close arrived while ours was being written.
		c.state.Store(int32(transport.StateClosed))
		return nil
	}

	return c.awaitClose(ctx)
}

// awaitClose discards frames until the peer's close frame arrives.
func (c *Conn) awaitClose(ctx context.Context) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.br == nil {
		return net.ErrClosed
	}

	stop := transport.WatchDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	if c.remaining > 0 {
		if _, err := io.CopyN(io.Discard, c.br, c.remaining); err != nil {
			return c.readErr(ctx, err)
		}
		c.remaining = 0
	}

	for c.State() == transport.StateCloseSent {
		h, err := gws.ReadHeader(c.br)
		if err != nil {
			return c.readErr(ctx, err)
		}
		if h.OpCode.IsControl() {
			if _, err := c.control(ctx, h); err != nil {
				return c.readErr(ctx, err)
			}
			continue
		}
		if _, err := io.CopyN(io.Discard, c.br, h.Length); err != nil {
			return c.readErr(ctx, err)
		}
	}
	return nil
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
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.bw == nil {
		return net.ErrClosed
	}

	stop := transport.WatchDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	var body []byte
	if code != transport.CloseNone {
		body = gws.NewCloseFrameBody(gws.StatusCode(code), reason)
	}
	if err := c.writeFrame(gws.OpClose, true, body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerrors.Wrap(err, "ws: send close")
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
		c.releaseErr = c.conn.Close()
		if errors.Is(c.releaseErr, net.ErrClosed) {
			c.releaseErr = nil
		}
		if c.State() != transport.StateClosed {
			c.state.Store(int32(transport.StateAborted))
		}

		// Closing the socket unblocks any pending I/O, after which the
		// buffers can go back to their pools.
		c.rmu.Lock()
		if c.putReader {
			pbufio.PutReader(c.br)
		}
		c.br = nil
		c.rmu.Unlock()

		c.wmu.Lock()
		pbufio.PutWriter(c.bw)
		c.bw = nil
		c.wmu.Unlock()
	})
	return c.releaseErr
}

// readErr maps a read failure, preferring the context's error when the
// context interrupted the read.
func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return pkgerrors.Wrap(io.ErrUnexpectedEOF, "ws: connection dropped without close frame")
	}
	return pkgerrors.Wrap(err, "ws: receive")
}
