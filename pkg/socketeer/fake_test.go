package socketeer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/socketeer/pkg/protocol"
	"github.com/omochice/socketeer/pkg/socketeer"
	"github.com/omochice/socketeer/pkg/transport"
)

type frame struct {
	data   []byte
	close  bool
	code   transport.CloseCode
	reason string
}

type closeCall struct {
	method string
	code   transport.CloseCode
	reason string
}

// fakeTransport is an in-memory transport. Inbound messages are pushed by
// the test and handed out in chunks of at most chunk bytes.
type fakeTransport struct {
	protocol  string
	role      transport.Role
	chunk     int
	sendDelay time.Duration

	inbox    chan frame
	released chan struct{}

	state    atomic.Int32
	current  []byte
	inFlight atomic.Int32
	maxLive  atomic.Int32

	mu          sync.Mutex
	sent        [][]byte
	closeCalls  []closeCall
	closeCode   transport.CloseCode
	closeReason string
	releaseOnce sync.Once
}

func newFake() *fakeTransport {
	f := &fakeTransport{
		protocol: protocol.Subprotocol,
		role:     transport.RoleClient,
		inbox:    make(chan frame, 64),
		released: make(chan struct{}),
	}
	f.state.Store(int32(transport.StateOpen))
	return f
}

func (f *fakeTransport) Subprotocol() string    { return f.protocol }
func (f *fakeTransport) Role() transport.Role   { return f.role }
func (f *fakeTransport) State() transport.State { return transport.State(f.state.Load()) }

func (f *fakeTransport) Receive(ctx context.Context, p []byte) (transport.Received, error) {
	if len(f.current) == 0 {
		select {
		case fr := <-f.inbox:
			if fr.close {
				f.mu.Lock()
				f.closeCode, f.closeReason = fr.code, fr.reason
				f.mu.Unlock()
				f.state.CompareAndSwap(int32(transport.StateOpen), int32(transport.StateCloseReceived))
				return transport.Received{EndOfMessage: true, Close: true}, nil
			}
			f.current = fr.data
		case <-ctx.Done():
			return transport.Received{}, ctx.Err()
		case <-f.released:
			return transport.Received{}, errors.New("fake: released")
		}
	}

	n := len(f.current)
	if f.chunk > 0 {
		n = min(n, f.chunk)
	}
	n = copy(p, f.current[:n])
	f.current = f.current[n:]
	return transport.Received{N: n, EndOfMessage: len(f.current) == 0}, nil
}

func (f *fakeTransport) Send(ctx context.Context, p []byte, final bool) error {
	if f.State() != transport.StateOpen {
		return errors.New("fake: not open")
	}

	live := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxLive.Load()
		if live <= cur || f.maxLive.CompareAndSwap(cur, live) {
			break
		}
	}

	if f.sendDelay > 0 {
		select {
		case <-time.After(f.sendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), p...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CloseHandshake(_ context.Context, code transport.CloseCode, reason string) error {
	return f.recordClose("handshake", code, reason)
}

func (f *fakeTransport) CloseOutput(_ context.Context, code transport.CloseCode, reason string) error {
	return f.recordClose("output", code, reason)
}

func (f *fakeTransport) recordClose(method string, code transport.CloseCode, reason string) error {
	switch f.State() {
	case transport.StateClosed, transport.StateAborted:
		return nil
	}
	f.mu.Lock()
	f.closeCalls = append(f.closeCalls, closeCall{method: method, code: code, reason: reason})
	f.mu.Unlock()
	f.state.Store(int32(transport.StateClosed))
	return nil
}

func (f *fakeTransport) CloseStatus() (transport.CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) Release() error {
	f.releaseOnce.Do(func() {
		if f.State() != transport.StateClosed {
			f.state.Store(int32(transport.StateAborted))
		}
		close(f.released)
	})
	return nil
}

func (f *fakeTransport) push(t *testing.T, d protocol.Downstream) {
	t.Helper()
	b, err := d.Encode()
	if err != nil {
		t.Fatalf("failed to encode %v: %v", d.Type, err)
	}
	f.inbox <- frame{data: b}
}

func (f *fakeTransport) peerClose(code transport.CloseCode, reason string) {
	f.inbox <- frame{close: true, code: code, reason: reason}
}

func (f *fakeTransport) isReleased() bool {
	select {
	case <-f.released:
		return true
	default:
		return false
	}
}

// sentUpstream decodes every frame sent so far.
func (f *fakeTransport) sentUpstream(t *testing.T) []protocol.Upstream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Upstream, 0, len(f.sent))
	for _, b := range f.sent {
		var m protocol.Upstream
		if err := m.Decode(b); err != nil {
			t.Fatalf("sent frame %x does not decode: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) closes() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closeCalls...)
}

// handshaken returns a connection that completed the handshake over f.
func handshaken(t *testing.T, f *fakeTransport, opts ...socketeer.Option) *socketeer.Conn {
	t.Helper()
	opts = append([]socketeer.Option{socketeer.WithLogger(socketeer.NopLogger())}, opts...)
	c, err := socketeer.New(f, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.push(t, protocol.Connected("conn-1", "user-1"))
	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	t.Cleanup(c.Abort)
	return c
}

// running returns a connection whose read loop is running.
func running(t *testing.T, f *fakeTransport, opts ...socketeer.Option) *socketeer.Conn {
	t.Helper()
	c := handshaken(t, f, opts...)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return c
}

func waitDone(t *testing.T, c *socketeer.Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

// collector records payloads delivered on the read loop.
type collector struct {
	mu   sync.Mutex
	got  []string
	seen chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 64)}
}

func (c *collector) add(payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d messages, got %v", n, c.values())
		}
	}
}
