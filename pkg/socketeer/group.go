package socketeer

import (
	"context"
	"sync"
)

// Group is a local view of one group: it receives the messages routed to
// Name and sends to Target. It is not proof of membership.
type Group struct {
	conn   *Conn
	name   string
	target string
	// leave is set for handles created by Join.
	leave bool

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

func newGroup(c *Conn, name, target string, leave bool) *Group {
	return &Group{conn: c, name: name, target: target, leave: leave}
}

// Name returns the group whose messages the handle receives.
func (g *Group) Name() string {
	return g.name
}

// Target returns the group the handle sends to.
func (g *Group) Target() string {
	return g.target
}

// Subscribe registers fn for the payloads routed to the group until the
// returned function or Close is called. fn runs on the read loop.
func (g *Group) Subscribe(fn func(payload []byte)) (unsubscribe func()) {
	unsub := g.conn.hub.subscribe(func(m Message) {
		if m.Key == g.name {
			fn(m.Payload)
		}
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		unsub()
		return func() {}
	}
	g.unsubs = append(g.unsubs, unsub)
	return unsub
}

// Send publishes payload to the handle's target.
func (g *Group) Send(ctx context.Context, payload []byte) error {
	return g.conn.Send(ctx, g.target, payload)
}

// Split returns a handle receiving the same group but sending to out.
func (g *Group) Split(out string) *Group {
	return g.conn.Split(g.name, out)
}

// Close removes the handle's subscribers. A handle created by Join also
// leaves the group while the connection is still usable.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if !g.leave {
		return nil
	}
	if st := g.conn.State(); st != StateReady && st != StateRunning {
		return nil
	}
	return g.conn.Leave(ctx, g.name)
}
