package socketeer

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Message is one inbound data envelope.
type Message struct {
	// Key is the group the message was addressed to, or the sender when it
	// was not addressed to a group.
	Key string
	// Payload is owned by the message and never reused.
	// Subscribers must not modify it.
	Payload []byte
}

type subscriber struct {
	fn func(Message)
}

// hub fans published messages out to the subscribers registered at the time
// of the publish. Subscribers may subscribe and unsubscribe from inside a
// callback.
type hub struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*subscriber]
}

func (h *hub) subscribe(fn func(Message)) (unsubscribe func()) {
	s := &subscriber{fn: fn}

	h.mu.Lock()
	var next []*subscriber
	if cur := h.subs.Load(); cur != nil {
		next = slices.Clone(*cur)
	}
	next = append(next, s)
	h.subs.Store(&next)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(s) })
	}
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.subs.Load()
	if cur == nil {
		return
	}
	next := slices.DeleteFunc(slices.Clone(*cur), func(o *subscriber) bool { return o == s })
	h.subs.Store(&next)
}

func (h *hub) publish(m Message) {
	cur := h.subs.Load()
	if cur == nil {
		return
	}
	for _, s := range *cur {
		s.fn(m)
	}
}

// count returns the number of current subscribers.
func (h *hub) count() int {
	if cur := h.subs.Load(); cur != nil {
		return len(*cur)
	}
	return 0
}
