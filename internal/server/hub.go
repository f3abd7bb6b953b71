package server

import (
	"sync"
)

// Hub tracks connected sessions and their group membership.
type Hub struct {
	sessions map[string]*Session
	groups   map[string]map[*Session]bool
	mu       sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		groups:   make(map[string]map[*Session]bool),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

// Unregister removes a session and all of its memberships.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
	for name, members := range h.groups {
		delete(members, s)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
}

// Join adds s to group. Joining twice is a no-op.
func (h *Hub) Join(s *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Session]bool)
		h.groups[group] = members
	}
	members[s] = true
}

// Leave removes s from group.
func (h *Hub) Leave(s *Session, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	delete(members, s)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Members returns a snapshot of the sessions in group.
func (h *Hub) Members(group string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]*Session, 0, len(h.groups[group]))
	for s := range h.groups[group] {
		members = append(members, s)
	}
	return members
}

// Lookup returns the session with the given connection id.
func (h *Hub) Lookup(connectionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[connectionID]
	return s, ok
}

// Sessions returns a snapshot of all sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	return all
}

// ClientCount returns number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
