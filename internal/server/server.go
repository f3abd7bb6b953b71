// Package server is a minimal in-process pub/sub service speaking the
// protobuf.webpubsub.azure.v1 subprotocol. It assigns connection ids, tracks
// group membership and fans group messages out to every member, the sender
// included.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/omochice/socketeer/pkg/protocol"
	"github.com/omochice/socketeer/pkg/transport"
	"github.com/omochice/socketeer/pkg/transport/gorillaws"
	"github.com/omochice/socketeer/pkg/transport/ws"
)

// ClientPath is the path clients connect to.
const ClientPath = "/client"

// ErrUnknownConnection is returned for a connection id that is not connected.
var ErrUnknownConnection = errors.New("server: unknown connection")

// UpgradeFunc accepts a WebSocket connection negotiating one of protocols.
type UpgradeFunc func(r *http.Request, w http.ResponseWriter, protocols ...string) (transport.Transport, error)

// Option configures a Server.
type Option func(*Server)

// WithGorilla accepts connections with gorilla/websocket instead of gobwas/ws.
func WithGorilla() Option {
	return func(s *Server) {
		s.upgrade = func(r *http.Request, w http.ResponseWriter, protocols ...string) (transport.Transport, error) {
			return gorillaws.Upgrade(r, w, protocols...)
		}
	}
}

// Server represents a pub/sub server
type Server struct {
	address  string
	listener net.Listener
	server   *http.Server
	hub      *Hub
	upgrade  UpgradeFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// mu orders session registration against Stop.
	mu       sync.Mutex
	stopping bool
}

// New creates a new Server instance
func New(address string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		hub:     NewHub(),
		ctx:     ctx,
		cancel:  cancel,
		upgrade: func(r *http.Request, w http.ResponseWriter, protocols ...string) (transport.Transport, error) {
			return ws.Upgrade(r, w, protocols...)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(ClientPath, s.handleClient)
	s.server = &http.Server{Handler: mux}

	log.Printf("Server started on %s", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server stopped: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and every session, then waits for them to end.
func (s *Server) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		if s.server != nil {
			s.server.Close()
		}
		s.cancel()
		s.wg.Wait()
	})
}

// Drain tells every connected client it is being disconnected and waits
// until their sessions ended or ctx is done.
func (s *Server) Drain(ctx context.Context, reason string) error {
	sessions := s.hub.Sessions()
	for _, sess := range sessions {
		if err := sess.Disconnect(ctx, reason); err != nil && !errors.Is(err, errSessionClosed) {
			return err
		}
	}
	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// URL returns the WebSocket URL clients connect to.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + ClientPath
}

// ClientCount returns the number of connected sessions
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Publish sends data to every member of group.
func (s *Server) Publish(ctx context.Context, group string, data []byte) error {
	return publish(ctx, s.hub, group, data)
}

// SendToConnection sends data to one connection outside of any group.
// The message carries "server" as its sender.
func (s *Server) SendToConnection(ctx context.Context, connectionID string, data []byte) error {
	sess, ok := s.hub.Lookup(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	d := protocol.DirectData("server", data)
	encoded, err := d.Encode()
	if err != nil {
		return err
	}
	return sess.Send(ctx, encoded)
}

// Disconnect tells a connection it is being disconnected and closes it.
func (s *Server) Disconnect(ctx context.Context, connectionID, reason string) error {
	sess, ok := s.hub.Lookup(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return sess.Disconnect(ctx, reason)
}

// handleClient upgrades the request and serves the session
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade(r, w, protocol.Subprotocol)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		log.Printf("Rejecting client without subprotocol %s", protocol.Subprotocol)
		_ = conn.CloseOutput(r.Context(), transport.CloseProtocolError, "unsupported subprotocol")
		_ = conn.Release()
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = "anonymous-" + uuid.NewString()[:8]
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = conn.CloseOutput(r.Context(), transport.CloseGoingAway, "server stopping")
		_ = conn.Release()
		return
	}
	sess := newSession(uuid.NewString(), userID, conn, s.hub)
	s.hub.Register(sess)
	s.wg.Add(1)
	s.mu.Unlock()

	log.Printf("Session %s opened for %s", sess.ID(), userID)
	go func() {
		defer s.wg.Done()
		defer s.hub.Unregister(sess)
		sess.serve(s.ctx)
	}()
}
