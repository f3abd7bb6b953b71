package server

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omochice/socketeer/pkg/protocol"
	"github.com/omochice/socketeer/pkg/transport"
)

const (
	outgoingBuffer = 64
	closeTimeout   = time.Second
)

var errSessionClosed = errors.New("server: session closed")

// outgoing is one queued message. A close entry sends a close frame after
// its data and stops the write loop.
type outgoing struct {
	data   []byte
	close  bool
	reason string
}

// Session is one accepted client connection.
type Session struct {
	id     string
	userID string
	conn   transport.Transport
	hub    *Hub

	outgoing chan outgoing
	done     chan struct{}
}

// newSession returns a session with Connected already queued.
func newSession(id, userID string, conn transport.Transport, hub *Hub) *Session {
	s := &Session{
		id:       id,
		userID:   userID,
		conn:     conn,
		hub:      hub,
		outgoing: make(chan outgoing, outgoingBuffer),
		done:     make(chan struct{}),
	}
	connected := protocol.Connected(id, userID)
	data, _ := connected.Encode()
	s.outgoing <- outgoing{data: data}
	return s
}

// ID returns the connection id assigned on accept.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the user the session was opened for.
func (s *Session) UserID() string {
	return s.userID
}

// Send queues an encoded downstream envelope.
func (s *Session) Send(ctx context.Context, data []byte) error {
	return s.enqueue(ctx, outgoing{data: data})
}

// Disconnect queues a Disconnected message followed by a close frame.
func (s *Session) Disconnect(ctx context.Context, reason string) error {
	d := protocol.Disconnected(reason)
	data, err := d.Encode()
	if err != nil {
		return err
	}
	return s.enqueue(ctx, outgoing{data: data, close: true, reason: reason})
}

func (s *Session) enqueue(ctx context.Context, m outgoing) error {
	select {
	case s.outgoing <- m:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the read and write loops until either fails.
func (s *Session) serve(ctx context.Context) {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	err := g.Wait()

	switch {
	case errors.Is(err, transport.ErrPeerClosed):
		log.Printf("Session %s closed by client", s.id)
	case err != nil && ctx.Err() == nil:
		log.Printf("Session %s ended: %v", s.id, err)
	}

	s.close(ctx.Err() != nil)
}

// close answers or starts the close handshake and releases the connection.
func (s *Session) close(shuttingDown bool) {
	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	code, reason := s.conn.CloseStatus()
	switch {
	case code != transport.CloseNone:
	case shuttingDown:
		code = transport.CloseGoingAway
	default:
		code = transport.CloseNormalClosure
	}
	_ = s.conn.CloseOutput(cctx, code, reason)
	_ = s.conn.Release()
}

func (s *Session) readLoop(ctx context.Context) error {
	r := transport.NewMessageReader(s.conn, 0, 0)
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			return err
		}

		var m protocol.Upstream
		if err := m.Decode(msg); err != nil {
			log.Printf("Failed to decode message from %s: %v", s.id, err)
			continue
		}

		switch m.Type {
		case protocol.UpstreamJoinGroup:
			s.hub.Join(s, m.Group)
		case protocol.UpstreamLeaveGroup:
			s.hub.Leave(s, m.Group)
		case protocol.UpstreamSendToGroup:
			if err := s.publish(ctx, m.Group, m.Data); err != nil {
				return err
			}
		}
	}
}

// publish fans data out to every member of group, the sender included.
func (s *Session) publish(ctx context.Context, group string, data []byte) error {
	return publish(ctx, s.hub, group, data)
}

func publish(ctx context.Context, hub *Hub, group string, data []byte) error {
	d := protocol.GroupData(group, data)
	encoded, err := d.Encode()
	if err != nil {
		return err
	}
	for _, member := range hub.Members(group) {
		if err := member.Send(ctx, encoded); err != nil && !errors.Is(err, errSessionClosed) {
			return err
		}
	}
	return nil
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.outgoing:
			if err := s.conn.Send(ctx, m.data, true); err != nil {
				return err
			}
			if m.close {
				cctx, cancel := context.WithTimeout(ctx, closeTimeout)
				err := s.conn.CloseOutput(cctx, transport.CloseNormalClosure, m.reason)
				cancel()
				// The read loop runs on until the client answers.
				return err
			}
		}
	}
}
