package gorillaws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socketeer/pkg/transport"
	"github.com/omochice/socketeer/pkg/transport/gorillaws"
	"github.com/omochice/socketeer/pkg/transport/ws"
)

func startServer(t *testing.T) (string, <-chan *gorillaws.Conn) {
	t.Helper()
	accepted := make(chan *gorillaws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := gorillaws.Upgrade(r, w, "test.v1")
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func TestDialUpgrade(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	server := <-accepted
	defer server.Release()

	assert.Equal(t, "test.v1", client.Subprotocol())
	assert.Equal(t, "test.v1", server.Subprotocol())
	assert.Equal(t, transport.RoleClient, client.Role())
	assert.Equal(t, transport.RoleServer, server.Role())
	assert.Equal(t, transport.StateOpen, client.State())
}

func TestConn_Fragments(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	server := <-accepted
	defer server.Release()

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, []byte("frag"), false))
	require.NoError(t, client.Send(ctx, []byte("mented"), true))
	require.NoError(t, client.Send(ctx, []byte("next"), true))

	r := transport.NewMessageReader(server, 3, 0)
	msg, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fragmented", string(msg))

	msg, err = r.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", string(msg))
}

func TestConn_InteroperatesWithGobwas(t *testing.T) {
	url, accepted := startServer(t)

	client, err := ws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	server := <-accepted
	defer server.Release()

	require.Equal(t, "test.v1", client.Subprotocol())

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, []byte("from gobwas"), true))
	msg, err := transport.NewMessageReader(server, 0, 0).ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from gobwas", string(msg))

	require.NoError(t, server.Send(ctx, []byte("from gorilla"), true))
	msg, err = transport.NewMessageReader(client, 0, 0).ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from gorilla", string(msg))
}

func TestConn_CloseHandshake(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	server := <-accepted
	defer server.Release()

	done := make(chan error, 1)
	go func() {
		done <- client.CloseHandshake(context.Background(), transport.CloseGoingAway, "leaving")
	}()

	res, err := server.Receive(context.Background(), make([]byte, 16))
	require.NoError(t, err)
	require.True(t, res.Close)
	assert.Equal(t, transport.StateCloseReceived, server.State())

	code, reason := server.CloseStatus()
	assert.Equal(t, transport.CloseGoingAway, code)
	assert.Equal(t, "leaving", reason)

	require.NoError(t, server.CloseOutput(context.Background(), code, reason))
	assert.Equal(t, transport.StateClosed, server.State())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("CloseHandshake() did not return after the peer answered")
	}
	assert.Equal(t, transport.StateClosed, client.State())
}

func TestConn_CloseHandshakeAfterCanceledReceive(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	server := <-accepted
	defer server.Release()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan error, 1)
	go func() {
		_, err := client.Receive(ctx, make([]byte, 16))
		received <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-received, context.Canceled)

	done := make(chan error, 1)
	go func() {
		done <- client.CloseHandshake(context.Background(), transport.CloseNormalClosure, "")
	}()

	res, err := server.Receive(context.Background(), make([]byte, 16))
	require.NoError(t, err)
	require.True(t, res.Close)
	require.NoError(t, server.CloseOutput(context.Background(), transport.CloseNormalClosure, ""))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("CloseHandshake() did not return after the peer answered")
	}
	assert.Equal(t, transport.StateClosed, client.State())
	code, _ := client.CloseStatus()
	assert.Equal(t, transport.CloseNormalClosure, code)
}

func TestConn_ReceiveAfterRelease(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer (<-accepted).Release()

	received := make(chan error, 1)
	go func() {
		_, err := client.Receive(context.Background(), make([]byte, 16))
		received <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Release())

	select {
	case err := <-received:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Receive() did not return after Release")
	}
}

func TestConn_ReceiveCanceled(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer client.Release()
	defer (<-accepted).Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = client.Receive(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_Release(t *testing.T) {
	url, accepted := startServer(t)

	client, err := gorillaws.Dial(context.Background(), url, "test.v1")
	require.NoError(t, err)
	defer (<-accepted).Release()

	assert.NoError(t, client.Release())
	assert.NoError(t, client.Release())
	assert.Equal(t, transport.StateAborted, client.State())
	assert.Error(t, client.Send(context.Background(), []byte("x"), true))
}
