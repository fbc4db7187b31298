package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// newWSStreamPair starts an httptest server that upgrades every request to
// a WSStream, dials it with a plain gorilla/websocket client, and returns
// both ends plus a cleanup func.
func newWSStreamPair(t *testing.T) (*WSStream, *websocket.Conn, func()) {
	t.Helper()
	streamCh := make(chan *WSStream, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := NewWSStream(w, r)
		require.NoError(t, err)
		streamCh <- s
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	server := <-streamCh
	cleanup := func() {
		client.Close()
		server.Close()
		srv.Close()
	}
	return server, client, cleanup
}

func TestWSStreamSendReachesClient(t *testing.T) {
	server, client, cleanup := newWSStreamPair(t)
	defer cleanup()

	require.NoError(t, server.Send(protocol.Alert{Title: "hi", Message: "there"}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var got protocol.Alert
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hi", got.Title)
	assert.Equal(t, "there", got.Message)
}

func TestWSStreamRequestsDecodesClientMessages(t *testing.T) {
	server, client, cleanup := newWSStreamPair(t)
	defer cleanup()

	req := protocol.ControlRequest{Kind: protocol.ReqStop}
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, payload))

	select {
	case got := <-server.Requests():
		assert.Equal(t, protocol.ReqStop, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control request")
	}
}

func TestWSStreamRequestsChannelClosesOnClientDisconnect(t *testing.T) {
	server, client, cleanup := newWSStreamPair(t)
	defer func() { server.Close() }()
	client.Close()

	select {
	case _, ok := <-server.Requests():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requests channel to close")
	}
	cleanup()
}
