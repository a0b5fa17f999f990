package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newFakeMediaServer starts a WebSocket server that hands every request it
// receives to onRequest, which decides whether and how to reply. It also
// hands the accepted connection to acceptedConns so a test can push
// unprompted notifications.
func newFakeMediaServer(t *testing.T, onRequest func(req map[string]interface{}, conn *websocket.Conn)) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	acceptedConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		acceptedConns <- conn
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var req map[string]interface{}
				require.NoError(t, json.Unmarshal(data, &req))
				onRequest(req, conn)
			}
		}()
	}))
	return srv, acceptedConns
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestMediaServerClient_CallReturnsMatchingResponse(t *testing.T) {
	srv, _ := newFakeMediaServer(t, func(req map[string]interface{}, conn *websocket.Conn) {
		resp := map[string]interface{}{
			"id":      req["id"],
			"jsonrpc": "2.0",
			"result":  map[string]interface{}{"value": "pipeline-123"},
		}
		body, _ := json.Marshal(resp)
		_ = conn.WriteMessage(websocket.TextMessage, body)
	})
	defer srv.Close()

	client := NewMediaServerClient(wsURL(srv.URL), 2*time.Second)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	pipelineID, err := client.CreateMediaPipeline(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pipeline-123", pipelineID)
}

func TestMediaServerClient_CallTimesOutWithoutAResponse(t *testing.T) {
	srv, _ := newFakeMediaServer(t, func(req map[string]interface{}, conn *websocket.Conn) {
		// Deliberately never respond.
	})
	defer srv.Close()

	client := NewMediaServerClient(wsURL(srv.URL), 50*time.Millisecond)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	_, err := client.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestMediaServerClient_NotificationsReachListeners(t *testing.T) {
	srv, acceptedConns := newFakeMediaServer(t, func(req map[string]interface{}, conn *websocket.Conn) {})
	defer srv.Close()

	client := NewMediaServerClient(wsURL(srv.URL), 2*time.Second)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	received := make(chan Notification, 1)
	client.AddEventListener(func(n Notification) { received <- n })

	serverSideConn := <-acceptedConns
	notification := map[string]interface{}{
		"method": "onEvent",
		"params": map[string]interface{}{"value": map[string]interface{}{"type": "OnIceCandidate"}},
	}
	body, err := json.Marshal(notification)
	require.NoError(t, err)
	require.NoError(t, serverSideConn.WriteMessage(websocket.TextMessage, body))

	select {
	case n := <-received:
		require.Equal(t, "onEvent", n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a notification to reach the listener")
	}
}
