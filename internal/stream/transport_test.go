package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasktree/tasktree-sync/internal/auth"
)

// streamBackend serves /sse/project/{projectID} over SSE and WebSocket.
// Each connection sends a connected event, one task update and a
// malformed payload, then stays open until the client leaves.
func streamBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r := chi.NewRouter()
	r.Get("/sse/project/{projectID}", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id := chi.URLParam(req, "projectID")

		if websocket.IsWebSocketUpgrade(req) {
			conn, err := upgrader.Upgrade(w, req, nil)
			if err != nil {
				t.Logf("upgrade error: %v", err)
				return
			}
			defer conn.Close()
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"event":"connected","data":{"projectId":%q}}`, id)))
			conn.WriteMessage(websocket.TextMessage, []byte(`not an envelope`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"taskUpdate","data":{"id":"t1"}}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: connected\ndata: {\"projectId\":%q}\n\n", id)
		fmt.Fprint(w, "event: taskUpdate\ndata: {broken\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: taskUpdate\ndata: {\"id\":\"t1\"}\n\n")
		flusher.Flush()
		<-req.Context().Done()
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestTransports_EndToEnd(t *testing.T) {
	server := streamBackend(t)

	tests := []struct {
		name   string
		dialer Dialer
	}{
		{"sse", NewSSEDialer(nil, nil)},
		{"websocket", NewWebSocketDialer(WebSocketConfig{}, nil)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cache := &countingCache{}
			client := NewClient(Config{URL: server.URL + "/sse/project"}, tt.dialer, auth.StaticToken("secret"), cache, nil)
			defer client.Close()

			events := make(chan Event, 8)
			_, err := client.Subscribe("p1", func(ev Event) { events <- ev })
			require.NoError(t, err)

			ev := receive(t, events)
			assert.Equal(t, EventConnected, ev.Type)
			assert.JSONEq(t, `{"projectId":"p1"}`, string(ev.Data))

			ev = receive(t, events)
			assert.Equal(t, EventTaskUpdate, ev.Type)
			assert.JSONEq(t, `{"id":"t1"}`, string(ev.Data))

			assert.Equal(t, Connected, client.State("p1"))
			assert.Eventually(t, func() bool { return cache.refetches.Load() == 1 },
				5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestTransports_RejectedTokenReconnects(t *testing.T) {
	server := streamBackend(t)

	tests := []struct {
		name   string
		dialer Dialer
	}{
		{"sse", NewSSEDialer(nil, nil)},
		{"websocket", NewWebSocketDialer(WebSocketConfig{}, nil)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(Config{URL: server.URL + "/sse/project", BaseDelay: time.Hour, MaxDelay: time.Hour},
				tt.dialer, auth.StaticToken("wrong"), nil, nil)
			defer client.Close()

			_, err := client.Subscribe("p1", noop)
			require.NoError(t, err)
			assert.Eventually(t, func() bool { return client.State("p1") == Reconnecting },
				5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestToWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://host/sse/project/p1?token=x", "ws://host/sse/project/p1?token=x", false},
		{"https://host/api/sse/project/p1", "wss://host/api/sse/project/p1", false},
		{"ws://host/x", "ws://host/x", false},
		{"ftp://host/x", "", true},
	}
	for _, tt := range tests {
		got, err := toWebSocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
