package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/gateway"
)

func newTestServer(t *testing.T) (*httptest.Server, *dispatch.Hub) {
	t.Helper()
	hub := dispatch.NewHub(8)
	keys := gateway.NewKeyRing(map[string]domain.Caller{
		"key-alice": {ID: "alice", Role: "user", Tier: "free"},
		"key-admin": {ID: "root", Role: domain.RoleAdmin},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(hub, keys, nil, nil, logger).Handler())
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) dispatch.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var e dispatch.Event
	if err := wsjson.Read(ctx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	return e
}

func TestServer_RejectsUnknownKey(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?token=bad", nil)
	if err == nil {
		t.Fatal("expected auth rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestServer_StreamsOwnEvents(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dial(t, srv, "key-alice")

	hub.Publish(dispatch.Event{ExecutionID: "ex-bob", CallerID: "bob", Status: "success"})
	hub.Publish(dispatch.Event{ExecutionID: "ex-alice", CallerID: "alice", Status: "success"})

	e := readEvent(t, conn)
	if e.ExecutionID != "ex-alice" {
		t.Errorf("execution_id = %q, want %q", e.ExecutionID, "ex-alice")
	}
}

func TestServer_AdminSeesAllCallers(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dial(t, srv, "key-admin")

	hub.Publish(dispatch.Event{ExecutionID: "ex-bob", CallerID: "bob", Status: "initiated"})

	e := readEvent(t, conn)
	if e.ExecutionID != "ex-bob" || e.Status != "initiated" {
		t.Errorf("event = %+v, want ex-bob initiated", e)
	}
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc", "", "abc"},
		{"header wins", "Bearer abc", "xyz", "abc"},
		{"query fallback", "", "xyz", "xyz"},
		{"non-bearer header", "Basic abc", "xyz", "xyz"},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/events?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := requestToken(r); got != tt.want {
				t.Errorf("requestToken = %q, want %q", got, tt.want)
			}
		})
	}
}
