package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/stack"
)

func testServer(b *bus.Bus, state string, sessions []stack.SessionSnapshot) *Server {
	return New(Config{
		Logger:      slog.New(slog.DiscardHandler),
		Bus:         b,
		Fingerprint: "cfg-test",
		State:       func() string { return state },
		Uptime:      func() time.Duration { return 42 * time.Second },
		Sessions:    func() []stack.SessionSnapshot { return sessions },
		DenyCount:   func() int64 { return 3 },
	})
}

func TestHealthz_ReflectsLifecycleState(t *testing.T) {
	srv := httptest.NewServer(testServer(bus.New(), "running", nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "ok" || h.State != "running" {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.ConfigFingerprint != "cfg-test" || h.TrustDenies != 3 {
		t.Fatalf("unexpected health detail: %+v", h)
	}

	degraded := httptest.NewServer(testServer(bus.New(), "stopped", nil).Handler())
	defer degraded.Close()
	resp2, err := http.Get(degraded.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "degraded" {
		t.Fatalf("expected degraded status when not running, got %+v", h)
	}
}

func TestSessions_ListsSnapshots(t *testing.T) {
	snaps := []stack.SessionSnapshot{
		{ID: uuid.New(), Name: "OpSession", LastContact: time.Now()},
		{ID: uuid.New(), Name: "Hist", LastContact: time.Now()},
	}
	srv := httptest.NewServer(testServer(bus.New(), "running", snaps).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []stack.SessionSnapshot `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[0].Name != "OpSession" {
		t.Fatalf("unexpected sessions payload: %+v", body.Sessions)
	}
}

func TestEvents_StreamsStatusReports(t *testing.T) {
	b := bus.New()
	srv := httptest.NewServer(testServer(b, "running", nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The subscription is registered during the handshake; give the handler
	// a beat before publishing.
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.TopicSessionStatus, bus.SessionStatusEvent{
		Reason:      "-Status-",
		SessionName: "OpSession",
		LastContact: time.Now(),
	})

	var env struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if env.Topic != bus.TopicSessionStatus {
		t.Fatalf("unexpected topic %q", env.Topic)
	}
	var status bus.SessionStatusEvent
	if err := json.Unmarshal(env.Payload, &status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.Reason != "-Status-" || status.SessionName != "OpSession" {
		t.Fatalf("unexpected status event: %+v", status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(testServer(bus.New(), "running", nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("post sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
