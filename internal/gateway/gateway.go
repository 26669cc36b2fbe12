// Package gateway serves the diagnostics HTTP endpoint: health, session
// snapshots, and a websocket stream of session status reports. It is a
// side-car surface; its failures are never fatal to the protocol endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/stack"
)

// Config holds the gateway's collaborators. The funcs decouple it from the
// lifecycle controller.
type Config struct {
	BindAddr string
	Logger   *slog.Logger
	Bus      *bus.Bus

	Fingerprint string
	State       func() string
	Uptime      func() time.Duration
	Sessions    func() []stack.SessionSnapshot
	DenyCount   func() int64
}

// Server is the diagnostics endpoint.
type Server struct {
	cfg  Config
	http *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the route table. Split out for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/events", s.handleEvents)
	return mux
}

// Start begins serving in the background. Listener errors after startup are
// logged, not propagated.
func (s *Server) Start(_ context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error("diagnostics gateway stopped", "error", err)
		}
	}()
	s.cfg.Logger.Info("diagnostics gateway listening", "addr", s.cfg.BindAddr)
	return nil
}

// Stop shuts the listener down, waiting out in-flight requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status            string  `json:"status"`
	State             string  `json:"state"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Sessions          int     `json:"sessions"`
	TrustDenies       int64   `json:"trust_denies"`
	ConfigFingerprint string  `json:"config_fingerprint"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status:            "ok",
		ConfigFingerprint: s.cfg.Fingerprint,
	}
	if s.cfg.State != nil {
		resp.State = s.cfg.State()
		if resp.State != "running" {
			resp.Status = "degraded"
		}
	}
	if s.cfg.Uptime != nil {
		resp.UptimeSeconds = s.cfg.Uptime().Seconds()
	}
	if s.cfg.Sessions != nil {
		resp.Sessions = len(s.cfg.Sessions())
	}
	if s.cfg.DenyCount != nil {
		resp.TrustDenies = s.cfg.DenyCount()
	}
	writeJSON(w, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := []stack.SessionSnapshot{}
	if s.cfg.Sessions != nil {
		sessions = s.cfg.Sessions()
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

type eventEnvelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleEvents streams session and trust events over a websocket. Slow
// consumers miss events; the bus never blocks on them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("session.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, eventEnvelope{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
