// Package monitor observes client session activity and emits liveness
// status records. One monitor runs per successful server start; it polls on a
// fixed cadence and reports immediately on session lifecycle events.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsen/uabridge/internal/bus"
	otelx "github.com/mkarlsen/uabridge/internal/otel"
	"github.com/mkarlsen/uabridge/internal/stack"
)

// StatusReason tags the periodic idle sweep, as opposed to the session
// lifecycle event reasons.
const StatusReason = "-Status-"

const lastContactLayout = "2006-01-02 15:04:05"

// Config holds the monitor's collaborators and cadence.
type Config struct {
	Logger *slog.Logger
	Bus    *bus.Bus
	// Metrics is optional.
	Metrics *otelx.Metrics

	// PollInterval bounds the loop's reaction latency; IdleThreshold is the
	// silence duration that triggers a periodic status sweep. Independent
	// knobs; do not derive one from the other.
	PollInterval  time.Duration
	IdleThreshold time.Duration
}

// Monitor is the session liveness loop.
type Monitor struct {
	cfg Config

	mu           sync.Mutex
	sessions     stack.SessionManager
	unsubscribe  func()
	lastActivity time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 6 * time.Second
	}
	return &Monitor{cfg: cfg, lastActivity: time.Now()}
}

// Bind attaches the monitor to the running server's session registry and
// subscribes for lifecycle events. Called from the providers-ready hook,
// before the loop starts.
func (m *Monitor) Bind(sm stack.SessionManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.sessions = sm
	m.lastActivity = time.Now()
	m.unsubscribe = sm.Subscribe(m.handleEvent)
}

// Start launches the polling loop. It must be paired with Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.wg.Add(1)
	go m.loop(ctx)
	m.cfg.Logger.Info("session monitor started",
		"poll_interval", m.cfg.PollInterval,
		"idle_threshold", m.cfg.IdleThreshold,
	)
}

// Stop cancels the loop, waits for it to exit, and drops the event
// subscription. Safe to call when the monitor never started, and safe to
// call twice; it never blocks longer than the loop's bounded exit latency.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.sessions = nil
	m.mu.Unlock()
	if m.started {
		m.cfg.Logger.Info("session monitor stopped")
	}
	m.started = false
	m.cancel = nil
}

// handleEvent runs on stack-owned goroutines: it resets the idle timer and
// emits an immediate status record for the affected session, so steady
// traffic never produces the periodic sweep.
func (m *Monitor) handleEvent(ev stack.SessionEvent) {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionEvents.Add(context.Background(), 1)
		switch ev.Kind {
		case stack.SessionCreated:
			m.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
		case stack.SessionClosing:
			m.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}
	if m.cfg.Bus != nil {
		topic := map[stack.SessionEventKind]string{
			stack.SessionCreated:   bus.TopicSessionCreated,
			stack.SessionActivated: bus.TopicSessionActivated,
			stack.SessionClosing:   bus.TopicSessionClosing,
		}[ev.Kind]
		m.cfg.Bus.Publish(topic, ev.Session.Snapshot())
	}
	m.report(ev.Session, ev.Kind.String())
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick runs one poll iteration. A failure here is logged and the loop
// continues; crashing the monitor would deadlock the controller's join.
func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("session monitor sweep failed", "panic", fmt.Sprint(r))
		}
	}()

	m.mu.Lock()
	sessions := m.sessions
	idle := time.Since(m.lastActivity)
	m.mu.Unlock()

	if sessions == nil || idle < m.cfg.IdleThreshold {
		return
	}

	start := time.Now()
	for _, s := range sessions.Sessions() {
		m.report(s, StatusReason)
	}
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.MonitorSweeps.Record(context.Background(), time.Since(start).Seconds())
	}
}

// report emits one status record. Snapshot holds the session's diagnostic
// lock for the duration of the read.
func (m *Monitor) report(s *stack.Session, reason string) {
	snap := s.Snapshot()
	m.cfg.Logger.Info("session status",
		"reason", reason,
		"session", snap.Name,
		"last_contact", snap.LastContact.Local().Format(lastContactLayout),
	)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StatusReports.Add(context.Background(), 1)
	}
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicSessionStatus, bus.SessionStatusEvent{
			Reason:      reason,
			SessionID:   snap.ID,
			SessionName: snap.Name,
			Identity:    snap.Identity,
			LastContact: snap.LastContact,
		})
	}
}
