package monitor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mkarlsen/uabridge/internal/bus"
	"github.com/mkarlsen/uabridge/internal/stack"
	"github.com/mkarlsen/uabridge/internal/stack/memstack"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitStatus reads bus events until a session.status event arrives or the
// timeout elapses.
func waitStatus(t *testing.T, sub *bus.Subscription, timeout time.Duration) (bus.SessionStatusEvent, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return bus.SessionStatusEvent{}, false
		case ev, ok := <-sub.Ch():
			if !ok {
				t.Fatalf("subscription closed unexpectedly")
			}
			if ev.Topic == bus.TopicSessionStatus {
				return ev.Payload.(bus.SessionStatusEvent), true
			}
		}
	}
}

func TestSessionEvent_EmitsImmediateReport(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionStatus)
	defer b.Unsubscribe(sub)

	sm := memstack.NewSessionManager()
	m := New(Config{Logger: quietLogger(), Bus: b, PollInterval: time.Hour, IdleThreshold: time.Hour})
	m.Bind(sm)
	defer m.Stop()

	s := sm.Create("OpSession", "operator")
	ev, ok := waitStatus(t, sub, time.Second)
	if !ok {
		t.Fatalf("expected an immediate status report for session creation")
	}
	if ev.Reason != "Created" || ev.SessionName != "OpSession" {
		t.Fatalf("unexpected report: %+v", ev)
	}

	sm.Activate(s)
	if ev, ok = waitStatus(t, sub, time.Second); !ok || ev.Reason != "Activated" {
		t.Fatalf("expected Activated report, got %+v ok=%v", ev, ok)
	}

	sm.Close(s)
	if ev, ok = waitStatus(t, sub, time.Second); !ok || ev.Reason != "Closing" {
		t.Fatalf("expected Closing report, got %+v ok=%v", ev, ok)
	}
}

func TestIdleSweep_ReportsEverySessionOnce(t *testing.T) {
	b := bus.New()
	sm := memstack.NewSessionManager()
	// Sessions exist before the monitor binds, so creation fires no events.
	sm.Create("OpSession", "")
	sm.Create("Hist", "")

	m := New(Config{Logger: quietLogger(), Bus: b, PollInterval: 10 * time.Millisecond, IdleThreshold: 80 * time.Millisecond})
	m.Bind(sm)

	sub := b.Subscribe(bus.TopicSessionStatus)
	defer b.Unsubscribe(sub)

	m.Start(context.Background())
	defer m.Stop()

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		ev, ok := waitStatus(t, sub, 2*time.Second)
		if !ok {
			t.Fatalf("expected idle sweep to report both sessions, got %d", i)
		}
		if ev.Reason != StatusReason {
			t.Fatalf("expected %q reason, got %q", StatusReason, ev.Reason)
		}
		seen[ev.SessionName]++
	}
	if seen["OpSession"] != 1 || seen["Hist"] != 1 {
		t.Fatalf("expected one report per session, got %v", seen)
	}

	// The sweep resets the idle timer; nothing more arrives well inside the
	// next threshold window.
	if ev, ok := waitStatus(t, sub, 40*time.Millisecond); ok {
		t.Fatalf("unexpected report inside reset window: %+v", ev)
	}
}

func TestIdleSweep_SuppressedByTraffic(t *testing.T) {
	b := bus.New()
	sm := memstack.NewSessionManager()
	m := New(Config{Logger: quietLogger(), Bus: b, PollInterval: 10 * time.Millisecond, IdleThreshold: 100 * time.Millisecond})
	m.Bind(sm)
	s := sm.Create("OpSession", "")

	sub := b.Subscribe(bus.TopicSessionStatus)
	defer b.Unsubscribe(sub)

	m.Start(context.Background())
	defer m.Stop()

	// Steady traffic: activate well inside the threshold for ~0.4s.
	stop := time.After(400 * time.Millisecond)
	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			sm.Activate(s)
		}
	}

	// Drain: every report must be event-driven, never the periodic sweep.
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != bus.TopicSessionStatus {
				continue
			}
			if ev.Payload.(bus.SessionStatusEvent).Reason == StatusReason {
				t.Fatalf("periodic sweep fired despite steady traffic")
			}
		default:
			return
		}
	}
}

func TestStop_JoinsLoopUnderConcurrentEvents(t *testing.T) {
	b := bus.New()
	sm := memstack.NewSessionManager()
	m := New(Config{Logger: quietLogger(), Bus: b, PollInterval: 5 * time.Millisecond, IdleThreshold: 10 * time.Millisecond})
	m.Bind(sm)
	m.Start(context.Background())

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					s := sm.Create("Churn", "")
					sm.Close(s)
				}
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not join the monitor loop")
	}
	close(done)
	wg.Wait()
}

func TestStop_IdempotentAndSafeWithoutStart(t *testing.T) {
	m := New(Config{Logger: quietLogger()})
	m.Stop() // never started

	m.Bind(memstack.NewSessionManager())
	m.Start(context.Background())
	m.Stop()
	m.Stop() // second call is a no-op
}

func TestSweepReadsUnderSessionLock(t *testing.T) {
	// A torn read would show up as a data race; this exercises concurrent
	// Touch against the sweep's Snapshot.
	b := bus.New()
	sm := memstack.NewSessionManager()
	s := sm.Create("OpSession", "")

	m := New(Config{Logger: quietLogger(), Bus: b, PollInterval: 5 * time.Millisecond, IdleThreshold: 10 * time.Millisecond})
	m.Bind(sm)
	m.Start(context.Background())
	defer m.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.Touch(time.Now())
		}
	}()
	<-done

	var _ stack.SessionSnapshot = s.Snapshot()
}
