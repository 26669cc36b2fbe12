package memstack

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/uabridge/internal/stack"
)

// SessionManager is the in-memory session registry. Create/Activate/Close
// drive the same lifecycle events a wire-connected stack would fire from its
// transport goroutines.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*stack.Session
	nextSub  int
	subs     map[int]stack.SessionEventHandler
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uuid.UUID]*stack.Session),
		subs:     make(map[int]stack.SessionEventHandler),
	}
}

func (m *SessionManager) Sessions() []*stack.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*stack.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *SessionManager) Subscribe(h stack.SessionEventHandler) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Create registers a new session and fires SessionCreated.
func (m *SessionManager) Create(name, identity string) *stack.Session {
	s := stack.NewSession(name, identity)
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.fire(stack.SessionCreated, s)
	return s
}

// Activate marks client contact and fires SessionActivated.
func (m *SessionManager) Activate(s *stack.Session) {
	s.Touch(time.Now())
	m.fire(stack.SessionActivated, s)
}

// Close fires SessionClosing and removes the session from the registry.
func (m *SessionManager) Close(s *stack.Session) {
	m.fire(stack.SessionClosing, s)
	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
}

func (m *SessionManager) fire(kind stack.SessionEventKind, s *stack.Session) {
	m.mu.RLock()
	handlers := make([]stack.SessionEventHandler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	ev := stack.SessionEvent{Kind: kind, Session: s, At: time.Now()}
	for _, h := range handlers {
		h(ev)
	}
}
