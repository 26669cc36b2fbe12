package stack

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one client connection context. Identity fields are fixed at
// creation; the diagnostic fields are guarded by a per-record lock because
// they are written from stack-owned event goroutines while the session
// monitor reads them.
type Session struct {
	id       uuid.UUID
	name     string
	identity string

	mu          sync.Mutex
	lastContact time.Time
}

// NewSession creates a session record. identity may be empty when the client
// has not bound a user identity yet.
func NewSession(name, identity string) *Session {
	return &Session{
		id:          uuid.New(),
		name:        name,
		identity:    identity,
		lastContact: time.Now(),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Name() string { return s.name }

func (s *Session) Identity() string { return s.identity }

// Touch records client contact at the given time.
func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	s.lastContact = at
	s.mu.Unlock()
}

// LastContact returns the last recorded client contact.
func (s *Session) LastContact() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact
}

// SessionSnapshot is a consistent read of a session's diagnostic state.
type SessionSnapshot struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Identity    string    `json:"identity,omitempty"`
	LastContact time.Time `json:"last_contact"`
}

// Snapshot reads the mutable fields under the record's lock so a concurrently
// firing session event cannot tear the read.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:          s.id,
		Name:        s.name,
		Identity:    s.identity,
		LastContact: s.lastContact,
	}
}
