// Package bus is the in-process pub/sub surface for session, trust, and
// lifecycle events. Subscriptions are explicit registrations with an
// unsubscribe handle; delivery is non-blocking and slow consumers drop.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

// Topics published by the lifecycle engine.
const (
	TopicSessionCreated   = "session.created"
	TopicSessionActivated = "session.activated"
	TopicSessionClosing   = "session.closing"
	TopicSessionStatus    = "session.status"
	TopicTrustDecision    = "trust.decision"
	TopicLifecycleState   = "lifecycle.state"
	TopicConfigChanged    = "config.changed"
	TopicTrustStoreReload = "trust.store_reloaded"
)

// SessionStatusEvent is one status record for one session.
type SessionStatusEvent struct {
	Reason      string    `json:"reason"`
	SessionID   uuid.UUID `json:"session_id"`
	SessionName string    `json:"session_name"`
	Identity    string    `json:"identity,omitempty"`
	LastContact time.Time `json:"last_contact"`
}

// TrustDecisionEvent is published for every trust gate decision.
type TrustDecisionEvent struct {
	Decision string `json:"decision"`
	Subject  string `json:"subject"`
	Status   string `json:"status"`
}

// StateChangedEvent is published on lifecycle transitions.
type StateChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is an active registration on the bus.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel events are delivered on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus is a topic-prefix pub/sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for events whose topic starts with prefix. An empty
// prefix matches everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: prefix, ch: make(chan Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to all matching subscribers without blocking.
// A subscriber whose buffer is full misses the event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
