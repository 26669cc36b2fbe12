package bus

import (
	"testing"
	"time"
)

func TestPublish_PrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	sessions := b.Subscribe("session.")
	trust := b.Subscribe("trust.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(sessions)
	defer b.Unsubscribe(trust)

	b.Publish(TopicSessionCreated, "s1")
	b.Publish(TopicTrustDecision, "d1")

	if ev := <-sessions.Ch(); ev.Topic != TopicSessionCreated {
		t.Fatalf("session subscriber got %s", ev.Topic)
	}
	select {
	case ev := <-sessions.Ch():
		t.Fatalf("session subscriber must not see %s", ev.Topic)
	default:
	}

	if ev := <-trust.Ch(); ev.Topic != TopicTrustDecision {
		t.Fatalf("trust subscriber got %s", ev.Topic)
	}
	for i := 0; i < 2; i++ {
		if _, ok := <-all.Ch(); !ok {
			t.Fatalf("catch-all subscriber missed event %d", i)
		}
	}
}

func TestUnsubscribe_ClosesChannelOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("session.")
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	// Double unsubscribe and nil are no-ops.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	// Publishing after unsubscribe must not panic.
	b.Publish(TopicSessionCreated, "late")
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicSessionStatus, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		case <-time.After(10 * time.Millisecond):
			if count != defaultBufferSize {
				t.Fatalf("expected exactly %d buffered events, got %d", defaultBufferSize, count)
			}
			return
		}
	}
}
