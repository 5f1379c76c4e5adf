package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.status_changed", Timestamp: time.Now(), Payload: "x"})

	select {
	case evt := <-ch:
		if evt.Kind != "session.status_changed" {
			t.Errorf("got kind %q, want session.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("push.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.status_changed"})
	b.Publish(Event{Kind: "push.message.insert"})

	select {
	case evt := <-ch:
		if evt.Kind != "push.message.insert" {
			t.Errorf("got kind %q, want push.message.insert", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 10)
	unsub()

	b.Publish(Event{Kind: "presence.changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: "message.one"})
	b.Publish(Event{Kind: "message.two"})

	evt := <-ch
	if evt.Kind != "message.one" {
		t.Errorf("got %q, want message.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("second event should have been dropped, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
