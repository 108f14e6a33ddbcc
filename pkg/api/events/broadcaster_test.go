package events

import (
	"testing"
	"time"
)

func TestBroadcaster_SubscribeBroadcastUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Broadcast(Event{
		Type: TypeReflectionStatus,
		Payload: map[string]any{
			"status": "thinking",
		},
	})

	select {
	case event := <-ch:
		if event.Type != TypeReflectionStatus {
			t.Fatalf("type = %q, want %s", event.Type, TypeReflectionStatus)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("timestamp should be filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast event")
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.Subscribers())
	}
}

func TestBroadcaster_PublishDropsOnOverflow(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(2)

	b.Publish(TypeDigestCompleted, map[string]any{"facts": 1})
	b.Publish(TypeDigestCompleted, map[string]any{"facts": 2})
	b.Publish(TypeDigestCompleted, map[string]any{"facts": 3})

	if len(ch) != 2 {
		t.Fatalf("buffered = %d, want 2", len(ch))
	}
	first := <-ch
	if first.Payload.(map[string]any)["facts"] != 1 {
		t.Errorf("first payload = %v", first.Payload)
	}

	b.Close()
	if _, ok := <-ch; !ok {
		return
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
}
