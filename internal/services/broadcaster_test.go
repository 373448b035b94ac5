package services

import (
	"testing"
	"time"

	"mentora/internal/models"
)

func TestBroadcasterFanout(t *testing.T) {
	b := NewBroadcaster()

	sub1 := b.Subscribe(1)
	sub2 := b.Subscribe(1)
	other := b.Subscribe(2)

	b.Publish(1, models.ServerMessage{Type: "ai_start"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case msg := <-sub.C:
			if msg.Type != "ai_start" {
				t.Errorf("expected ai_start, got %s", msg.Type)
			}
			if msg.RoomID != 1 {
				t.Errorf("expected room 1 stamped on event, got %d", msg.RoomID)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case msg := <-other.C:
		t.Errorf("room 2 subscriber should not receive room 1 events, got %v", msg)
	default:
	}
}

func TestBroadcasterPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(1)

	// Overfill well past the buffer; Publish must return regardless
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*3; i++ {
			b.Publish(1, models.ServerMessage{Type: "ai_chunk", Content: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffered prefix is still delivered in order
	first := <-sub.C
	if first.Type != "ai_chunk" {
		t.Errorf("unexpected event type %s", first.Type)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(1)

	b.Unsubscribe(sub)

	if _, open := <-sub.C; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if count := b.SubscriberCount(1); count != 0 {
		t.Errorf("expected 0 subscribers, got %d", count)
	}

	// Double unsubscribe and publishing to an empty room are safe
	b.Unsubscribe(sub)
	b.Publish(1, models.ServerMessage{Type: "ai_end"})
}

func TestBroadcasterRelayHook(t *testing.T) {
	b := NewBroadcaster()

	relayed := make(chan models.ServerMessage, 1)
	b.SetRelay(func(roomID int64, msg models.ServerMessage) {
		relayed <- msg
	})

	sub := b.Subscribe(7)
	b.Publish(7, models.ServerMessage{Type: "ai_end"})

	select {
	case msg := <-relayed:
		if msg.Type != "ai_end" {
			t.Errorf("relay got %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("relay hook not invoked")
	}

	// PublishLocal must NOT hit the relay (loop suppression)
	b.PublishLocal(7, models.ServerMessage{Type: "ai_chunk"})
	<-sub.C // ai_end
	<-sub.C // ai_chunk delivered locally

	select {
	case msg := <-relayed:
		t.Errorf("PublishLocal must not relay, got %v", msg)
	default:
	}
}

func TestBroadcasterOrderPerPublisher(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(1)

	for i := 0; i < 10; i++ {
		b.Publish(1, models.ServerMessage{Type: "ai_chunk", Content: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		msg := <-sub.C
		if msg.Content != string(rune('a'+i)) {
			t.Fatalf("out of order at %d: got %q", i, msg.Content)
		}
	}
}
