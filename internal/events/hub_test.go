package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	h, _ := startHub(t)
	sub := h.Subscribe(context.Background())

	h.PublishModelStatus("loaded", "small", nil)

	select {
	case ev := <-sub.Send:
		if ev.Channel != ChannelModelStatus {
			t.Fatalf("expected channel %s, got %s", ChannelModelStatus, ev.Channel)
		}
		var payload ModelStatusPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.ModelKey != "small" || payload.Status != "loaded" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive the published event")
	}
}

func TestPublish_FansOutToMultipleSubscribers(t *testing.T) {
	h, _ := startHub(t)
	subA := h.Subscribe(context.Background())
	subB := h.Subscribe(context.Background())

	h.PublishJobProgress(JobProgressPayload{JobID: "j1", Stage: "claimed"})

	for _, sub := range []*Subscriber{subA, subB} {
		select {
		case ev := <-sub.Send:
			if ev.Channel != ChannelJobProgress {
				t.Fatalf("expected channel %s, got %s", ChannelJobProgress, ev.Channel)
			}
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h, _ := startHub(t)
	sub := h.Subscribe(context.Background())
	h.Unsubscribe(sub.ID)

	// Give the hub loop a beat to process the unregister before publishing.
	time.Sleep(50 * time.Millisecond)
	h.PublishModelError("small", "boom")

	select {
	case _, ok := <-sub.Send:
		if ok {
			t.Fatal("expected no further events after unsubscribe")
		}
		// Channel closed: expected.
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected Send channel to be closed after unsubscribe")
	}
}

func TestUnsubscribe_IsSafeToCallTwice(t *testing.T) {
	h, _ := startHub(t)
	sub := h.Subscribe(context.Background())
	h.Unsubscribe(sub.ID)
	h.Unsubscribe(sub.ID) // must not panic or deadlock
}

func TestPublish_DropsWhenSubscriberBufferFull(t *testing.T) {
	h, _ := startHub(t)
	sub := h.Subscribe(context.Background())

	// Flood past the subscriber's buffer capacity without draining Send.
	for i := 0; i < subscriberBufferCapacity+10; i++ {
		h.PublishQueueUpdate(QueueUpdatePayload{Length: i})
	}

	// The hub must not block or crash; draining confirms it kept running.
	time.Sleep(100 * time.Millisecond)
	drained := 0
	for {
		select {
		case <-sub.Send:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least some events to have been delivered before the buffer filled")
			}
			if drained > subscriberBufferCapacity {
				t.Fatalf("expected at most %d buffered events, drained %d", subscriberBufferCapacity, drained)
			}
			return
		}
	}
}

func TestSendSnapshot_DeliversDirectlyToOneSubscriber(t *testing.T) {
	h, _ := startHub(t)
	sub := h.Subscribe(context.Background())

	now := time.Now()
	h.SendSnapshot(sub, "loaded", "small", &now)

	select {
	case ev := <-sub.Send:
		var payload ModelStatusPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload.ModelKey != "small" {
			t.Fatalf("unexpected snapshot payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected snapshot to be delivered")
	}
}
