package server

import (
	"context"
	"testing"
	"time"
)

func TestRevisionDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRevisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "coralclub:rev")
	defer cleanup()

	dispatcher.NotifyRevision("coralclub:rev", 7)

	select {
	case received := <-stream:
		if received.Rev != 7 {
			t.Fatalf("expected rev 7, got %d", received.Rev)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected revision event within deadline")
	}
}

func TestRevisionDispatcherIsolatedByKey(t *testing.T) {
	dispatcher := NewRevisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	revStream, cleanup := dispatcher.Subscribe(ctx, "coralclub:rev")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "other:rev")
	defer otherCleanup()

	dispatcher.Publish(RevisionEvent{Key: "other:rev", Rev: 3, Timestamp: time.Now().UTC()})

	select {
	case <-revStream:
		t.Fatal("did not expect an event for an unrelated key")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.Key != "other:rev" {
			t.Fatalf("expected other:rev, received %s", event.Key)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed key")
	}
}

func TestRevisionDispatcherDropsEventsForSlowSubscribers(t *testing.T) {
	dispatcher := NewRevisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "coralclub:rev")
	defer cleanup()

	for rev := int64(1); rev <= int64(defaultRealtimeBuffer)+5; rev++ {
		dispatcher.NotifyRevision("coralclub:rev", rev)
	}
	if len(stream) != defaultRealtimeBuffer {
		t.Fatalf("expected buffer to be full at %d, got %d", defaultRealtimeBuffer, len(stream))
	}
}

func TestRevisionDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewRevisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "coralclub:rev")
	if dispatcher.subscriberCount("coralclub:rev") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("coralclub:rev") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
