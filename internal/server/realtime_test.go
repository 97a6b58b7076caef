package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	keys := []string{"NOTE_0", "NOTE_1"}
	dispatcher.Notify("notes", keys...)
	keys[0] = "mutated"

	for index, stream := range []<-chan RealtimeMessage{first, second} {
		select {
		case received := <-stream:
			if received.Store != "notes" {
				t.Fatalf("subscriber %d: expected store notes, got %s", index, received.Store)
			}
			if len(received.Keys) != 2 || received.Keys[0] != "NOTE_0" {
				t.Fatalf("subscriber %d: unexpected keys %v", index, received.Keys)
			}
			if received.Timestamp.IsZero() {
				t.Fatalf("subscriber %d: expected a timestamp", index)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d: expected realtime message within deadline", index)
		}
	}
}

func TestRealtimeDispatcherIgnoresUnnamedStores(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{Timestamp: time.Now().UTC()})

	select {
	case message := <-stream:
		t.Fatalf("did not expect a message, got %+v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherDropsMessagesForSlowSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for i := 0; i < defaultRealtimeBuffer+10; i++ {
		dispatcher.Notify("essay")
	}
	if len(stream) != defaultRealtimeBuffer {
		t.Fatalf("expected a full buffer of %d messages, got %d", defaultRealtimeBuffer, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.Subscribers())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}
