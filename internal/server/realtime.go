package server

import (
	"context"
	"slices"
	"sync"
	"time"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "writer-agent"
	defaultRealtimeBuffer  = 32
)

// RealtimeMessage announces that a store or the sync state changed.
type RealtimeMessage struct {
	Store     string
	Keys      []string
	Timestamp time.Time
}

// RealtimeDispatcher fans store notifications out to the connected event streams.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx is done or the cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Notify publishes a store notification. Its signature matches stores.Notifier.
func (d *RealtimeDispatcher) Notify(store string, keys ...string) {
	d.Publish(RealtimeMessage{
		Store:     store,
		Keys:      slices.Clone(keys),
		Timestamp: d.clock().UTC(),
	})
}

// Publish delivers the message to every subscriber. Slow subscribers miss messages instead of
// blocking the store that changed.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Store == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of connected streams.
func (d *RealtimeDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
