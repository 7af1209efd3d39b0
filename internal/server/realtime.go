package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventRevision is the SSE event name carrying a new counter value.
	RealtimeEventRevision  = "rev"
	realtimeHeartbeat      = "heartbeat"
	defaultRealtimeBuffer  = 16
	defaultHeartbeatPeriod = 25 * time.Second
)

// RevisionEvent announces the value a revision counter reached.
type RevisionEvent struct {
	Key       string
	Rev       int64
	Timestamp time.Time
}

// RevisionDispatcher fans revision events out to subscribers of a key. Slow subscribers
// miss events instead of blocking publishers; the next event carries the latest value anyway.
type RevisionDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*revisionSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type revisionSubscriber struct {
	id     int64
	stream chan RevisionEvent
}

func NewRevisionDispatcher() *RevisionDispatcher {
	return &RevisionDispatcher{
		subscribers: make(map[string]map[int64]*revisionSubscriber),
		bufferSize:  defaultRealtimeBuffer,
		clock:       time.Now,
	}
}

// Subscribe registers for events on key until ctx ends or cleanup runs.
func (d *RevisionDispatcher) Subscribe(ctx context.Context, key string) (<-chan RevisionEvent, func()) {
	if key == "" {
		ch := make(chan RevisionEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &revisionSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RevisionEvent, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RevisionDispatcher) Publish(event RevisionEvent) {
	if event.Key == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Key]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*revisionSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// NotifyRevision lets the dispatcher serve as the gateway's revision notifier.
func (d *RevisionDispatcher) NotifyRevision(key string, rev int64) {
	d.Publish(RevisionEvent{Key: key, Rev: rev, Timestamp: d.clock().UTC()})
}

func (d *RevisionDispatcher) subscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *RevisionDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RevisionDispatcher) registerSubscriber(key string, subscriber *revisionSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*revisionSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RevisionDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
