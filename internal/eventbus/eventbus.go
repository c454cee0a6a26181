// Package eventbus fans live platform events out to in-process subscribers.
// Delivery is best-effort: each subscriber owns a bounded mailbox, and when a
// slow consumer falls behind, the oldest queued events are dropped and the
// subscriber's lag counter is incremented.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of platform event.
type EventType string

const (
	EventRunStarted      EventType = "run.started"
	EventRunStdout       EventType = "run.stdout"
	EventRunStderr       EventType = "run.stderr"
	EventRunFinished     EventType = "run.finished"
	EventTriggerOverrun  EventType = "trigger.overrun"
	EventTriggerDisabled EventType = "trigger.disabled"
	EventEnvReady        EventType = "env.ready"
	EventEnvFailed       EventType = "env.failed"
)

// Event is one published message. Data is event-specific and must be safe to
// serialize as JSON.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Filter restricts which events a subscriber receives. A nil filter receives
// everything.
type Filter func(Event) bool

// TypeFilter accepts only the given event types.
func TypeFilter(types ...EventType) Filter {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// Subscription is one consumer's bounded view of the event stream.
type Subscription struct {
	id     string
	filter Filter

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool

	lag atomic.Int64

	capacity int
	bus      *Bus
}

// ID identifies the subscription within the bus.
func (s *Subscription) ID() string { return s.id }

// Lag returns how many events were dropped because this subscriber fell
// behind.
func (s *Subscription) Lag() int64 { return s.lag.Load() }

// Next blocks until an event is available or ctx is done. It returns false
// when the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-wake:
		}
	}
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.capacity {
		// Drop oldest to keep the mailbox bounded.
		drop := len(s.queue) - s.capacity + 1
		s.queue = s.queue[drop:]
		s.lag.Add(int64(drop))
	}
	s.queue = append(s.queue, ev)
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.wake)
	s.wake = make(chan struct{})
}

// Bus is the process-wide event hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	capacity    int
}

// DefaultMailboxSize bounds each subscriber's queue.
const DefaultMailboxSize = 256

// New returns a bus with the given per-subscriber mailbox capacity;
// non-positive means DefaultMailboxSize.
func New(mailboxSize int) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Bus{
		subscribers: make(map[string]*Subscription),
		capacity:    mailboxSize,
	}
}

// Subscribe registers a consumer. filter may be nil to receive all events.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		filter:   filter,
		wake:     make(chan struct{}),
		capacity: b.capacity,
		bus:      b,
	}
	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.shutdown()
	}
}

// Publish delivers the event to every matching subscriber without blocking
// the publisher.
func (b *Bus) Publish(eventType EventType, data any) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		sub.deliver(ev)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Shutdown closes every subscription.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}
