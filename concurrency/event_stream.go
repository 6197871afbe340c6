package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ByteMirror/swarm/log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EventType names a kind of event. The string values are a stable contract
// for subscribers outside this package.
type EventType string

const (
	EventQueueItemEnqueued       EventType = "queue.item.enqueued"
	EventQueueItemDequeued       EventType = "queue.item.dequeued"
	EventQueueItemCompleted      EventType = "queue.item.completed"
	EventQueueItemFailed         EventType = "queue.item.failed"
	EventQueueItemRetryScheduled EventType = "queue.item.retry_scheduled"

	EventWorkerStarted EventType = "worker.started"
	EventWorkerStopped EventType = "worker.stopped"
	EventWorkerError   EventType = "worker.error"

	EventCircuitBreakerOpened   EventType = "circuit.breaker.opened"
	EventCircuitBreakerHalfOpen EventType = "circuit.breaker.half_open"
	EventCircuitBreakerClosed   EventType = "circuit.breaker.closed"

	EventLoopProtectionTriggered EventType = "loop.protection.triggered"

	EventAutomationStarted EventType = "automation.started"
	EventAutomationStopped EventType = "automation.stopped"

	EventPlanSyncCompleted EventType = "plan.sync.completed"
	EventPlanSyncFailed    EventType = "plan.sync.failed"

	EventPhaseBoundaryDetected EventType = "phase.boundary.detected"
	EventPreflightRequested    EventType = "preflight.requested"
	EventPreflightCompleted    EventType = "preflight.completed"
	EventPreflightFailed       EventType = "preflight.failed"
)

// Event represents a single event in the system. Events are values and are
// never modified after Publish returns them.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   any
	Source    string
}

// Listener consumes events of one type. A returned error or a panic is logged
// and never reaches the publisher or sibling listeners.
type Listener func(ctx context.Context, event Event) error

// CircularBuffer stores a fixed number of recent events
type CircularBuffer struct {
	mu     sync.RWMutex
	events []Event
	head   int
	tail   int
	size   int
	count  int
}

// NewCircularBuffer creates a new circular buffer with the specified capacity
func NewCircularBuffer(size int) *CircularBuffer {
	if size <= 0 {
		size = 100
	}
	return &CircularBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Add adds an event to the buffer, overwriting oldest if full
func (cb *CircularBuffer) Add(event Event) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.events[cb.tail] = event
	cb.tail = (cb.tail + 1) % cb.size

	if cb.count < cb.size {
		cb.count++
	} else {
		// Buffer is full, move head forward
		cb.head = (cb.head + 1) % cb.size
	}
}

// GetAll returns all events in the buffer in chronological order
func (cb *CircularBuffer) GetAll() []Event {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.count == 0 {
		return nil
	}

	result := make([]Event, 0, cb.count)
	for i := 0; i < cb.count; i++ {
		result = append(result, cb.events[(cb.head+i)%cb.size])
	}
	return result
}

// Len returns the number of events currently stored
func (cb *CircularBuffer) Len() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.count
}

// Clear drops every stored event.
func (cb *CircularBuffer) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.events = make([]Event, cb.size)
	cb.head, cb.tail, cb.count = 0, 0, 0
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// HistorySize is the number of most recent events kept for History.
	HistorySize int
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		HistorySize: 100,
	}
}

// EventBus is an in-process typed publish/subscribe bus with bounded history.
// A nil *EventBus is valid and drops everything, so components can run without one.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[EventType][]listenerEntry
	nextID    uint64
	history   *CircularBuffer

	published      atomic.Int64
	listenerErrors atomic.Int64
}

// NewEventBus creates an event bus.
func NewEventBus(config EventBusConfig) *EventBus {
	return &EventBus{
		listeners: make(map[EventType][]listenerEntry),
		history:   NewCircularBuffer(config.HistorySize),
	}
}

// Subscribe registers a listener for one event type. The returned function
// removes it; calling it more than once is harmless.
func (b *EventBus) Subscribe(eventType EventType, listener Listener) func() {
	if b == nil || listener == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[eventType] = append(b.listeners[eventType], listenerEntry{id: id, fn: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *EventBus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[eventType]
	for i, e := range entries {
		if e.id == id {
			// Copy so a Publish holding the old slice is unaffected.
			next := make([]listenerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, eventType)
			} else {
				b.listeners[eventType] = next
			}
			return
		}
	}
}

// Publish records the event in history, then runs every listener for its type
// concurrently and returns once all of them have finished.
func (b *EventBus) Publish(ctx context.Context, eventType EventType, payload any, source string) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
		Source:    source,
	}
	if b == nil {
		return event
	}

	b.history.Add(event)
	b.published.Add(1)

	b.mu.RLock()
	entries := b.listeners[eventType]
	b.mu.RUnlock()

	if len(entries) == 0 {
		return event
	}

	var g errgroup.Group
	for _, entry := range entries {
		fn := entry.fn
		g.Go(func() error {
			b.invoke(ctx, fn, event)
			return nil
		})
	}
	_ = g.Wait()

	return event
}

func (b *EventBus) invoke(ctx context.Context, fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.listenerErrors.Add(1)
			log.ErrorLog.Printf("event listener for %s panicked: %v\n%s", event.Type, r, debug.Stack())
		}
	}()

	if err := fn(ctx, event); err != nil {
		b.listenerErrors.Add(1)
		log.ErrorLog.Printf("event listener for %s failed: %v", event.Type, err)
	}
}

// History returns recorded events oldest first. With types given, only
// events of those types are returned.
func (b *EventBus) History(types ...EventType) []Event {
	if b == nil {
		return nil
	}
	all := b.history.GetAll()
	if len(types) == 0 {
		return all
	}

	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	filtered := make([]Event, 0, len(all))
	for _, e := range all {
		if want[e.Type] {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// ClearHistory empties the history buffer. Subscriptions are kept.
func (b *EventBus) ClearHistory() {
	if b == nil {
		return
	}
	b.history.Clear()
}

// ListenerCount returns the number of listeners subscribed to eventType.
func (b *EventBus) ListenerCount(eventType EventType) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

// EventBusStats summarises bus activity.
type EventBusStats struct {
	Published      int64
	ListenerErrors int64
	HistoryLen     int
	Listeners      int
}

// Stats returns counters for the bus.
func (b *EventBus) Stats() EventBusStats {
	if b == nil {
		return EventBusStats{}
	}
	b.mu.RLock()
	listeners := 0
	for _, entries := range b.listeners {
		listeners += len(entries)
	}
	b.mu.RUnlock()

	return EventBusStats{
		Published:      b.published.Load(),
		ListenerErrors: b.listenerErrors.Load(),
		HistoryLen:     b.history.Len(),
		Listeners:      listeners,
	}
}

func (s EventBusStats) String() string {
	return fmt.Sprintf("published=%d listener_errors=%d history=%d listeners=%d",
		s.Published, s.ListenerErrors, s.HistoryLen, s.Listeners)
}
