package concurrency

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ByteMirror/swarm/log"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the queue holds MaxSize items.
var ErrQueueFull = errors.New("queue full")

// Priority represents task priority levels for the queue. Lower values are
// dequeued first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the string representation of priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name back into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// RetryMetadata tracks attempts and backoff for one queue item.
type RetryMetadata struct {
	Attempts      int
	MaxAttempts   int
	LastAttempt   time.Time
	NextAttemptAt time.Time
	Backoff       time.Duration
	MaxBackoff    time.Duration
	LastError     string
}

// QueueItem is a unit of work held by a PriorityQueue.
type QueueItem[T any] struct {
	ID        string
	Priority  Priority
	Payload   T
	CreatedAt time.Time
	Metadata  map[string]any
	Retry     RetryMetadata

	seq uint64
}

func (it *QueueItem[T]) clone() *QueueItem[T] {
	c := *it
	c.Metadata = maps.Clone(it.Metadata)
	return &c
}

// QueueConfig holds configuration for a priority queue
type QueueConfig struct {
	// MaxSize bounds pending plus in-flight items (default: 1000).
	MaxSize int
	// MaxRetries is the attempt budget given to each item (default: 3).
	MaxRetries int
	// BaseBackoff is the delay after the first retry (default: 1s).
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff (default: 60s).
	MaxBackoff time.Duration
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:     1000,
		MaxRetries:  3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// QueueEvent is the payload of every queue.item.* event.
type QueueEvent struct {
	Queue         string
	ItemID        string
	Priority      Priority
	Attempts      int
	NextAttemptAt time.Time
	Error         string
}

// QueueStats is a point-in-time view of a queue.
type QueueStats struct {
	Name       string
	Pending    int
	InFlight   int
	MaxSize    int
	ByPriority map[string]int
}

// PriorityQueue orders work by priority, then insertion order, and tracks
// retry/backoff state per item. Items handed out by Dequeue stay accounted
// as in-flight until Complete, Retry or Remove.
type PriorityQueue[T any] struct {
	name   string
	bus    *EventBus
	config QueueConfig

	mu       sync.Mutex
	pending  []*QueueItem[T]
	inFlight map[string]*QueueItem[T]
	seq      uint64
	now      func() time.Time
}

// NewPriorityQueue creates a queue. bus may be nil.
func NewPriorityQueue[T any](name string, bus *EventBus, config QueueConfig) *PriorityQueue[T] {
	defaults := DefaultQueueConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = defaults.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}

	return &PriorityQueue[T]{
		name:     name,
		bus:      bus,
		config:   config,
		inFlight: make(map[string]*QueueItem[T]),
		now:      time.Now,
	}
}

// Name returns the queue name used in events.
func (q *PriorityQueue[T]) Name() string {
	return q.name
}

// Enqueue adds a payload and returns its id. metadata is copied, never retained.
func (q *PriorityQueue[T]) Enqueue(payload T, priority Priority, metadata map[string]any) (string, error) {
	if priority < PriorityCritical || priority > PriorityLow {
		priority = PriorityNormal
	}

	q.mu.Lock()
	if len(q.pending)+len(q.inFlight) >= q.config.MaxSize {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s holds %d items", ErrQueueFull, q.name, q.config.MaxSize)
	}

	now := q.now()
	q.seq++
	item := &QueueItem[T]{
		ID:        uuid.NewString(),
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		Metadata:  maps.Clone(metadata),
		Retry: RetryMetadata{
			MaxAttempts: q.config.MaxRetries,
			Backoff:     q.config.BaseBackoff,
			MaxBackoff:  q.config.MaxBackoff,
		},
		seq: q.seq,
	}
	q.pending = append(q.pending, item)
	q.sortLocked()
	evt := q.eventFor(item)
	q.mu.Unlock()

	log.DebugLog.Printf("queue %s: enqueued %s with priority %s", q.name, item.ID, priority)
	q.publish(EventQueueItemEnqueued, evt)
	return item.ID, nil
}

// sortLocked orders pending by priority rank, then insertion sequence.
func (q *PriorityQueue[T]) sortLocked() {
	slices.SortStableFunc(q.pending, func(a, b *QueueItem[T]) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}

// nextDueLocked returns the index of the best pending item that is not
// waiting out a backoff, or -1.
func (q *PriorityQueue[T]) nextDueLocked() int {
	now := q.now()
	for i, item := range q.pending {
		if !item.Retry.NextAttemptAt.After(now) {
			return i
		}
	}
	return -1
}

// Dequeue removes and returns the best due item. The item counts as in-flight
// until Complete, Retry or Remove is called with its id.
func (q *PriorityQueue[T]) Dequeue() (*QueueItem[T], bool) {
	item, evt, ok := q.take()
	if !ok {
		return nil, false
	}
	q.publish(EventQueueItemDequeued, evt)
	return item, true
}

// take is Dequeue without the event, for callers that announce it later.
func (q *PriorityQueue[T]) take() (*QueueItem[T], QueueEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.nextDueLocked()
	if idx < 0 {
		return nil, QueueEvent{}, false
	}
	item := q.pending[idx]
	q.pending = slices.Delete(q.pending, idx, idx+1)
	item.Retry.LastAttempt = q.now()
	q.inFlight[item.ID] = item
	return item.clone(), q.eventFor(item), true
}

// Peek returns the item Dequeue would return, without removing it.
func (q *PriorityQueue[T]) Peek() (*QueueItem[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.nextDueLocked()
	if idx < 0 {
		return nil, false
	}
	return q.pending[idx].clone(), true
}

// Get returns a copy of the item with id, pending or in-flight.
func (q *PriorityQueue[T]) Get(id string) (*QueueItem[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, _, ok := q.findLocked(id); ok {
		return item.clone(), true
	}
	return nil, false
}

// findLocked locates id. index is -1 for in-flight items.
func (q *PriorityQueue[T]) findLocked(id string) (*QueueItem[T], int, bool) {
	if item, ok := q.inFlight[id]; ok {
		return item, -1, true
	}
	for i, item := range q.pending {
		if item.ID == id {
			return item, i, true
		}
	}
	return nil, -1, false
}

// removeLocked drops id from whichever set holds it.
func (q *PriorityQueue[T]) removeLocked(id string) (*QueueItem[T], bool) {
	item, idx, ok := q.findLocked(id)
	if !ok {
		return nil, false
	}
	if idx < 0 {
		delete(q.inFlight, id)
	} else {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
	return item, true
}

// Remove deletes an item without emitting a lifecycle event.
func (q *PriorityQueue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.removeLocked(id)
	return ok
}

// Complete marks an item as done and drops it from the queue.
func (q *PriorityQueue[T]) Complete(id string) bool {
	q.mu.Lock()
	item, ok := q.removeLocked(id)
	if !ok {
		q.mu.Unlock()
		return false
	}
	evt := q.eventFor(item)
	q.mu.Unlock()

	q.publish(EventQueueItemCompleted, evt)
	return true
}

// Retry records a failed attempt. It returns true when another attempt has
// been scheduled and false when the item is unknown or has used up its
// attempts, in which case it is removed and a failed event is emitted.
func (q *PriorityQueue[T]) Retry(id string, cause error) bool {
	q.mu.Lock()
	item, idx, ok := q.findLocked(id)
	if !ok {
		q.mu.Unlock()
		return false
	}

	now := q.now()
	item.Retry.Attempts++
	item.Retry.LastAttempt = now
	if cause != nil {
		item.Retry.LastError = cause.Error()
	}

	if item.Retry.Attempts >= item.Retry.MaxAttempts {
		q.removeLocked(id)
		evt := q.eventFor(item)
		q.mu.Unlock()

		log.WarningLog.Printf("queue %s: item %s failed after %d attempts: %s",
			q.name, id, item.Retry.Attempts, item.Retry.LastError)
		q.publish(EventQueueItemFailed, evt)
		return false
	}

	item.Retry.Backoff = backoffFor(item.Retry.Attempts, q.config.BaseBackoff, item.Retry.MaxBackoff)
	item.Retry.NextAttemptAt = now.Add(item.Retry.Backoff)
	if idx < 0 {
		// Back from in-flight; keeps its original place among equal priorities.
		delete(q.inFlight, id)
		q.pending = append(q.pending, item)
		q.sortLocked()
	}
	evt := q.eventFor(item)
	q.mu.Unlock()

	log.InfoLog.Printf("queue %s: retrying %s in %v (attempt %d/%d)",
		q.name, id, item.Retry.Backoff, item.Retry.Attempts, item.Retry.MaxAttempts)
	q.publish(EventQueueItemRetryScheduled, evt)
	return true
}

// backoffFor returns min(base * 2^(attempts-1), max).
func backoffFor(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 1 {
		return min(base, max)
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	return min(delay, max)
}

// RetryableItems returns pending items with a scheduled retry that is now due.
func (q *PriorityQueue[T]) RetryableItems() []*QueueItem[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var items []*QueueItem[T]
	for _, item := range q.pending {
		if item.Retry.Attempts > 0 && !item.Retry.NextAttemptAt.After(now) {
			items = append(items, item.clone())
		}
	}
	return items
}

// Size returns pending plus in-flight items.
func (q *PriorityQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inFlight)
}

// Pending returns the number of items waiting to be dequeued.
func (q *PriorityQueue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of dequeued items awaiting Complete or Retry.
func (q *PriorityQueue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Clear drops every item.
func (q *PriorityQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.inFlight = make(map[string]*QueueItem[T])
}

// Stats returns statistics about the queue
func (q *PriorityQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int)
	for _, item := range q.pending {
		byPriority[item.Priority.String()]++
	}
	for _, item := range q.inFlight {
		byPriority[item.Priority.String()]++
	}

	return QueueStats{
		Name:       q.name,
		Pending:    len(q.pending),
		InFlight:   len(q.inFlight),
		MaxSize:    q.config.MaxSize,
		ByPriority: byPriority,
	}
}

func (q *PriorityQueue[T]) eventFor(item *QueueItem[T]) QueueEvent {
	return QueueEvent{
		Queue:         q.name,
		ItemID:        item.ID,
		Priority:      item.Priority,
		Attempts:      item.Retry.Attempts,
		NextAttemptAt: item.Retry.NextAttemptAt,
		Error:         item.Retry.LastError,
	}
}

// publish runs outside q.mu so listeners may call back into the queue.
func (q *PriorityQueue[T]) publish(eventType EventType, evt QueueEvent) {
	q.bus.Publish(context.Background(), eventType, evt, "queue:"+q.name)
}
