package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestPriorityString(t *testing.T) {
	tests := []struct {
		priority Priority
		expected string
	}{
		{PriorityCritical, "critical"},
		{PriorityHigh, "high"},
		{PriorityNormal, "normal"},
		{PriorityLow, "low"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.priority.String())
			parsed, err := ParsePriority(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.priority, parsed)
		})
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPriorityQueueOrdering(t *testing.T) {
	q := NewPriorityQueue[string]("test", nil, DefaultQueueConfig())

	input := []struct {
		payload  string
		priority Priority
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"critical-1", PriorityCritical},
		{"high-1", PriorityHigh},
		{"normal-2", PriorityNormal},
		{"critical-2", PriorityCritical},
		{"low-2", PriorityLow},
		{"high-2", PriorityHigh},
	}
	for _, in := range input {
		_, err := q.Enqueue(in.payload, in.priority, nil)
		require.NoError(t, err)
	}

	var got []string
	for {
		item, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, item.Payload)
	}

	assert.Equal(t, []string{
		"critical-1", "critical-2",
		"high-1", "high-2",
		"normal-1", "normal-2",
		"low-1", "low-2",
	}, got)
}

func TestPriorityQueuePeekGetRemove(t *testing.T) {
	q := NewPriorityQueue[int]("test", nil, DefaultQueueConfig())

	_, ok := q.Peek()
	assert.False(t, ok)

	id1, err := q.Enqueue(1, PriorityNormal, nil)
	require.NoError(t, err)
	id2, err := q.Enqueue(2, PriorityHigh, nil)
	require.NoError(t, err)

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, id2, head.ID)
	assert.Equal(t, 2, q.Size())

	item, ok := q.Get(id1)
	require.True(t, ok)
	assert.Equal(t, 1, item.Payload)

	assert.True(t, q.Remove(id1))
	assert.False(t, q.Remove(id1))
	_, ok = q.Get(id1)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size())
}

func TestPriorityQueueCapacity(t *testing.T) {
	const n = 5
	q := NewPriorityQueue[int]("bounded", nil, QueueConfig{MaxSize: n})

	for i := 0; i < n; i++ {
		_, err := q.Enqueue(i, PriorityNormal, nil)
		require.NoError(t, err)
	}

	_, err := q.Enqueue(n, PriorityCritical, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, n, q.Size())

	// In-flight items still count against capacity.
	_, ok := q.Dequeue()
	require.True(t, ok)
	_, err = q.Enqueue(n, PriorityNormal, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPriorityQueueRetryTermination(t *testing.T) {
	q := NewPriorityQueue[string]("retry", nil, QueueConfig{MaxRetries: 3})

	id, err := q.Enqueue("job", PriorityNormal, nil)
	require.NoError(t, err)

	assert.True(t, q.Retry(id, errors.New("first")))
	_, ok := q.Get(id)
	assert.True(t, ok)

	assert.True(t, q.Retry(id, errors.New("second")))
	_, ok = q.Get(id)
	assert.True(t, ok)

	assert.False(t, q.Retry(id, errors.New("third")))
	_, ok = q.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, q.Size())

	assert.False(t, q.Retry("missing", nil))
}

func TestPriorityQueueBackoffIsCapped(t *testing.T) {
	q := NewPriorityQueue[string]("backoff", nil, QueueConfig{
		MaxRetries:  10,
		BaseBackoff: 1000 * time.Millisecond,
		MaxBackoff:  5000 * time.Millisecond,
	})

	id, err := q.Enqueue("job", PriorityNormal, nil)
	require.NoError(t, err)

	want := []time.Duration{1000, 2000, 4000, 5000, 5000, 5000}
	for i, w := range want {
		require.True(t, q.Retry(id, nil))
		item, ok := q.Get(id)
		require.True(t, ok)
		assert.Equal(t, w*time.Millisecond, item.Retry.Backoff, "retry %d", i+1)
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{200, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffFor(tt.attempts, time.Second, 60*time.Second), "attempts=%d", tt.attempts)
	}
}

func TestPriorityQueueRetryWaitsOutBackoff(t *testing.T) {
	clock := newFakeClock()
	q := NewPriorityQueue[string]("due", nil, QueueConfig{BaseBackoff: time.Second})
	q.now = clock.Now

	id, err := q.Enqueue("job", PriorityNormal, nil)
	require.NoError(t, err)

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 1, q.InFlight())
	assert.True(t, q.Retry(item.ID, errors.New("try again")))
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 1, q.Pending())

	_, ok = q.Dequeue()
	assert.False(t, ok, "item is still backing off")
	assert.Empty(t, q.RetryableItems())

	clock.Advance(time.Second)
	retryable := q.RetryableItems()
	require.Len(t, retryable, 1)
	assert.Equal(t, id, retryable[0].ID)
	assert.Equal(t, "try again", retryable[0].Retry.LastError)

	again, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 1, again.Retry.Attempts)

	assert.True(t, q.Complete(id))
	assert.False(t, q.Complete(id))
	assert.Equal(t, 0, q.Size())
}

func TestPriorityQueueMetadataIsCopied(t *testing.T) {
	q := NewPriorityQueue[int]("meta", nil, DefaultQueueConfig())

	meta := map[string]any{"source": "test"}
	id, err := q.Enqueue(1, PriorityNormal, meta)
	require.NoError(t, err)

	meta["source"] = "mutated"
	item, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, "test", item.Metadata["source"])

	item.Metadata["source"] = "changed by reader"
	again, _ := q.Get(id)
	assert.Equal(t, "test", again.Metadata["source"])
}

type cyclic struct {
	self *cyclic
	ch   chan int
	fn   func()
}

func TestPriorityQueueToleratesOpaquePayloads(t *testing.T) {
	q := NewPriorityQueue[*cyclic]("opaque", nil, DefaultQueueConfig())

	c := &cyclic{ch: make(chan int), fn: func() {}}
	c.self = c

	id, err := q.Enqueue(c, PriorityNormal, map[string]any{"self": c, "__proto__": "x"})
	require.NoError(t, err)

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, id, item.ID)
	assert.Same(t, c, item.Payload)
}

func TestPriorityQueuePublishesLifecycleEvents(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())
	q := NewPriorityQueue[string]("events", bus, QueueConfig{MaxRetries: 2})

	id1, _ := q.Enqueue("a", PriorityNormal, nil)
	_, _ = q.Dequeue()
	q.Complete(id1)

	id2, _ := q.Enqueue("b", PriorityHigh, nil)
	q.Retry(id2, errors.New("x"))
	q.Retry(id2, errors.New("y"))

	var types []EventType
	for _, e := range bus.History() {
		types = append(types, e.Type)
		assert.Equal(t, "queue:events", e.Source)
	}
	assert.Equal(t, []EventType{
		EventQueueItemEnqueued,
		EventQueueItemDequeued,
		EventQueueItemCompleted,
		EventQueueItemEnqueued,
		EventQueueItemRetryScheduled,
		EventQueueItemFailed,
	}, types)

	failed := bus.History(EventQueueItemFailed)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(QueueEvent)
	require.True(t, ok)
	assert.Equal(t, id2, payload.ItemID)
	assert.Equal(t, 2, payload.Attempts)
	assert.Equal(t, "y", payload.Error)
}

func TestPriorityQueueListenerMayReenter(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())
	q := NewPriorityQueue[int]("reenter", bus, DefaultQueueConfig())

	bus.Subscribe(EventQueueItemEnqueued, func(ctx context.Context, e Event) error {
		_ = q.Size()
		_, _ = q.Peek()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Enqueue(1, PriorityNormal, nil)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue deadlocked with a re-entrant listener")
	}
}

func TestPriorityQueueStatsAndClear(t *testing.T) {
	q := NewPriorityQueue[int]("stats", nil, QueueConfig{MaxSize: 10})

	_, _ = q.Enqueue(1, PriorityHigh, nil)
	_, _ = q.Enqueue(2, PriorityHigh, nil)
	_, _ = q.Enqueue(3, PriorityLow, nil)
	_, _ = q.Dequeue()

	stats := q.Stats()
	assert.Equal(t, "stats", stats.Name)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 10, stats.MaxSize)
	assert.Equal(t, 2, stats.ByPriority["high"])
	assert.Equal(t, 1, stats.ByPriority["low"])

	q.Clear()
	assert.Equal(t, 0, q.Size())
}

func TestPriorityQueueConcurrentAccess(t *testing.T) {
	q := NewPriorityQueue[int]("concurrent", nil, QueueConfig{MaxSize: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = q.Enqueue(base*100+j, Priority(j%4), nil)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 400, q.Size())

	seen := make(map[string]bool)
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				seen[item.ID] = true
				mu.Unlock()
				q.Complete(item.ID)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 400)
	assert.Equal(t, 0, q.Size())
}
