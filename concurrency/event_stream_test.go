package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	var got []Event
	var mu sync.Mutex
	unsubscribe := bus.Subscribe(EventWorkerStarted, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	evt := bus.Publish(context.Background(), EventWorkerStarted, "payload", "test")
	bus.Publish(context.Background(), EventWorkerStopped, nil, "test")

	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, "payload", got[0].Payload)
	assert.Equal(t, "test", got[0].Source)
	assert.NotEmpty(t, evt.ID)

	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), EventWorkerStarted, nil, "test")
	assert.Len(t, got, 1)
	assert.Equal(t, 0, bus.ListenerCount(EventWorkerStarted))
}

func TestEventBusPublishWaitsForAllListeners(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	var finished atomic.Int32
	for i := 0; i < 5; i++ {
		bus.Subscribe(EventQueueItemEnqueued, func(ctx context.Context, e Event) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		})
	}

	start := time.Now()
	bus.Publish(context.Background(), EventQueueItemEnqueued, nil, "")
	assert.Equal(t, int32(5), finished.Load())
	// Listeners run in parallel, not one after another.
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}

func TestEventBusListenerFailuresAreIsolated(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	var called atomic.Int32
	bus.Subscribe(EventWorkerError, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventWorkerError, func(ctx context.Context, e Event) error {
		panic("listener panic")
	})
	bus.Subscribe(EventWorkerError, func(ctx context.Context, e Event) error {
		called.Add(1)
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), EventWorkerError, nil, "")
	})
	assert.Equal(t, int32(1), called.Load())

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.ListenerErrors)
	assert.Equal(t, int64(1), stats.Published)
	assert.Equal(t, 3, stats.Listeners)
}

func TestEventBusHistoryIsBounded(t *testing.T) {
	const k, m = 10, 7
	bus := NewEventBus(EventBusConfig{HistorySize: k})

	for i := 0; i < k+m; i++ {
		bus.Publish(context.Background(), EventQueueItemEnqueued, i, "")
	}

	history := bus.History()
	require.Len(t, history, k)
	for i, e := range history {
		assert.Equal(t, m+i, e.Payload, "history should hold the most recent events in order")
	}
}

func TestEventBusHistoryFilter(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	bus.Publish(context.Background(), EventWorkerStarted, 1, "")
	bus.Publish(context.Background(), EventWorkerStopped, 2, "")
	bus.Publish(context.Background(), EventWorkerError, 3, "")
	bus.Publish(context.Background(), EventWorkerStarted, 4, "")

	started := bus.History(EventWorkerStarted)
	require.Len(t, started, 2)
	assert.Equal(t, 1, started[0].Payload)
	assert.Equal(t, 4, started[1].Payload)

	assert.Len(t, bus.History(EventWorkerStopped, EventWorkerError), 2)

	bus.ClearHistory()
	assert.Empty(t, bus.History())
}

func TestEventBusHistoryRecordedBeforeListeners(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	var seen int
	bus.Subscribe(EventAutomationStarted, func(ctx context.Context, e Event) error {
		seen = len(bus.History(EventAutomationStarted))
		return nil
	})
	bus.Publish(context.Background(), EventAutomationStarted, nil, "")
	assert.Equal(t, 1, seen)
}

func TestEventBusListenerCanPublish(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())

	bus.Subscribe(EventWorkerStarted, func(ctx context.Context, e Event) error {
		bus.Publish(ctx, EventWorkerStopped, nil, "nested")
		return nil
	})
	bus.Publish(context.Background(), EventWorkerStarted, nil, "")

	assert.Len(t, bus.History(EventWorkerStopped), 1)
}

func TestNilEventBus(t *testing.T) {
	var bus *EventBus

	assert.NotPanics(t, func() {
		unsubscribe := bus.Subscribe(EventWorkerStarted, func(ctx context.Context, e Event) error { return nil })
		unsubscribe()
		evt := bus.Publish(context.Background(), EventWorkerStarted, nil, "")
		assert.Equal(t, EventWorkerStarted, evt.Type)
		assert.Empty(t, bus.History())
		assert.Equal(t, 0, bus.ListenerCount(EventWorkerStarted))
		bus.ClearHistory()
	})
}

func TestEventBusConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewEventBus(EventBusConfig{HistorySize: 50})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(EventQueueItemCompleted, func(ctx context.Context, e Event) error { return nil })
			defer unsub()
		}()
		go func(i int) {
			defer wg.Done()
			bus.Publish(context.Background(), EventQueueItemCompleted, fmt.Sprint(i), "")
		}(i)
	}
	wg.Wait()

	assert.Len(t, bus.History(), 10)
	assert.Equal(t, 0, bus.ListenerCount(EventQueueItemCompleted))
}

func TestCircularBuffer(t *testing.T) {
	buf := NewCircularBuffer(3)
	assert.Nil(t, buf.GetAll())

	for i := 0; i < 5; i++ {
		buf.Add(Event{Payload: i})
	}
	all := buf.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, []any{2, 3, 4}, []any{all[0].Payload, all[1].Payload, all[2].Payload})

	buf.Clear()
	assert.Equal(t, 0, buf.Len())
}
