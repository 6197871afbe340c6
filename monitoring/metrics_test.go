package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/plansync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabledManager(t *testing.T) *automation.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Automation.Enabled = true
	cfg.Automation.Mode = config.ModeHybrid
	cfg.Automation.MaxRetries = 1
	cfg.Automation.CircuitBreaker.FailureThreshold = 1
	return automation.New(cfg)
}

func TestCollectorCountsBusEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	m := enabledManager(t)
	detach := c.Attach(m.Bus())
	defer detach()

	q, err := automation.Queue[string](m, "jobs")
	require.NoError(t, err)
	id, err := q.Enqueue("a", concurrency.PriorityNormal, nil)
	require.NoError(t, err)
	_, _ = q.Dequeue()
	q.Retry(id, errors.New("boom"))

	_ = m.CircuitBreaker("api").Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueItems.WithLabelValues("jobs", "enqueued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueItems.WithLabelValues("jobs", "dequeued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueItems.WithLabelValues("jobs", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(string(concurrency.EventCircuitBreakerOpened))))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("api")))
}

func TestCollectorPlanSyncAndLifecycle(t *testing.T) {
	c := NewCollector(nil)
	bus := concurrency.NewEventBus(concurrency.DefaultEventBusConfig())
	detach := c.Attach(bus)

	ctx := context.Background()
	bus.Publish(ctx, concurrency.EventPlanSyncCompleted, plansync.SyncEvent{Duration: 10 * time.Millisecond}, "test")
	bus.Publish(ctx, concurrency.EventPlanSyncFailed, plansync.SyncEvent{TimedOut: true, Error: "timeout"}, "test")
	bus.Publish(ctx, concurrency.EventPlanSyncFailed, plansync.SyncEvent{Error: "bad"}, "test")
	bus.Publish(ctx, concurrency.EventLoopProtectionTriggered, automation.LoopEvent{Name: "preflight", Key: "k", Count: 10}, "test")
	bus.Publish(ctx, concurrency.EventWorkerError, concurrency.WorkerEvent{Worker: "w"}, "test")
	bus.Publish(ctx, concurrency.EventAutomationStarted, nil, "test")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.planSyncs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.planSyncs.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.planSyncs.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopTriggers.WithLabelValues("preflight")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerErrors.WithLabelValues("w")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))

	detach()
	bus.Publish(ctx, concurrency.EventAutomationStopped, nil, "test")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running), "detached collector ignores events")
}

func TestCollectorUpdateFromSnapshot(t *testing.T) {
	c := NewCollector(nil)
	c.Update(automation.Snapshot{
		Status:   automation.StatusRunning,
		Queues:   []concurrency.QueueStats{{Name: "q", Pending: 3, InFlight: 2}},
		Workers:  []concurrency.WorkerStats{{Name: "w", Active: 1}},
		Breakers: []concurrency.CircuitBreakerStats{{Name: "b", State: "half-open"}},
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(c.queuePending.WithLabelValues("q")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueInFlight.WithLabelValues("q")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerActive.WithLabelValues("w")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector(nil)
	c.running.Set(1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "swarm_automation_running 1")
}

func TestCollectorRun(t *testing.T) {
	c := NewCollector(nil)
	m := enabledManager(t)
	q, err := automation.Queue[int](m, "numbers")
	require.NoError(t, err)
	_, _ = q.Enqueue(1, concurrency.PriorityLow, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, m, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.queuePending.WithLabelValues("numbers")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
