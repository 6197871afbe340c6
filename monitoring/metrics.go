// Package monitoring exports automation activity as Prometheus metrics.
//
// Counters are driven by events on the automation event bus; gauges are
// refreshed from manager snapshots. Everything is registered on the
// registry passed to NewCollector and served by Handler.
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/log"
	"github.com/ByteMirror/swarm/plansync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swarm"

// observedEvents are the bus events the collector subscribes to.
var observedEvents = []concurrency.EventType{
	concurrency.EventQueueItemEnqueued,
	concurrency.EventQueueItemDequeued,
	concurrency.EventQueueItemCompleted,
	concurrency.EventQueueItemFailed,
	concurrency.EventQueueItemRetryScheduled,
	concurrency.EventWorkerStarted,
	concurrency.EventWorkerStopped,
	concurrency.EventWorkerError,
	concurrency.EventCircuitBreakerOpened,
	concurrency.EventCircuitBreakerHalfOpen,
	concurrency.EventCircuitBreakerClosed,
	concurrency.EventLoopProtectionTriggered,
	concurrency.EventAutomationStarted,
	concurrency.EventAutomationStopped,
	concurrency.EventPlanSyncCompleted,
	concurrency.EventPlanSyncFailed,
	concurrency.EventPhaseBoundaryDetected,
	concurrency.EventPreflightRequested,
	concurrency.EventPreflightCompleted,
	concurrency.EventPreflightFailed,
}

// Collector holds the automation metrics.
type Collector struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	queueItems    *prometheus.CounterVec
	workerErrors  *prometheus.CounterVec
	loopTriggers  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	planSyncs     *prometheus.CounterVec
	planSyncTime  prometheus.Histogram
	queuePending  *prometheus.GaugeVec
	queueInFlight *prometheus.GaugeVec
	workerActive  *prometheus.GaugeVec
	running       prometheus.Gauge
}

// NewCollector creates the metrics and registers them on registry. A nil
// registry gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the automation bus, by type",
		}, []string{"type"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_total",
			Help:      "Queue item lifecycle transitions, by queue and outcome",
		}, []string{"queue", "outcome"}),
		workerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Failed handler invocations, by worker",
		}, []string{"worker"}),
		loopTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_protection_triggers_total",
			Help:      "Attempts blocked by loop protection, by guard",
		}, []string{"name"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
		planSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_syncs_total",
			Help:      "Plan sync attempts, by result",
		}, []string{"result"}),
		planSyncTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_sync_duration_seconds",
			Help:      "Plan sync latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		queuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Items waiting in each queue",
		}, []string{"queue"}),
		queueInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_in_flight",
			Help:      "Items handed to workers and not yet settled",
		}, []string{"queue"}),
		workerActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active",
			Help:      "Handler invocations currently running, by worker",
		}, []string{"worker"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "automation_running",
			Help:      "1 while the automation manager is running",
		}),
	}

	registry.MustRegister(
		c.events,
		c.queueItems,
		c.workerErrors,
		c.loopTriggers,
		c.breakerState,
		c.planSyncs,
		c.planSyncTime,
		c.queuePending,
		c.queueInFlight,
		c.workerActive,
		c.running,
	)
	return c
}

// Attach subscribes the collector to bus. The returned function detaches it.
func (c *Collector) Attach(bus *concurrency.EventBus) func() {
	unsubscribers := make([]func(), 0, len(observedEvents))
	for _, t := range observedEvents {
		unsubscribers = append(unsubscribers, bus.Subscribe(t, c.observe))
	}
	return func() {
		for _, u := range unsubscribers {
			u()
		}
	}
}

func (c *Collector) observe(_ context.Context, e concurrency.Event) error {
	c.events.WithLabelValues(string(e.Type)).Inc()

	switch p := e.Payload.(type) {
	case concurrency.QueueEvent:
		c.queueItems.WithLabelValues(p.Queue, queueOutcome(e.Type)).Inc()
	case concurrency.WorkerEvent:
		if e.Type == concurrency.EventWorkerError {
			c.workerErrors.WithLabelValues(p.Worker).Inc()
		}
	case automation.BreakerEvent:
		c.breakerState.WithLabelValues(p.Name).Set(breakerValue(p.To))
	case automation.LoopEvent:
		c.loopTriggers.WithLabelValues(p.Name).Inc()
	case plansync.SyncEvent:
		result := "success"
		switch {
		case p.TimedOut:
			result = "timeout"
		case p.Error != "":
			result = "failure"
		}
		c.planSyncs.WithLabelValues(result).Inc()
		c.planSyncTime.Observe(p.Duration.Seconds())
	}

	switch e.Type {
	case concurrency.EventAutomationStarted:
		c.running.Set(1)
	case concurrency.EventAutomationStopped:
		c.running.Set(0)
	}
	return nil
}

func queueOutcome(t concurrency.EventType) string {
	switch t {
	case concurrency.EventQueueItemEnqueued:
		return "enqueued"
	case concurrency.EventQueueItemDequeued:
		return "dequeued"
	case concurrency.EventQueueItemCompleted:
		return "completed"
	case concurrency.EventQueueItemFailed:
		return "failed"
	case concurrency.EventQueueItemRetryScheduled:
		return "retry_scheduled"
	default:
		return "unknown"
	}
}

func breakerValue(state string) float64 {
	switch state {
	case concurrency.CircuitOpen.String():
		return 2
	case concurrency.CircuitHalfOpen.String():
		return 1
	default:
		return 0
	}
}

// Update refreshes the gauges from a manager snapshot.
func (c *Collector) Update(snap automation.Snapshot) {
	for _, q := range snap.Queues {
		c.queuePending.WithLabelValues(q.Name).Set(float64(q.Pending))
		c.queueInFlight.WithLabelValues(q.Name).Set(float64(q.InFlight))
	}
	for _, w := range snap.Workers {
		c.workerActive.WithLabelValues(w.Name).Set(float64(w.Active))
	}
	for _, b := range snap.Breakers {
		c.breakerState.WithLabelValues(b.Name).Set(breakerValue(b.State))
	}
	if snap.Status == automation.StatusRunning {
		c.running.Set(1)
	} else {
		c.running.Set(0)
	}
}

// Run refreshes the gauges from m every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, m *automation.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Update(m.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Update(m.Snapshot())
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WarningLog.Printf("metrics server shutdown: %v", err)
		}
	}()

	log.InfoLog.Printf("serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
