// Package concurrency provides the in-process building blocks for swarm's
// background automation.
//
// # Core Components
//
// EventBus - Typed pub/sub with bounded history. Publish waits for every
// listener and never fails.
//
//	bus := NewEventBus(DefaultEventBusConfig())
//	unsubscribe := bus.Subscribe(EventQueueItemFailed, listener)
//	bus.Publish(ctx, EventAutomationStarted, nil, "manager")
//
// PriorityQueue - Generic bounded queue ordered by priority then insertion,
// with exponential retry backoff.
//
//	q := NewPriorityQueue[Task]("tasks", bus, DefaultQueueConfig())
//	id, err := q.Enqueue(task, PriorityHigh, nil)
//
// WorkerManager - Named polling workers that drain a queue with bounded
// per-worker concurrency.
//
//	wm := NewWorkerManager(bus, DefaultWorkerManagerConfig())
//	err := RegisterWorker(wm, WorkerConfig[Task]{Name: "tasks", Queue: q, Handler: h, AutoStart: true})
//	wm.StopAll()
//
// CircuitBreaker - Closed/open/half-open guard with a per-call timeout.
//
//	cb := NewCircuitBreaker("preflight", DefaultCircuitBreakerConfig())
//	err := cb.Execute(ctx, fn)
//
// LoopProtection - Per-key attempt limits inside a fixed time window.
//
//	lp := NewLoopProtection("sync", DefaultLoopProtectionConfig())
//	if !lp.RecordAttempt(key) { ... }
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Events and queue items
// handed to callers are copies; payloads are passed through untouched.
package concurrency
