package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ByteMirror/swarm/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrWorkerExists is returned when registering a name that is already taken.
var ErrWorkerExists = errors.New("worker already registered")

var tracer = otel.Tracer("github.com/ByteMirror/swarm/concurrency")

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus int

const (
	WorkerStopped WorkerStatus = iota
	WorkerRunning
	WorkerStopping
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStopped:
		return "stopped"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// HandlerFunc processes one queue item. A nil error marks the item complete;
// an error hands it back to the queue for retry.
type HandlerFunc[T any] func(ctx context.Context, item *QueueItem[T]) (any, error)

// WorkerConfig registers a handler against a queue.
type WorkerConfig[T any] struct {
	Name    string
	Handler HandlerFunc[T]
	Queue   *PriorityQueue[T]
	// Concurrency bounds this worker's in-flight handler calls (default: 1).
	Concurrency int
	AutoStart   bool
}

// WorkerManagerConfig holds the polling cadence shared by all workers.
type WorkerManagerConfig struct {
	// BusyPollInterval is the wait when a worker is at its concurrency limit.
	BusyPollInterval time.Duration
	// IdlePollInterval is the wait when the queue has nothing due.
	IdlePollInterval time.Duration
}

// DefaultWorkerManagerConfig returns the default polling cadence.
func DefaultWorkerManagerConfig() WorkerManagerConfig {
	return WorkerManagerConfig{
		BusyPollInterval: 50 * time.Millisecond,
		IdlePollInterval: 250 * time.Millisecond,
	}
}

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	Name        string
	Queue       string
	Status      string
	Concurrency int
	Active      int
	Processed   int64
	Errors      int64
	LastError   string
	StartedAt   time.Time
}

// WorkerEvent is the payload of worker.* events.
type WorkerEvent struct {
	Worker string
	Queue  string
	ItemID string
	Error  string
}

// worker is the type-erased form of a registered WorkerConfig[T].
type worker struct {
	name        string
	queueName   string
	concurrency int

	// dispatch dequeues one item and runs it asynchronously. It reports
	// false when nothing was due.
	dispatch func(w *worker) bool

	mu        sync.Mutex
	status    WorkerStatus
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	lastError string

	active    atomic.Int32
	processed atomic.Int64
	errors    atomic.Int64
}

// WorkerManager runs named polling workers, each draining its own queue.
type WorkerManager struct {
	bus    *EventBus
	config WorkerManagerConfig

	mu      sync.RWMutex
	workers map[string]*worker
}

// NewWorkerManager creates a manager. bus may be nil.
func NewWorkerManager(bus *EventBus, config WorkerManagerConfig) *WorkerManager {
	defaults := DefaultWorkerManagerConfig()
	if config.BusyPollInterval <= 0 {
		config.BusyPollInterval = defaults.BusyPollInterval
	}
	if config.IdlePollInterval <= 0 {
		config.IdlePollInterval = defaults.IdlePollInterval
	}
	return &WorkerManager{
		bus:     bus,
		config:  config,
		workers: make(map[string]*worker),
	}
}

// RegisterWorker adds a worker for cfg.Queue. It fails if the name is taken
// or the config is incomplete.
func RegisterWorker[T any](wm *WorkerManager, cfg WorkerConfig[T]) error {
	if cfg.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("worker %s: handler is required", cfg.Name)
	}
	if cfg.Queue == nil {
		return fmt.Errorf("worker %s: queue is required", cfg.Name)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w := &worker{
		name:        cfg.Name,
		queueName:   cfg.Queue.Name(),
		concurrency: cfg.Concurrency,
	}
	// The dequeued event is published from the handler goroutine so the
	// polling loop never waits on bus listeners, which may call Stop.
	w.dispatch = func(w *worker) bool {
		item, evt, ok := cfg.Queue.take()
		if !ok {
			return false
		}
		w.active.Add(1)
		go func() {
			defer w.active.Add(-1)
			cfg.Queue.publish(EventQueueItemDequeued, evt)
			err := runHandler(cfg.Handler, w.name, item)
			wm.settle(w, item.ID, err, cfg.Queue.Complete, cfg.Queue.Retry)
		}()
		return true
	}

	wm.mu.Lock()
	if _, exists := wm.workers[cfg.Name]; exists {
		wm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerExists, cfg.Name)
	}
	wm.workers[cfg.Name] = w
	wm.mu.Unlock()

	log.InfoLog.Printf("worker %s registered on queue %s (concurrency %d)", w.name, w.queueName, w.concurrency)
	if cfg.AutoStart {
		wm.Start(cfg.Name)
	}
	return nil
}

// runHandler invokes h under a span. Handlers are never cancelled by Stop, so
// the context is not tied to the polling loop.
func runHandler[T any](h HandlerFunc[T], workerName string, item *QueueItem[T]) (err error) {
	ctx, span := tracer.Start(context.Background(), "worker.handle")
	span.SetAttributes(
		attribute.String("worker", workerName),
		attribute.String("item.id", item.ID),
		attribute.String("item.priority", item.Priority.String()),
		attribute.Int("item.attempts", item.Retry.Attempts),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			log.ErrorLog.Printf("worker %s: handler panicked on %s: %v\n%s", workerName, item.ID, r, debug.Stack())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	_, err = h(ctx, item)
	return err
}

func (wm *WorkerManager) settle(w *worker, itemID string, err error, complete func(string) bool, retry func(string, error) bool) {
	if err == nil {
		complete(itemID)
		w.processed.Add(1)
		return
	}

	w.errors.Add(1)
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()

	log.WarningLog.Printf("worker %s: item %s failed: %v", w.name, itemID, err)
	retry(itemID, err)
	wm.bus.Publish(context.Background(), EventWorkerError, WorkerEvent{
		Worker: w.name,
		Queue:  w.queueName,
		ItemID: itemID,
		Error:  err.Error(),
	}, "worker:"+w.name)
}

func (wm *WorkerManager) lookup(name string) (*worker, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	w, ok := wm.workers[name]
	return w, ok
}

// Start launches the worker's polling loop. It returns false for unknown
// names and for workers that are not stopped.
func (wm *WorkerManager) Start(name string) bool {
	w, ok := wm.lookup(name)
	if !ok {
		return false
	}

	w.mu.Lock()
	if w.status != WorkerStopped {
		w.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.status = WorkerRunning
	w.cancel = cancel
	w.done = make(chan struct{})
	w.startedAt = time.Now()
	done := w.done
	w.mu.Unlock()

	go wm.loop(ctx, w, done)

	log.InfoLog.Printf("worker %s started", name)
	wm.bus.Publish(context.Background(), EventWorkerStarted, WorkerEvent{Worker: name, Queue: w.queueName}, "worker:"+name)
	return true
}

// loop polls until ctx is cancelled.
func (wm *WorkerManager) loop(ctx context.Context, w *worker, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := time.Duration(0)
		if int(w.active.Load()) >= w.concurrency {
			wait = wm.config.BusyPollInterval
		} else if !wm.dispatchSafely(w) {
			wait = wm.config.IdlePollInterval
		}
		timer.Reset(wait)
	}
}

// dispatchSafely keeps a panicking queue or payload from killing the loop.
func (wm *WorkerManager) dispatchSafely(w *worker) (dispatched bool) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("worker %s: dispatch panicked: %v", w.name, r)
			dispatched = false
		}
	}()
	return w.dispatch(w)
}

// Stop cancels the polling loop and waits for it to exit. Handlers already
// running finish on their own and still settle their items. The loop never
// blocks on the bus, so listeners may call Stop.
func (wm *WorkerManager) Stop(name string) bool {
	w, ok := wm.lookup(name)
	if !ok {
		return false
	}

	w.mu.Lock()
	if w.status != WorkerRunning {
		w.mu.Unlock()
		return false
	}
	w.status = WorkerStopping
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.status = WorkerStopped
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	log.InfoLog.Printf("worker %s stopped", name)
	wm.bus.Publish(context.Background(), EventWorkerStopped, WorkerEvent{Worker: name, Queue: w.queueName}, "worker:"+name)
	return true
}

// Unregister stops the worker if needed and forgets it.
func (wm *WorkerManager) Unregister(name string) bool {
	if _, ok := wm.lookup(name); !ok {
		return false
	}
	wm.Stop(name)

	wm.mu.Lock()
	defer wm.mu.Unlock()
	if _, ok := wm.workers[name]; !ok {
		return false
	}
	delete(wm.workers, name)
	return true
}

// StopAll stops every running worker.
func (wm *WorkerManager) StopAll() {
	for _, name := range wm.Names() {
		wm.Stop(name)
	}
}

// Names returns registered worker names in sorted order.
func (wm *WorkerManager) Names() []string {
	wm.mu.RLock()
	names := make([]string, 0, len(wm.workers))
	for name := range wm.workers {
		names = append(names, name)
	}
	wm.mu.RUnlock()

	slices.Sort(names)
	return names
}

// Stats returns a snapshot of one worker.
func (wm *WorkerManager) Stats(name string) (WorkerStats, bool) {
	w, ok := wm.lookup(name)
	if !ok {
		return WorkerStats{}, false
	}
	return w.stats(), true
}

// AllStats returns snapshots of every worker, sorted by name.
func (wm *WorkerManager) AllStats() []WorkerStats {
	names := wm.Names()
	stats := make([]WorkerStats, 0, len(names))
	for _, name := range names {
		if s, ok := wm.Stats(name); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

func (w *worker) stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Name:        w.name,
		Queue:       w.queueName,
		Status:      w.status.String(),
		Concurrency: w.concurrency,
		Active:      int(w.active.Load()),
		Processed:   w.processed.Load(),
		Errors:      w.errors.Load(),
		LastError:   w.lastError,
		StartedAt:   w.startedAt,
	}
}
