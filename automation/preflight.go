package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
)

const preflightName = "preflight"

// PreflightRequest asks for the checks that gate entry into a plan phase.
type PreflightRequest struct {
	Directory string
	PlanID    string
	FromPhase string
	ToPhase   string
}

func (r PreflightRequest) key() string {
	return r.PlanID + ":" + r.ToPhase
}

// PreflightRunner runs the phase preflight checks. It is supplied by the caller.
type PreflightRunner func(ctx context.Context, req PreflightRequest) error

// PreflightEvent is the payload of preflight.* events.
type PreflightEvent struct {
	Request PreflightRequest
	ItemID  string
	Error   string
}

type preflightOptions struct {
	override    bool
	priority    concurrency.Priority
	concurrency int
}

// PreflightOption customises a PreflightTrigger.
type PreflightOption func(*preflightOptions)

// WithCapabilityOverride builds the trigger even when phase_preflight is off.
func WithCapabilityOverride() PreflightOption {
	return func(o *preflightOptions) {
		o.override = true
	}
}

// WithPreflightPriority sets the queue priority of preflight requests (default: high).
func WithPreflightPriority(p concurrency.Priority) PreflightOption {
	return func(o *preflightOptions) {
		o.priority = p
	}
}

// WithPreflightConcurrency bounds concurrent preflight runs (default: 1).
func WithPreflightConcurrency(n int) PreflightOption {
	return func(o *preflightOptions) {
		o.concurrency = n
	}
}

// PreflightTrigger turns phase boundaries into queued preflight runs. Each
// plan/phase pair is rate-limited by loop protection and every run goes
// through the "preflight" circuit breaker.
type PreflightTrigger struct {
	m        *Manager
	runner   PreflightRunner
	priority concurrency.Priority
	queue    *concurrency.PriorityQueue[PreflightRequest]
	breaker  *concurrency.CircuitBreaker
	loops    *concurrency.LoopProtection

	unsubscribe func()
	closeOnce   sync.Once
}

// NewPreflightTrigger registers the preflight queue and worker and subscribes
// to phase boundaries. It fails with ErrCapabilityDisabled when
// phase_preflight is off, unless WithCapabilityOverride is given.
func NewPreflightTrigger(m *Manager, runner PreflightRunner, opts ...PreflightOption) (*PreflightTrigger, error) {
	options := preflightOptions{priority: concurrency.PriorityHigh, concurrency: 1}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.override && !m.HasCapability(config.CapabilityPhasePreflight) {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDisabled, config.CapabilityPhasePreflight)
	}
	if runner == nil {
		return nil, fmt.Errorf("preflight runner is required")
	}

	queue, err := Queue[PreflightRequest](m, preflightName)
	if err != nil {
		return nil, err
	}

	t := &PreflightTrigger{
		m:        m,
		runner:   runner,
		priority: options.priority,
		queue:    queue,
		breaker:  m.CircuitBreaker(preflightName),
		loops:    m.LoopProtection(preflightName),
	}

	if err := RegisterWorker(m, concurrency.WorkerConfig[PreflightRequest]{
		Name:        preflightName,
		Queue:       queue,
		Handler:     t.handle,
		Concurrency: options.concurrency,
	}); err != nil {
		return nil, err
	}

	t.unsubscribe = m.bus.Subscribe(concurrency.EventPhaseBoundaryDetected, t.onBoundary)
	return t, nil
}

func (t *PreflightTrigger) onBoundary(ctx context.Context, e concurrency.Event) error {
	boundary, ok := e.Payload.(PhaseBoundary)
	if !ok {
		return fmt.Errorf("unexpected phase boundary payload %T", e.Payload)
	}
	if boundary.ToPhase == "" {
		return nil
	}
	_, err := t.Request(ctx, PreflightRequest(boundary))
	return err
}

// Request queues a preflight run. It returns false without error when loop
// protection blocks the plan/phase pair.
func (t *PreflightTrigger) Request(ctx context.Context, req PreflightRequest) (bool, error) {
	if !t.loops.RecordAttempt(req.key()) {
		log.WarningLog.Printf("automation: preflight for %s suppressed by loop protection", req.key())
		return false, nil
	}

	id, err := t.queue.Enqueue(req, t.priority, map[string]any{"plan_id": req.PlanID, "phase": req.ToPhase})
	if err != nil {
		return false, fmt.Errorf("failed to queue preflight for %s: %w", req.key(), err)
	}
	t.m.bus.Publish(ctx, concurrency.EventPreflightRequested, PreflightEvent{Request: req, ItemID: id}, preflightName)
	return true, nil
}

func (t *PreflightTrigger) handle(ctx context.Context, item *concurrency.QueueItem[PreflightRequest]) (any, error) {
	req := item.Payload
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.runner(ctx, req)
	})

	evt := PreflightEvent{Request: req, ItemID: item.ID}
	if err != nil {
		evt.Error = err.Error()
		t.m.bus.Publish(ctx, concurrency.EventPreflightFailed, evt, preflightName)
		return nil, err
	}
	t.m.bus.Publish(ctx, concurrency.EventPreflightCompleted, evt, preflightName)
	return req, nil
}

// Queue returns the preflight queue.
func (t *PreflightTrigger) Queue() *concurrency.PriorityQueue[PreflightRequest] {
	return t.queue
}

// Close unsubscribes from phase boundaries and unregisters the worker.
func (t *PreflightTrigger) Close() {
	t.closeOnce.Do(func() {
		t.unsubscribe()
		t.m.workers.Unregister(preflightName)
	})
}
