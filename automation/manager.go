// Package automation wires the concurrency primitives into the background
// automation facade used by the CLI and the MCP server.
package automation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
	"github.com/ByteMirror/swarm/plansync"
)

var (
	// ErrAutomationDisabled is returned by Start when config gating turns automation off.
	ErrAutomationDisabled = errors.New("automation is disabled")
	// ErrCapabilityDisabled is returned by integration constructors whose capability is off.
	ErrCapabilityDisabled = errors.New("automation capability is disabled")
)

// Status is the manager lifecycle state as reported to users.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
)

// BreakerEvent is the payload of circuit.breaker.* events.
type BreakerEvent struct {
	Name string
	From string
	To   string
}

// LoopEvent is the payload of loop.protection.triggered events.
type LoopEvent struct {
	Name  string
	Key   string
	Count int
}

// registeredQueue is the payload-independent view of a PriorityQueue[T].
type registeredQueue interface {
	Name() string
	Stats() concurrency.QueueStats
	Clear()
}

// Option customises a Manager.
type Option func(*Manager)

// WithEventBus makes the manager publish on bus instead of a private one.
func WithEventBus(bus *concurrency.EventBus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithWorkerManagerConfig overrides worker polling intervals.
func WithWorkerManagerConfig(cfg concurrency.WorkerManagerConfig) Option {
	return func(m *Manager) {
		m.workerConfig = cfg
	}
}

// Manager owns the event bus, queues, breakers, loop protection and workers
// for one process. Construct one per process, or one per test.
type Manager struct {
	cfg          *config.Config
	bus          *concurrency.EventBus
	workerConfig concurrency.WorkerManagerConfig
	workers      *concurrency.WorkerManager

	mu          sync.Mutex
	initialized bool
	running     bool
	queues      map[string]registeredQueue
	breakers    map[string]*concurrency.CircuitBreaker
	loops       map[string]*concurrency.LoopProtection
	planSyncs   []*plansync.Worker
}

// New creates a stopped manager. A nil cfg is treated as the defaults, which
// keep automation disabled.
func New(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := &Manager{
		cfg:          cfg,
		workerConfig: concurrency.DefaultWorkerManagerConfig(),
		queues:       make(map[string]registeredQueue),
		breakers:     make(map[string]*concurrency.CircuitBreaker),
		loops:        make(map[string]*concurrency.LoopProtection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = concurrency.NewEventBus(concurrency.DefaultEventBusConfig())
	}
	m.workers = concurrency.NewWorkerManager(m.bus, m.workerConfig)
	return m
}

// Config returns the config the manager was built with.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Bus returns the manager's event bus.
func (m *Manager) Bus() *concurrency.EventBus {
	return m.bus
}

// Workers returns the manager's worker registry.
func (m *Manager) Workers() *concurrency.WorkerManager {
	return m.workers
}

// Enabled reports whether config gating allows automation.
func (m *Manager) Enabled() bool {
	return config.IsAutomationEnabled(m.cfg)
}

// HasCapability reports whether automation and the named capability are on.
func (m *Manager) HasCapability(c config.Capability) bool {
	return config.HasCapability(m.cfg, c)
}

// Status reports disabled, stopped or running.
func (m *Manager) Status() Status {
	if !m.Enabled() {
		return StatusDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return StatusRunning
	}
	return StatusStopped
}

// Running reports whether Start has succeeded and Stop has not been called since.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Initialize validates the config. It is idempotent.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid automation config: %w", err)
	}
	m.initialized = true
	return nil
}

// Start initializes if needed, then starts every registered worker and plan
// sync watcher. It returns ErrAutomationDisabled when gating says no.
func (m *Manager) Start(ctx context.Context) error {
	if !m.Enabled() {
		log.InfoLog.Printf("automation: not starting, disabled by config (mode %q)", m.cfg.Automation.Mode)
		return ErrAutomationDisabled
	}
	if err := m.Initialize(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	syncs := slices.Clone(m.planSyncs)
	m.mu.Unlock()

	for _, name := range m.workers.Names() {
		m.workers.Start(name)
	}
	for _, w := range syncs {
		w.Start()
	}

	log.InfoLog.Printf("automation: started (mode %s)", m.cfg.Automation.Mode)
	m.bus.Publish(ctx, concurrency.EventAutomationStarted, m.cfg.Automation.Mode, "automation")
	return nil
}

// Stop stops every worker and plan sync watcher. In-flight handlers finish on
// their own.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	syncs := slices.Clone(m.planSyncs)
	m.mu.Unlock()

	for _, w := range syncs {
		w.Stop()
	}
	m.workers.StopAll()

	log.InfoLog.Printf("automation: stopped")
	m.bus.Publish(context.Background(), concurrency.EventAutomationStopped, nil, "automation")
	return nil
}

// Reset stops everything and returns every component to its initial state.
// Registrations are kept.
func (m *Manager) Reset() {
	_ = m.Stop()

	m.mu.Lock()
	queues := make([]registeredQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	breakers := make([]*concurrency.CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	loops := make([]*concurrency.LoopProtection, 0, len(m.loops))
	for _, lp := range m.loops {
		loops = append(loops, lp)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Clear()
	}
	for _, cb := range breakers {
		cb.Reset()
	}
	for _, lp := range loops {
		lp.ResetAll()
	}
	m.bus.ClearHistory()
}

// Queue returns the named queue, creating it on first use with the
// configured size and retry limits. A name already bound to another payload
// type is an error.
func Queue[T any](m *Manager, name string) (*concurrency.PriorityQueue[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.queues[name]; ok {
		q, ok := existing.(*concurrency.PriorityQueue[T])
		if !ok {
			return nil, fmt.Errorf("queue %s already exists with a different payload type", name)
		}
		return q, nil
	}

	q := concurrency.NewPriorityQueue[T](name, m.bus, concurrency.QueueConfig{
		MaxSize:    m.cfg.Automation.MaxQueueSize,
		MaxRetries: m.cfg.Automation.MaxRetries,
	})
	m.queues[name] = q
	return q, nil
}

// RegisterWorker registers a worker with the manager. Workers registered
// while the manager runs start immediately.
func RegisterWorker[T any](m *Manager, cfg concurrency.WorkerConfig[T]) error {
	cfg.AutoStart = cfg.AutoStart || m.Running()
	return concurrency.RegisterWorker(m.workers, cfg)
}

// CircuitBreaker returns the named breaker, creating it on first use. Its
// transitions are published on the bus.
func (m *Manager) CircuitBreaker(name string) *concurrency.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	c := m.cfg.Automation.CircuitBreaker
	cb := concurrency.NewCircuitBreaker(name, concurrency.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     c.ResetTimeout(),
		CallTimeout:      c.CallTimeout(),
		OnStateChange:    m.publishBreakerTransition,
	})
	m.breakers[name] = cb
	return cb
}

func (m *Manager) publishBreakerTransition(name string, from, to concurrency.CircuitState) {
	var eventType concurrency.EventType
	switch to {
	case concurrency.CircuitOpen:
		eventType = concurrency.EventCircuitBreakerOpened
	case concurrency.CircuitHalfOpen:
		eventType = concurrency.EventCircuitBreakerHalfOpen
	default:
		eventType = concurrency.EventCircuitBreakerClosed
	}
	m.bus.Publish(context.Background(), eventType, BreakerEvent{Name: name, From: from.String(), To: to.String()}, "breaker:"+name)
}

// LoopProtection returns the named loop guard, creating it on first use.
// Blocked attempts are published on the bus.
func (m *Manager) LoopProtection(name string) *concurrency.LoopProtection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lp, ok := m.loops[name]; ok {
		return lp
	}

	c := m.cfg.Automation.LoopProtection
	lp := concurrency.NewLoopProtection(name, concurrency.LoopProtectionConfig{
		MaxIterations: c.MaxIterations,
		TimeWindow:    c.TimeWindow(),
		OnTriggered: func(key string, count int) {
			m.bus.Publish(context.Background(), concurrency.EventLoopProtectionTriggered,
				LoopEvent{Name: name, Key: key, Count: count}, "loop:"+name)
		},
	})
	m.loops[name] = lp
	return lp
}

func (m *Manager) addPlanSync(w *plansync.Worker) {
	m.mu.Lock()
	m.planSyncs = append(m.planSyncs, w)
	running := m.running
	m.mu.Unlock()

	if running {
		w.Start()
	}
}

// PlanSyncs returns the plan sync workers attached to the manager.
func (m *Manager) PlanSyncs() []*plansync.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.planSyncs)
}

// Close stops the manager and disposes its plan sync workers.
func (m *Manager) Close() error {
	err := m.Stop()
	for _, w := range m.PlanSyncs() {
		w.Dispose()
	}
	return err
}
