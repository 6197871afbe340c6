package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/swarm/log"
)

var (
	// ErrCircuitOpen is returned without invoking the operation while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when the operation outlives CallTimeout.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - limited requests allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes breaker transitions. It runs outside the breaker's lock.
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening (default: 5).
	FailureThreshold int

	// SuccessThreshold is successes needed to close from half-open (default: 2).
	SuccessThreshold int

	// ResetTimeout is how long after the last failure to stay open (default: 60s).
	ResetTimeout time.Duration

	// CallTimeout bounds each call; zero disables the timeout.
	CallTimeout time.Duration

	// HalfOpenMaxCalls is max concurrent probes in half-open state (default: SuccessThreshold).
	HalfOpenMaxCalls int

	// OnStateChange is notified of every transition.
	OnStateChange StateChangeFunc
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	TotalTimeouts   int64     `json:"total_timeouts"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

type transition struct {
	from, to CircuitState
}

// CircuitBreaker guards one logical downstream operation.
//
//   - Closed: calls pass through; FailureThreshold failures open the circuit.
//   - Open: calls fail fast with ErrCircuitOpen until ResetTimeout has passed
//     since the last failure.
//   - Half-Open: up to HalfOpenMaxCalls probes run; SuccessThreshold
//     successes close the circuit, any failure reopens it.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	halfOpenActive  int

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
	totalTimeouts   int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = config.SuccessThreshold
	}

	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Name returns the breaker's registry key.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit state, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	var changes []transition
	if cb.state == CircuitOpen && cb.resetElapsedLocked() {
		changes = append(changes, cb.transitionLocked(CircuitHalfOpen))
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changes)
	return state
}

// Execute runs fn under the breaker. It returns ErrCircuitOpen without
// calling fn when the circuit is open, ErrCallTimeout when fn outlives
// CallTimeout, or fn's own error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, probe := cb.acquire()
	if !allowed {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}

	err := cb.invoke(ctx, fn)

	// A caller giving up is not a downstream failure.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(probe)
		return err
	}
	cb.record(err, probe)
	return err
}

// CallWithBreaker is Execute for operations that produce a value.
func CallWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	// Reached only after invoke received fn's result, so out is settled.
	return out, nil
}

// acquire decides whether a call may proceed. probe reports a half-open slot
// that must be released.
func (cb *CircuitBreaker) acquire() (allowed bool, probe bool) {
	cb.mu.Lock()
	var changes []transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changes)
	}()

	cb.totalCalls++

	switch cb.state {
	case CircuitClosed:
		return true, false

	case CircuitOpen:
		if !cb.resetElapsedLocked() {
			cb.totalRejections++
			return false, false
		}
		changes = append(changes, cb.transitionLocked(CircuitHalfOpen))
		return cb.tryHalfOpenLocked()

	case CircuitHalfOpen:
		return cb.tryHalfOpenLocked()
	}

	return false, false
}

// tryHalfOpenLocked attempts to allow a request in half-open state.
func (cb *CircuitBreaker) tryHalfOpenLocked() (bool, bool) {
	if cb.halfOpenActive >= cb.config.HalfOpenMaxCalls {
		cb.totalRejections++
		return false, false
	}
	cb.halfOpenActive++
	return true, true
}

func (cb *CircuitBreaker) resetElapsedLocked() bool {
	return cb.now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout
}

// invoke races fn against CallTimeout. An abandoned fn keeps running; its
// result lands in a buffered channel nobody reads.
func (cb *CircuitBreaker) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	var cancel context.CancelFunc = func() {}
	if cb.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.config.CallTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("circuit breaker %s: operation panicked: %v", cb.name, r)
			}
		}()
		done <- fn(callCtx)
	}()

	var timeout <-chan time.Time
	if cb.config.CallTimeout > 0 {
		timer := time.NewTimer(cb.config.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		// fn honoured its own deadline and beat the timer.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && callCtx.Err() != nil {
			return cb.timedOut()
		}
		return err
	case <-timeout:
		return cb.timedOut()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) timedOut() error {
	cb.mu.Lock()
	cb.totalTimeouts++
	cb.mu.Unlock()
	return fmt.Errorf("%w after %v: %s", ErrCallTimeout, cb.config.CallTimeout, cb.name)
}

// release frees a half-open slot without recording an outcome.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
	cb.mu.Unlock()
}

// record applies an outcome to whatever state the breaker is in now.
func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	var changes []transition

	if probe && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}

	if err == nil {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				changes = append(changes, cb.transitionLocked(CircuitClosed))
			}
		}
	} else {
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				changes = append(changes, cb.transitionLocked(CircuitOpen))
			}
		case CircuitHalfOpen:
			changes = append(changes, cb.transitionLocked(CircuitOpen))
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// transitionLocked changes state and resets the per-state counters.
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) transition {
	t := transition{from: cb.state, to: newState}
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0
	if newState != CircuitHalfOpen {
		cb.halfOpenActive = 0
	}
	return t
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, c := range changes {
		log.InfoLog.Printf("circuit breaker %s: %s -> %s", cb.name, c.from, c.to)
		if cb.config.OnStateChange == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorLog.Printf("circuit breaker %s: state change callback panicked: %v", cb.name, r)
				}
			}()
			cb.config.OnStateChange(cb.name, c.from, c.to)
		}()
	}
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		TotalTimeouts:   cb.totalTimeouts,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed and zeroes its counters. Calls already in
// flight still record their outcome against the state they find on return.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	if cb.state != CircuitClosed {
		changes = append(changes, transition{from: cb.state, to: CircuitClosed})
	}
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenActive = 0
	cb.lastFailureTime = time.Time{}
	cb.lastStateChange = cb.now()
	cb.mu.Unlock()

	cb.notify(changes)
}
