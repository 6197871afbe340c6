package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

func succeed(ctx context.Context) error { return nil }
func fail(ctx context.Context) error    { return errDownstream }

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}

func TestCircuitBreakerRoundTrip(t *testing.T) {
	cb := NewCircuitBreaker("roundtrip", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     50 * time.Millisecond,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
	})
	ctx := context.Background()

	err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, CircuitOpen, cb.State())

	var invoked atomic.Int32
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(ctx context.Context) error {
			invoked.Add(1)
			return nil
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, int32(0), invoked.Load(), "open circuit must not invoke the operation")

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one success is not enough to close")

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("reopen", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDownstream)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("reset-count", CircuitBreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerCallTimeout(t *testing.T) {
	cb := NewCircuitBreaker("timeout", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		CallTimeout:      30 * time.Millisecond,
	})

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, CircuitOpen, cb.State())

	stats := cb.Stats()
	assert.Equal(t, int64(1), stats.TotalTimeouts)
	assert.Equal(t, int64(1), stats.TotalFailures)
}

func TestCircuitBreakerZeroResetTimeoutFailsFast(t *testing.T) {
	cb := NewCircuitBreaker("zero-reset", CircuitBreakerConfig{FailureThreshold: 1})

	var calls atomic.Int32
	fail := func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}

	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerDeadlineFromCallContextIsATimeout(t *testing.T) {
	cb := NewCircuitBreaker("ctx-deadline", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		CallTimeout:      20 * time.Millisecond,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, int64(1), cb.Stats().TotalTimeouts)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerRecoversPanics(t *testing.T) {
	cb := NewCircuitBreaker("panic", CircuitBreakerConfig{FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerCallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker("cancel", CircuitBreakerConfig{FailureThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerResetDuringInFlightCall(t *testing.T) {
	cb := NewCircuitBreaker("inflight", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-finish
			return errDownstream
		})
	}()

	<-started
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)

	close(finish)
	require.ErrorIs(t, <-done, errDownstream)

	// The late failure counts against the fresh closed state.
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().Failures)
}

func TestCircuitBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker("probes", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 3,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	close(finish)
	require.NoError(t, <-done)
	require.NoError(t, cb.Execute(ctx, succeed))
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker("notify", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "notify", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	cb.Reset()
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"closed->open",
		"open->half-open",
		"half-open->closed",
		"closed->open",
		"open->closed",
	}, transitions)
}

func TestCircuitBreakerCallbackMayReadState(t *testing.T) {
	var cb *CircuitBreaker
	var observed CircuitState
	cb = NewCircuitBreaker("reentrant", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(name string, from, to CircuitState) {
			observed = cb.State()
		},
	})

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, observed)
}

func TestCallWithBreaker(t *testing.T) {
	cb := NewCircuitBreaker("generic", DefaultCircuitBreakerConfig())

	n, err := CallWithBreaker(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	s, err := CallWithBreaker(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "partial", errDownstream
	})
	assert.ErrorIs(t, err, errDownstream)
	assert.Empty(t, s)

	stats := cb.Stats()
	assert.Equal(t, "generic", stats.Name)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, 1, stats.Failures)
}
