package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerDown = errors.New("peer down")

func failingCalls(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errPeerDown })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{})
	assert.Equal(t, Closed, cb.State())
}

func TestBreakerPassesThroughWhileClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{})
	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Closed, cb.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 3})
	failingCalls(cb, 3)
	assert.Equal(t, Open, cb.State())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 3})
	failingCalls(cb, 2)
	require.NoError(t, cb.Execute(func() error { return nil }))
	failingCalls(cb, 2)
	assert.Equal(t, Closed, cb.State(), "non-consecutive failures should not open the breaker")
}

func TestOpenBreakerFailsFast(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 1, Cooldown: time.Minute})
	failingCalls(cb, 1)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "open breaker must not invoke the call")
	assert.True(t, annexerr.Is(err, annexerr.Transient))
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         5 * time.Millisecond,
	})
	failingCalls(cb, 1)
	require.Equal(t, Open, cb.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, HalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, Closed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 1,
		Cooldown:         5 * time.Millisecond,
	})
	failingCalls(cb, 1)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, HalfOpen, cb.State())

	failingCalls(cb, 1)
	assert.Equal(t, Open, cb.State())
}

func TestHalfOpenBoundsConcurrentProbes(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		Cooldown:         time.Millisecond,
		MaxHalfOpenCalls: 1,
	})
	failingCalls(cb, 1)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, HalfOpen, cb.State())

	require.NoError(t, cb.acquire())
	err := cb.acquire()
	require.Error(t, err, "second concurrent probe should be refused")
}

func TestCancellationIsNotCountedAsPeerFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, Closed, cb.State(), "a canceled call says nothing about the peer")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
}
