package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errProvider = errors.New("provider failed")

func failing(context.Context) error { return errProvider }
func succeeding(context.Context) error { return nil }

func TestCircuitBreakerStaysClosedBelowMinRequests(t *testing.T) {
	cb := NewCircuitBreaker("cap", CircuitBreakerConfig{MinRequests: 5, FailureRateThreshold: 50, CoolDown: time.Minute})

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), failing), errProvider)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerOpensAndRejectsWithoutInvoking(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("cap", CircuitBreakerConfig{MinRequests: 4, FailureRateThreshold: 50, CoolDown: time.Minute, Now: clock.Now})

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	stats := cb.Stats()
	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 2, stats.Successes)
	assert.InDelta(t, 50.0, stats.FailureRate, 0.001)
	assert.NotEmpty(t, stats.LastFailure)
}

func TestCircuitBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker("cap", CircuitBreakerConfig{
		MinRequests:          2,
		FailureRateThreshold: 50,
		CoolDown:             time.Minute,
		Now:                  clock.Now,
		OnStateChange: func(key string, from, to CircuitBreakerState) {
			transitions = append(transitions, string(from)+"->"+string(to))
		},
	})

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().Failures)
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("cap", CircuitBreakerConfig{MinRequests: 1, FailureRateThreshold: 50, CoolDown: time.Minute, Now: clock.Now})

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(2 * time.Minute)
	require.ErrorIs(t, cb.Execute(context.Background(), failing), errProvider)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)
}

func TestCircuitBreakerAllowsExactlyOneProbe(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("cap", CircuitBreakerConfig{MinRequests: 1, FailureRateThreshold: 50, CoolDown: time.Minute, Now: clock.Now})
	require.Error(t, cb.Execute(context.Background(), failing))
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), succeeding), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManagerKeysByCapability(t *testing.T) {
	m := NewCircuitBreakerManager(CircuitBreakerConfig{MinRequests: 1, FailureRateThreshold: 50})

	a := m.Get("alpha")
	assert.Same(t, a, m.Get("alpha"))
	require.Error(t, a.Execute(context.Background(), failing))

	assert.Equal(t, StateOpen, m.Get("alpha").State())
	assert.Equal(t, StateClosed, m.Get("beta").State())

	stats := m.Stats()
	assert.Equal(t, "open", stats["alpha"].State)

	m.ResetAll()
	assert.Equal(t, StateClosed, m.Get("alpha").State())
}

func TestCircuitBreakerHonoursCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("cap", DefaultCircuitBreakerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, invoked)
	assert.Equal(t, 0, cb.Stats().TotalRequests)
}
