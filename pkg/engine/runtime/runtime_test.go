package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want NodeOutcome
	}{
		{nil, OutcomeSuccess},
		{errors.New("boom"), OutcomeFailure},
		{fmt.Errorf("attempt: %w", governance.ErrRequestTimeout), OutcomeTimeout},
		{context.DeadlineExceeded, OutcomeTimeout},
		{domain.ErrExecutionTimeout, OutcomeTimeout},
		{fmt.Errorf("x: %w", governance.ErrCircuitOpen), OutcomeCircuitOpen},
		{context.Canceled, OutcomeCanceled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestNodeResultWithDefaults(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, NodeResult{}.WithDefaults().Outcome)
	assert.Equal(t, OutcomeCircuitOpen, NodeResult{Err: governance.ErrCircuitOpen}.WithDefaults().Outcome)
	assert.Equal(t, OutcomeSkipped, NodeResult{Outcome: OutcomeSkipped, Err: errors.New("x")}.WithDefaults().Outcome)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, domain.NodeStatusCompleted, OutcomeSuccess.Status())
	assert.Equal(t, domain.NodeStatusSkipped, OutcomeSkipped.Status())
	for _, o := range []NodeOutcome{OutcomeFailure, OutcomeTimeout, OutcomeCircuitOpen, OutcomeCanceled} {
		assert.Equal(t, domain.NodeStatusFailed, o.Status(), o)
	}
}

func TestGoRecoversPanics(t *testing.T) {
	task := Go(context.Background(), func(context.Context) (any, error) {
		panic("kaboom")
	})
	_, err := task.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider panic: kaboom")
}

func TestAwaitReturnsWhenContextEnds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	task := Go(context.Background(), func(context.Context) (any, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := task.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, DefaultPoolSize, NewPool(0).Size())

	var running, peak atomic.Int32
	tasks := make([]*Task, 6)
	for i := range tasks {
		tasks[i] = pool.Go(context.Background(), func(context.Context) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return n, nil
		})
	}
	for _, task := range tasks {
		_, err := task.Await(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolFailsTaskWhenContextEndsWhileQueued(t *testing.T) {
	pool := NewPool(1)
	started, release := make(chan struct{}), make(chan struct{})
	busy := pool.Go(context.Background(), func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued := pool.Go(ctx, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	cancel()

	select {
	case <-queued.Done():
	case <-time.After(time.Second):
		t.Fatal("queued task never finished")
	}
	_, err := queued.Await(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())

	close(release)
	_, err = busy.Await(context.Background())
	require.NoError(t, err)
}
