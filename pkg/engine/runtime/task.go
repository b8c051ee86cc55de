package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent blocking invocations when no size is configured.
const DefaultPoolSize = 8

// Pool runs blocking work on a bounded number of goroutines so that slow
// synchronous providers cannot pile up behind the scheduler.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// NewPool returns a pool admitting at most size concurrent blocking tasks.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Size reports the pool capacity.
func (p *Pool) Size() int { return int(p.size) }

// Task is a single in-flight invocation. Its result is delivered once.
type Task struct {
	done  chan struct{}
	value any
	err   error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(value any, err error) {
	t.value = value
	t.err = err
	close(t.done)
}

// Done is closed when the task has produced its result.
func (t *Task) Done() <-chan struct{} { return t.done }

// Await blocks until the task finishes or ctx ends. When ctx ends first the
// task keeps running in the background and its result is discarded.
func (t *Task) Await(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go starts fn in its own goroutine.
func Go(ctx context.Context, fn func(context.Context) (any, error)) *Task {
	task := newTask()
	go func() {
		task.finish(guard(ctx, fn))
	}()
	return task
}

// Go starts fn once a pool slot is available. A context that ends while
// waiting for a slot fails the task without running fn.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) (any, error)) *Task {
	task := newTask()
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			task.finish(nil, err)
			return
		}
		defer p.sem.Release(1)
		task.finish(guard(ctx, fn))
	}()
	return task
}

// guard converts a panicking provider into an error.
func guard(ctx context.Context, fn func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return fn(ctx)
}
