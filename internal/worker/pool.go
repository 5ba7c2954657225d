// Package worker bounds the number of CPU-heavy pipeline stages running at once.
package worker

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a job does not finish within the pool timeout.
var ErrTimeout = errors.New("worker: job timed out")

// Pool runs jobs on at most Size goroutines at a time.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	timeout time.Duration
}

// NewPool returns a pool with size slots. Non-positive sizes default to the
// number of CPUs; a zero timeout disables the per-job deadline.
func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size, timeout: timeout}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

type result[T any] struct {
	value T
	err   error
}

// Run executes fn on the pool and waits for its result. The job context
// carries the pool deadline. A job that overruns keeps its slot until fn
// returns, so the concurrency bound always holds.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer p.sem.Release(1)

		v, err := fn(jobCtx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, ErrTimeout
		}
		return r.value, r.err
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrTimeout
	}
}
