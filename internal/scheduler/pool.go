package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks dispatch pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("dispatch pool is shut down")

// dispatchPool is a bounded goroutine pool for concurrent job launches.
// It backpressures tick loops so a burst of due jobs cannot spawn an
// unbounded number of workflow instantiations at once.
type dispatchPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

func newDispatchPool(size int) *dispatchPool {
	if size <= 0 {
		size = 1
	}
	return &dispatchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit enqueues work into the pool. It blocks when the pool is at
// capacity and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *dispatchPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent a race with Shutdown's
	// wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *dispatchPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to finish.
func (p *dispatchPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *dispatchPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
