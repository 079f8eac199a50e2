// Copyright Contributors to the KubeTask project

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolStopped is reported by futures whose work never ran because the pool stopped
var ErrPoolStopped = errors.New("worker pool stopped")

// Future is the pending result of work submitted to a WorkerPool
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// completedFuture returns a Future that is already resolved with err
func completedFuture(err error) *Future {
	f := newFuture()
	f.resolve(err)
	return f
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the work has finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result of the work. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the work finishes or ctx is done
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type poolItem struct {
	fn     func(ctx context.Context) error
	future *Future
}

// WorkerPool runs submitted functions on a fixed number of goroutines
type WorkerPool struct {
	queue  chan poolItem
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool starts a pool with the given number of workers. Work runs with a
// context derived from parent that is cancelled when the pool stops.
func NewWorkerPool(parent context.Context, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(parent)
	p := &WorkerPool{
		queue:  make(chan poolItem, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			item.future.resolve(p.run(item.fn))
		}
	}
}

func (p *WorkerPool) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pool worker: %v", r)
		}
	}()
	return fn(p.ctx)
}

// Submit queues fn and returns its Future. It blocks while the queue is full.
func (p *WorkerPool) Submit(fn func(ctx context.Context) error) *Future {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return completedFuture(ErrPoolStopped)
	}

	f := newFuture()
	select {
	case p.queue <- poolItem{fn: fn, future: f}:
	case <-p.ctx.Done():
		f.resolve(ErrPoolStopped)
	}
	return f
}

// Stop cancels running work, waits for the workers and fails anything still queued
func (p *WorkerPool) Stop() {
	p.cancel()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()

	for {
		select {
		case item := <-p.queue:
			item.future.resolve(ErrPoolStopped)
		default:
			return
		}
	}
}
