// Package worker provides a bounded worker pool used to run detection and
// escalation work off the request path.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pool runs submitted tasks on a fixed set of workers over a bounded queue.
// Submission never blocks: when the queue is full the task is dropped and
// counted, mirroring the ledger's drop-over-block policy.
type Pool[T any] struct {
	workers int
	handler func(context.Context, T)
	tasks   chan T
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	stop    sync.Once

	// mu orders Submit sends against the queue close in Shutdown so a
	// straggler submission never hits a closed channel.
	mu     sync.RWMutex
	closed bool

	submitted int64
	completed int64
	dropped   int64
	panics    int64
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int
	Pending   int
	Submitted int64
	Completed int64
	Dropped   int64
	Panics    int64
}

// New creates and starts the pool.
func New[T any](workers, queueSize int, handler func(context.Context, T), logger *zap.Logger) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		workers: workers,
		handler: handler,
		tasks:   make(chan T, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task. Returns false when the queue was full or the pool
// was already shut down and the task was dropped.
func (p *Pool[T]) Submit(task T) bool {
	atomic.AddInt64(&p.submitted, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

// Stats returns the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Pending:   len(p.tasks),
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Panics:    atomic.LoadInt64(&p.panics),
	}
}

// Shutdown stops accepting work and waits for in-flight tasks up to the
// timeout, then cancels the worker context. Safe to call more than once.
func (p *Pool[T]) Shutdown(timeout time.Duration) {
	p.stop.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			p.logger.Warn("worker pool shutdown timed out", zap.Int("pending", len(p.tasks)))
		}
		p.cancel()
	})
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.run(task)
	}
}

func (p *Pool[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panics, 1)
			p.logger.Error("worker task panicked", zap.Any("panic", r))
			return
		}
		atomic.AddInt64(&p.completed, 1)
	}()
	p.handler(p.ctx, task)
}
