package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts the tasks seen by a WorkerPool.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type threadTask struct {
	kind string
	ctx  context.Context
	fn   func(ctx context.Context) error
}

// WorkerPool runs background starts and resumes. Tasks submitted for one thread
// run one at a time in submission order, so a second decision on a thread waits
// for the first instead of racing it for the lock. Different threads run in
// parallel, at most size at once.
type WorkerPool struct {
	slots  chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	queues   map[string][]threadTask // head is the running task
	inflight int
	closed   bool

	queued, active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size threads concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		slots:  make(chan struct{}, size),
		logger: logger,
		queues: make(map[string][]threadTask),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Submit queues fn behind any earlier task for threadID and returns at once.
// fn receives ctx detached from its cancellation. kind labels the task in logs.
func (p *WorkerPool) Submit(ctx context.Context, threadID, kind string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}

	q := p.queues[threadID]
	p.queues[threadID] = append(q, threadTask{kind: kind, ctx: context.WithoutCancel(ctx), fn: fn})
	p.inflight++
	p.queued.Add(1)
	if len(q) == 0 {
		go p.drain(threadID)
	}
	return nil
}

// drain runs the queue of one thread until it is empty.
func (p *WorkerPool) drain(threadID string) {
	for {
		p.mu.Lock()
		q := p.queues[threadID]
		if len(q) == 0 {
			delete(p.queues, threadID)
			p.mu.Unlock()
			return
		}
		t := q[0]
		p.mu.Unlock()

		p.slots <- struct{}{}
		p.queued.Add(-1)
		p.run(threadID, t)
		<-p.slots

		p.mu.Lock()
		p.queues[threadID] = p.queues[threadID][1:]
		p.inflight--
		if p.inflight == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *WorkerPool) run(threadID string, t threadTask) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(t.ctx, "worker task panicked",
				"thread_id", threadID, "task", t.kind, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := t.fn(t.ctx); err != nil {
		p.failed.Add(1)
		p.logger.WarnContext(t.ctx, "worker task failed", "thread_id", threadID, "task", t.kind, "error", err)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Shutdown refuses new tasks and waits for the queued ones to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    p.queued.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
