// Package queue delivers task ids to the lifecycle controller, either through
// an in-process worker pool or through a Redis-backed asynq queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"pdfqueue/config"
	"pdfqueue/task"

	"github.com/panjf2000/ants/v2"
)

// Processor runs one task by id. Repeated calls for the same id must be safe.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// Queue is a task.Dispatcher with a worker side.
type Queue interface {
	task.Dispatcher
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// New builds the queue selected by QUEUE_DRIVER. A nil proc gives an
// enqueue-only asynq client; the local queue always needs one.
func New(cfg *config.Config, proc Processor, logger *slog.Logger) (Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueLocal:
		if proc == nil {
			return nil, fmt.Errorf("the %s queue cannot run without workers", config.QueueLocal)
		}
		q, err := NewLocal(cfg, proc, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.QueueAsynq:
		return NewAsynq(cfg, proc, logger)
	}
	return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
}

// Local is a bounded in-process queue drained by an ants pool of
// MAX_CONCURRENCY workers.
type Local struct {
	queue  chan string
	pool   *ants.Pool
	proc   Processor
	logger *slog.Logger

	mu     sync.Mutex
	queued map[string]struct{}

	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
	started    atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	loopDone   chan struct{}
}

func NewLocal(cfg *config.Config, proc Processor, logger *slog.Logger) (*Local, error) {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	workers := cfg.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
		logger.Error("worker panic", "panic", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Local{
		queue:      make(chan string, size),
		pool:       pool,
		proc:       proc,
		logger:     logger,
		queued:     make(map[string]struct{}),
		workCtx:    workCtx,
		cancelWork: cancel,
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}, nil
}

// Enqueue never blocks: a full queue returns task.ErrQueueFull.
func (q *Local) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[id]; ok {
		return task.ErrDuplicate
	}
	select {
	case q.queue <- id:
		q.queued[id] = struct{}{}
		return nil
	default:
		return task.ErrQueueFull
	}
}

// Start launches the worker loop. It stops taking new ids when ctx ends.
func (q *Local) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return fmt.Errorf("local queue already started")
	}
	q.logger.Info("local queue started", "concurrency", q.pool.Cap(), "size", cap(q.queue))
	go q.workerLoop(ctx)
	return nil
}

func (q *Local) stopping() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// workerLoop pulls ids from the queue and hands them to the pool.
// Submit blocks while every worker is busy.
func (q *Local) workerLoop(ctx context.Context) {
	defer close(q.loopDone)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("worker loop shutting down")
			return
		case <-q.stop:
			q.logger.Info("worker loop shutting down")
			return
		case id := <-q.queue:
			q.mu.Lock()
			delete(q.queued, id)
			q.mu.Unlock()

			q.wg.Add(1)
			err := q.pool.Submit(func() {
				defer q.wg.Done()
				// A slot freed during shutdown must not start new work;
				// the task stays PENDING for recovery.
				if q.stopping() || ctx.Err() != nil {
					q.logger.Info("worker loop shutting down", "left_pending", id)
					return
				}
				if err := q.proc.Process(q.workCtx, id); err != nil {
					q.logger.Error("task processing failed", "task_id", id, "error", err)
				}
			})
			if err != nil {
				q.wg.Done()
				q.logger.Error("submit task to worker pool", "task_id", id, "error", err)
				return
			}
		}
	}
}

// Shutdown waits for running tasks. When ctx ends first, running tasks are
// canceled and end up FAILED as interrupted. Queued ids stay PENDING in the
// store and are picked up by recovery on the next start.
func (q *Local) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })

	done := make(chan struct{})
	go func() {
		if q.started.Load() {
			<-q.loopDone
		}
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelWork()
		q.pool.Release()
		return nil
	case <-ctx.Done():
		q.logger.Warn("shutdown deadline reached, interrupting running tasks")
		q.cancelWork()
		<-done
		q.pool.Release()
		return ctx.Err()
	}
}
