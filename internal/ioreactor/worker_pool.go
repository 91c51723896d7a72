// Package ioreactor provides the bounded worker pool that executes
// broadcast fan-out off the connection goroutines that trigger it.
// Shape and shutdown sequence follow the donor WebSocket relay's
// worker_pool.go; the panic-recovery/drop-on-full backpressure policy
// is unchanged, only the metrics hooks are broker-specific.
package ioreactor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/msgbroker/internal/metrics"
)

// Task is a unit of work submitted to the pool, typically one
// subscriber delivery from a broadcast fan-out.
type Task func()

// WorkerPool runs a fixed number of worker goroutines pulling from a
// bounded queue. When the queue is full, Submit drops the task rather
// than blocking the caller or spawning unbounded goroutines.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool builds a pool with workerCount goroutines and a queue
// of queueSize tasks. Start must be called before Submit.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. ctx cancellation stops them
// once any in-flight task completes; queued-but-unstarted tasks are
// abandoned. Safe to call only once.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				wp.runTask(task)
			}
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("worker pool: shutting down on context cancellation")
			return
		}
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker pool: recovered panic in fan-out task")
		}
	}()
	task()
}

// Submit enqueues task for async execution. If the queue is full, the
// task is dropped and the drop is counted — this is the backpressure
// valve that keeps a slow or wedged subscriber from stalling the
// broadcast path for everyone else.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
		metrics.WorkerQueueDepth.Set(float64(len(wp.taskQueue)))
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		metrics.WorkerTasksDropped.Inc()
	}
}

// Stop closes the task queue and blocks until every worker has
// drained it and exited. Safe to call once; submitting after Stop
// panics, matching the donor's documented contract.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

func (wp *WorkerPool) DroppedTasks() int64 { return atomic.LoadInt64(&wp.droppedTasks) }
func (wp *WorkerPool) QueueDepth() int     { return len(wp.taskQueue) }
func (wp *WorkerPool) QueueCapacity() int  { return cap(wp.taskQueue) }
