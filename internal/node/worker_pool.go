package node

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of pipeline work.
type Task func()

// WorkerPool runs add-dispatch tasks on a fixed set of goroutines so a
// burst of log inserts cannot spawn unbounded goroutines.
//
// Unlike a drop-on-full queue, Submit falls back to running the task in
// the caller's goroutine when the queue is saturated: actions must never
// be lost, backpressure lands on the producer instead.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 100
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.taskQueue:
			wp.run(task)
		case <-wp.ctx.Done():
			wp.drain()
			return
		}
	}
}

// drain runs whatever is still queued at shutdown.
func (wp *WorkerPool) drain() {
	for {
		select {
		case task := <-wp.taskQueue:
			wp.run(task)
		default:
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues the task, or runs it inline when the queue is full or
// the pool has stopped. The queue channel is never closed, so a Submit
// racing Stop cannot panic.
func (wp *WorkerPool) Submit(task Task) {
	if wp.ctx != nil {
		select {
		case <-wp.ctx.Done():
			wp.run(task)
			return
		default:
		}
	}
	select {
	case wp.taskQueue <- task:
	default:
		wp.run(task)
	}
}

// Stop cancels the workers, drains the queue and waits for them to exit.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
}
