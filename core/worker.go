package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"conductor/metrics"
	"conductor/util/goroutine"
)

// WorkerPool runs independent rule pipelines in parallel. Tasks are plain
// funcs; panics are recovered per task so one bad rule cannot take a worker
// down.
type WorkerPool struct {
	workers  int
	taskCh   chan func()
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	mu       sync.RWMutex
	poolName string
}

var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// NewWorkerPool creates a pool; workers start on Start. Cancelling parentCtx
// stops the workers, same as Stop.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, poolName string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:  workers,
		taskCh:   make(chan func(), queueSize),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		poolName: poolName,
	}
}

// Start launches the worker goroutines. Calling Start on a running pool is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool", "pool", wp.poolName, "workers", wp.workers, "queue", cap(wp.taskCh))
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolName).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains the pool and waits for workers to exit, bounded by a timeout so
// a stuck downstream call cannot wedge shutdown.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.running {
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool", wp.poolName)
	case <-time.After(30 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out, goroutines leaked", "pool", wp.poolName)
	}
}

// Submit queues a task without blocking; a full queue is an error the caller
// decides how to handle.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return ErrWorkerPoolNotRunning
	}
	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolName).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Errorw("Task panicked in worker", "pool", wp.poolName, "worker_id", id, "panic", r)
					}
				}()
				task()
			}()
			metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolName).Inc()
		}
	}
}
