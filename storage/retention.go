package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"conductor/util/goroutine"
)

// RetentionManager periodically drops terminal executions older than the
// configured retention window so the audit table does not grow unbounded.
type RetentionManager struct {
	executions *ExecutionStorage
	retention  time.Duration
	interval   time.Duration
	logger     *zap.SugaredLogger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRetentionManager creates a retention sweeper. A non-positive retention
// disables it.
func NewRetentionManager(executions *ExecutionStorage, retention time.Duration, logger *zap.SugaredLogger) *RetentionManager {
	return &RetentionManager{
		executions: executions,
		retention:  retention,
		interval:   time.Hour,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop. No-op when retention is disabled.
func (rm *RetentionManager) Start(ctx context.Context) {
	if rm.retention <= 0 {
		close(rm.done)
		return
	}
	ctx, rm.cancel = context.WithCancel(ctx)
	go func() {
		defer close(rm.done)
		defer goroutine.Recover("execution-retention", rm.logger)

		ticker := time.NewTicker(rm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (rm *RetentionManager) Stop() {
	if rm.cancel != nil {
		rm.cancel()
	}
	<-rm.done
}

func (rm *RetentionManager) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-rm.retention)
	deleted, err := rm.executions.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		rm.logger.Errorw("Execution retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		rm.logger.Infow("Execution retention sweep completed", "deleted", deleted, "cutoff", cutoff)
	}
}
