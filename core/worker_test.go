package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPoolProcessesTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, 16, "test", zap.NewNop().Sugar())
	pool.Start()
	defer pool.Stop()

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&counter, 1)
		}))
	}
	wg.Wait()
	assert.EqualValues(t, 10, atomic.LoadInt64(&counter))
}

func TestWorkerPoolSubmitBeforeStart(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 4, "test", zap.NewNop().Sugar())
	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrWorkerPoolNotRunning)
}

func TestWorkerPoolQueueFull(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", zap.NewNop().Sugar())
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	// The single worker is blocked; fill the queue slot, then overflow.
	require.NoError(t, pool.Submit(func() {}))
	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrWorkerPoolQueueFull)
	close(block)
}

func TestWorkerPoolRecoversFromTaskPanic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 4, "test", zap.NewNop().Sugar())
	pool.Start()
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { panic("bad rule") }))
	require.NoError(t, pool.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestWorkerPoolStopRejectsNewTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, 16, "test", zap.NewNop().Sugar())
	pool.Start()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolNotRunning)
}

func TestWorkerPoolStopTwice(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 4, "test", zap.NewNop().Sugar())
	pool.Start()
	pool.Stop()
	pool.Stop() // second stop is a no-op
}
