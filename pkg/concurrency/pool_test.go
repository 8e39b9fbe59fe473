package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"quantgraph/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_SubmitAndWait(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 10}, logging.NewNopLogger())
	defer pool.Stop()

	var counter int64
	for i := 0; i < 5; i++ {
		pool.SubmitAndWait(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
	assert.Equal(t, int64(5), atomic.LoadInt64(&counter))
}

func TestWorkerPool_RunAll(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "batch", MaxWorkers: 3, MaxCapacity: 10}, logging.NewNopLogger())
	defer pool.Stop()

	results := make([]int, 8)
	tasks := make([]func(context.Context) error, len(results))
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) error {
			results[i] = i * i
			return nil
		}
	}

	require.NoError(t, pool.RunAll(context.Background(), tasks))
	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
}

func TestWorkerPool_RunAllReturnsError(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "failing", MaxWorkers: 1, MaxCapacity: 10}, logging.NewNopLogger())
	defer pool.Stop()

	boom := errors.New("boom")
	tasks := []func(context.Context) error{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
	}

	err := pool.RunAll(context.Background(), tasks)
	assert.ErrorIs(t, err, boom)
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "stopped"}, logging.NewNopLogger())
	pool.Stop()

	assert.Error(t, pool.Submit(func() {}))
}

func TestWorkerPool_Stats(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "stats"}, logging.NewNopLogger())
	defer pool.Stop()

	pool.SubmitAndWait(func() {})
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats["submitted_tasks"])
	assert.Contains(t, stats, "running_workers")
}
