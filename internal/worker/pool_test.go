package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRejectsBeyondCapacity(t *testing.T) {
	const capacity = 10000
	gate := make(chan struct{})
	running := make(chan struct{}, 1)
	var processed atomic.Int64

	pool := NewPool(Config{Workers: 1, Capacity: capacity}, func(_ context.Context, n int) error {
		if n < 0 {
			running <- struct{}{}
			<-gate
		}
		processed.Add(1)
		return nil
	}, nil)
	require.NoError(t, pool.Start(context.Background()))

	// Occupy the only worker so the queue itself fills up.
	require.NoError(t, pool.Submit(-1))
	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the blocking item")
	}

	for i := range capacity {
		require.NoError(t, pool.Submit(i), "submission %d", i+1)
	}
	assert.ErrorIs(t, pool.Submit(capacity), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(gate)
	require.NoError(t, pool.Stop(30*time.Second))
	assert.Equal(t, int64(capacity+1), processed.Load())
}

func TestPoolLifecycle(t *testing.T) {
	pool := NewPool(Config{Workers: 2, Capacity: 10}, func(context.Context, string) error { return nil }, nil)
	assert.ErrorIs(t, pool.Submit("early"), ErrNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, pool.Submit("ok"))

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit("late"), ErrStopped)
	assert.ErrorIs(t, pool.Start(context.Background()), ErrAlreadyStarted)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPoolStopTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	pool := NewPool(Config{Workers: 1, Capacity: 1}, func(ctx context.Context, _ int) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	}, nil)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	assert.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	done := make(chan struct{}, 2)
	metrics := NewMetrics(reg, "dataplane")
	pool := NewPool(Config{Workers: 1, Capacity: 4}, func(_ context.Context, n int) error {
		defer func() { done <- struct{}{} }()
		if n == 2 {
			return errors.New("copy failed")
		}
		return nil
	}, metrics)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Submit(2))
	<-done
	<-done
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.handled.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.handled.WithLabelValues("error")))
	assert.Equal(t, int64(2), pool.Stats().Submitted)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}
