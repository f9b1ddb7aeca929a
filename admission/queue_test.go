// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package admission_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forge3d/slicerd/admission"
	"github.com/forge3d/slicerd/internal/testcontext"
	"github.com/forge3d/slicerd/printing"
)

func TestQueueBoundsConcurrency(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{
		MaxConcurrentSlices: 2,
		MaxSliceQueueLength: 16,
		MaxSliceQueueWait:   time.Minute,
	})
	ctx.Go(func() error { return queue.Run(ctx) })

	var live, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := queue.Do(func(ctx context.Context) error {
				now := live.Add(1)
				defer live.Add(-1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestQueueFull(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{
		MaxConcurrentSlices: 1,
		MaxSliceQueueLength: 1,
		MaxSliceQueueWait:   time.Minute,
	})
	ctx.Go(func() error { return queue.Run(ctx) })

	// occupy the only worker, then the only pending slot
	block := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() {
		first <- queue.Do(func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started
	go func() {
		second <- queue.Do(func(ctx context.Context) error { return nil })
	}()
	time.Sleep(100 * time.Millisecond)

	err := queue.Do(func(ctx context.Context) error { return nil })
	reqErr, ok := printing.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, printing.CodeQueueFull, reqErr.Code)

	close(block)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestQueueDispatchedWorkOutlivesWaitBudget(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{
		MaxConcurrentSlices: 1,
		MaxSliceQueueLength: 4,
		MaxSliceQueueWait:   100 * time.Millisecond,
	})
	ctx.Go(func() error { return queue.Run(ctx) })

	// the budget bounds the queue wait only; work that a worker already
	// picked up may run far past it and must still report its own result
	var ran atomic.Bool
	err := queue.Do(func(ctx context.Context) error {
		time.Sleep(400 * time.Millisecond)
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestQueueAbandonedItemNeverRuns(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{
		MaxConcurrentSlices: 1,
		MaxSliceQueueLength: 4,
		MaxSliceQueueWait:   100 * time.Millisecond,
	})

	// no worker is running yet, so the submitter gives up on its own
	err := queue.Do(func(ctx context.Context) error {
		t.Error("abandoned item must not run")
		return nil
	})
	reqErr, ok := printing.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, printing.CodeQueueTimeout, reqErr.Code)

	// a worker starting afterwards skips the abandoned item
	ctx.Go(func() error { return queue.Run(ctx) })
	time.Sleep(100 * time.Millisecond)
}

func TestQueueStaleItemRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{
		MaxConcurrentSlices: 1,
		MaxSliceQueueLength: 4,
		MaxSliceQueueWait:   10 * time.Second,
	})

	enqueuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := enqueuedAt
	var mu sync.Mutex
	queue.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	submitted := make(chan error, 1)
	go func() {
		submitted <- queue.Do(func(ctx context.Context) error {
			t.Error("stale item must not run")
			return nil
		})
	}()

	// let the item land in the queue before the clock jumps and a worker starts
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	now = enqueuedAt.Add(time.Minute)
	mu.Unlock()
	ctx.Go(func() error { return queue.Run(ctx) })

	err := <-submitted
	reqErr, ok := printing.AsRequestError(err)
	require.True(t, ok)
	assert.Equal(t, printing.CodeQueueTimeout, reqErr.Code)
}

func TestQueueDefaultWorkers(t *testing.T) {
	queue := admission.NewQueue(zaptest.NewLogger(t), admission.QueueConfig{})
	assert.Positive(t, queue.Workers())
}
