// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

package admission

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forge3d/slicerd/printing"
)

// QueueConfig defines the bounds of the slice queue. A zero worker count
// falls back to the host CPU count.
type QueueConfig struct {
	MaxConcurrentSlices int
	MaxSliceQueueLength int
	MaxSliceQueueWait   time.Duration
}

const (
	itemPending int32 = iota
	itemClaimed
	itemAbandoned
)

// item is handed off between exactly one worker and one submitter. The
// state transitions once, pending to claimed or pending to abandoned, so
// a claimed item always runs to completion and an abandoned one never
// runs at all.
type item struct {
	enqueued time.Time
	fn       func(ctx context.Context) error
	done     chan error
	claimed  chan struct{}
	stale    chan struct{}
	state    atomic.Int32
}

// Queue is a bounded FIFO feeding a fixed worker pool. Submission is
// offer-or-reject: a full queue rejects immediately, and items that waited
// past the budget are rejected at dispatch rather than run.
type Queue struct {
	log    *zap.Logger
	config QueueConfig
	nowFn  func() time.Time
	items  chan *item
}

// NewQueue creates a queue with config bounds.
func NewQueue(log *zap.Logger, config QueueConfig) *Queue {
	if config.MaxConcurrentSlices <= 0 {
		config.MaxConcurrentSlices = runtime.NumCPU()
	}
	if config.MaxSliceQueueLength <= 0 {
		config.MaxSliceQueueLength = 20
	}
	if config.MaxSliceQueueWait <= 0 {
		config.MaxSliceQueueWait = 30 * time.Second
	}
	return &Queue{
		log:    log,
		config: config,
		nowFn:  time.Now,
		items:  make(chan *item, config.MaxSliceQueueLength),
	}
}

// SetNow overrides the clock, for tests.
func (q *Queue) SetNow(nowFn func() time.Time) { q.nowFn = nowFn }

// Workers returns the size of the worker pool.
func (q *Queue) Workers() int { return q.config.MaxConcurrentSlices }

// Run dispatches queued items to workers until ctx is canceled. Work that
// already started runs to completion.
func (q *Queue) Run(ctx context.Context) error {
	var group errgroup.Group
	for i := 0; i < q.config.MaxConcurrentSlices; i++ {
		group.Go(func() error {
			return q.worker(ctx)
		})
	}
	return group.Wait()
}

func (q *Queue) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-q.items:
			if wait := q.nowFn().Sub(it.enqueued); wait > q.config.MaxSliceQueueWait {
				if it.state.CompareAndSwap(itemPending, itemAbandoned) {
					mon.Counter("queue_timeout").Inc(1)
					q.log.Warn("rejecting stale queue item", zap.Duration("waited", wait))
					close(it.stale)
				}
				continue
			}
			if !it.state.CompareAndSwap(itemPending, itemClaimed) {
				// the submitter already gave up on this item
				continue
			}
			close(it.claimed)
			mon.Counter("queue_dispatched").Inc(1)
			// The work context is detached from the submitting request so a
			// client disconnect cannot abort an in-flight slice; only a
			// service shutdown does.
			it.done <- it.fn(context.WithoutCancel(ctx))
		}
	}
}

// Do submits fn and blocks until a worker has run it or admission failed.
// The returned error is either fn's own error, QUEUE_FULL when no pending
// slot was free, or QUEUE_TIMEOUT when the wait budget passed before a
// worker picked the item up. The budget bounds only the queue wait: once a
// worker claims the item, Do waits for the work however long it takes, and
// an abandoned item never runs.
func (q *Queue) Do(fn func(ctx context.Context) error) error {
	it := &item{
		enqueued: q.nowFn(),
		fn:       fn,
		done:     make(chan error, 1),
		claimed:  make(chan struct{}),
		stale:    make(chan struct{}),
	}

	select {
	case q.items <- it:
	default:
		mon.Counter("queue_full").Inc(1)
		return printing.ErrQueueFull()
	}

	timer := time.NewTimer(q.config.MaxSliceQueueWait)
	defer timer.Stop()

	select {
	case err := <-it.done:
		return err
	case <-it.claimed:
		timer.Stop()
		return <-it.done
	case <-it.stale:
		return printing.ErrQueueTimeout()
	case <-timer.C:
		if it.state.CompareAndSwap(itemPending, itemAbandoned) {
			mon.Counter("queue_timeout").Inc(1)
			return printing.ErrQueueTimeout()
		}
		// a worker claimed the item as the budget expired; the work is
		// already running, wait for it
		return <-it.done
	}
}
