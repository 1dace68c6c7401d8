/* mtpgo - Host-side Media Transfer Protocol device-session runtime
 *
 * Copyright (C) 2024 and up by the mtpgo authors
 * See LICENSE for license terms and conditions
 *
 * Operation gateway: the per-device serializing actor
 */

// Package gateway implements the device actor of spec.md §4.4: the
// only path through which higher layers touch a ptplink.Link.
// Submitted operations are serialized onto one logical queue, ordered
// by priority and FIFO within a priority band, and run one at a time
// under a single-in-flight semaphore even though the actor goroutine
// is already exclusive — an explicit, testable invariant rather than
// an implicit one (Testable Property 4).
//
// The actor's startup sequence (claim link, resolve policy,
// ensure-session, unwind on any failure) generalizes device.go's
// NewDevice goto-based cleanup constructor into a single ordered
// teardown path; the single-goroutine-owns-the-resource shape itself
// comes from usbtransport.go's connection-pool model, narrowed from a
// pool to an exclusive owner because MTP allows only one in-flight
// transaction per link.
package gateway

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alexpevzner/mtpgo/internal/mtperr"
	"github.com/alexpevzner/mtpgo/internal/mtplog"
)

// Priority is the submission priority, totally ordered as
// Critical > High > Medium > Low (spec.md §4.4).
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

// Op is the unit of work the gateway executes with the link locked to
// this goroutine. An Op that fails with mtperr.KindDeviceBusy is
// retried with backoff by the actor itself (see runWithBusyBackoff);
// any other error is surfaced to the submitter immediately.
type Op func(ctx context.Context) (interface{}, error)

// job is one queued submission.
type job struct {
	priority Priority
	seq      uint64
	ctx      context.Context
	op       Op
	result   chan opResult
	canceled bool
}

type opResult struct {
	val interface{}
	err error
}

// jobQueue is a container/heap priority queue ordered by (priority
// desc, seq asc) so higher priority always pops first and submissions
// of equal priority resolve FIFO (spec.md §4.4's ordering guarantees).
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*job)) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// LinkCloser aborts an in-flight bulk transfer by resetting the
// underlying pipes, the only safe way to unblock a pending bulk
// transfer per spec.md §4.4's cancellation paragraph.
// usbtransport.Link satisfies this via its Reset method.
type LinkCloser interface {
	Reset() error
}

// Gateway is the per-device actor. Zero value is not usable; use New.
type Gateway struct {
	link LinkCloser
	log  *mtplog.Logger
	sem  *semaphore.Weighted

	mu       sync.Mutex
	queue    jobQueue
	wake     chan struct{}
	nextSeq  uint64
	closed   bool
	closeErr error

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a Gateway bound to link. Start must be called before
// Submit will make progress.
func New(link LinkCloser, log *mtplog.Logger) *Gateway {
	return &Gateway{
		link: link,
		log:  log,
		sem:  semaphore.NewWeighted(1),
		wake: make(chan struct{}, 1),
	}
}

// Start launches the actor goroutine and any extra goroutines (the
// event pump, wired in by the facade) as one cancellable unit: if any
// of them returns an error, the whole group is torn down together
// (spec.md §4.4 / SPEC_FULL.md §6.6).
func (g *Gateway) Start(ctx context.Context, extra ...func(ctx context.Context) error) {
	gctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(gctx)
	g.cancel = cancel
	g.group = group

	group.Go(func() error { return g.run(gctx) })
	for _, fn := range extra {
		fn := fn
		group.Go(func() error { return fn(gctx) })
	}
}

// Stop cancels the actor and every supervised goroutine, then waits
// for them to exit.
func (g *Gateway) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.group != nil {
		return g.group.Wait()
	}
	return nil
}

// Submit enqueues op at the given priority and blocks until it
// completes, is cancelled (via ctx), or the gateway is closed.
// Session-lifecycle operations (open, close) are expected to be
// submitted at Critical, per spec.md §4.4.
func (g *Gateway) Submit(ctx context.Context, priority Priority, op Op) (interface{}, error) {
	g.mu.Lock()
	if g.closed {
		err := g.closeErr
		g.mu.Unlock()
		if err == nil {
			err = mtperr.New(mtperr.KindCancelled, nil)
		}
		return nil, err
	}

	j := &job{
		priority: priority,
		seq:      g.nextSeq,
		ctx:      ctx,
		op:       op,
		result:   make(chan opResult, 1),
	}
	g.nextSeq++
	heap.Push(&g.queue, j)
	g.mu.Unlock()

	g.signal()

	select {
	case res := <-j.result:
		return res.val, res.err
	case <-ctx.Done():
		g.mu.Lock()
		j.canceled = true
		g.mu.Unlock()
		return nil, mtperr.New(mtperr.KindCancelled, ctx.Err())
	}
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// run is the actor loop: one goroutine, one job at a time, highest
// priority first.
func (g *Gateway) run(ctx context.Context) error {
	defer func() {
		g.mu.Lock()
		g.closed = true
		g.closeErr = mtperr.New(mtperr.KindCancelled, ctx.Err())
		pending := []*job(g.queue)
		g.queue = nil
		g.mu.Unlock()

		for _, j := range pending {
			j.result <- opResult{nil, g.closeErr}
		}
	}()

	for {
		j := g.dequeue()
		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.wake:
				continue
			}
		}

		if j.canceled || j.ctx.Err() != nil {
			j.result <- opResult{nil, mtperr.New(mtperr.KindCancelled, j.ctx.Err())}
			continue
		}

		g.runOneJob(ctx, j)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (g *Gateway) dequeue() *job {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&g.queue).(*job)
}

// runOneJob acquires the single-in-flight semaphore, runs the op with
// device-busy backoff, and when the op's context is cancelled or its
// deadline expires resets the bulk pipes to unblock whatever transfer
// was in flight.
func (g *Gateway) runOneJob(ctx context.Context, j *job) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		j.result <- opResult{nil, mtperr.New(mtperr.KindCancelled, err)}
		return
	}
	defer g.sem.Release(1)

	opCtx := j.ctx
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-opCtx.Done():
			if g.log != nil {
				g.log.Debug("op cancelled or deadline exceeded, resetting link")
			}
			_ = g.link.Reset()
		case <-done:
		}
	}()

	val, err := g.runWithBusyBackoff(j.op, opCtx)

	if opCtx.Err() != nil && err != nil {
		err = mtperr.New(mtperr.KindFlowTimeout, opCtx.Err())
	}

	j.result <- opResult{val, err}
}

// runWithBusyBackoff retries an op that fails with KindDeviceBusy
// using an exponential backoff from 100ms to 1s, up to 5 attempts,
// per spec.md §4.4/SPEC_FULL.md §6.6. Any other error is surfaced
// immediately without retry.
func (g *Gateway) runWithBusyBackoff(op Op, ctx context.Context) (interface{}, error) {
	var val interface{}
	var opErr error

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 1 * time.Second
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, 4), ctx)

	_ = backoff.Retry(func() error {
		val, opErr = op(ctx)
		if opErr != nil && mtperr.Is(opErr, mtperr.KindDeviceBusy) {
			return opErr
		}
		return nil
	}, bo)

	return val, opErr
}
