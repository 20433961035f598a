// Package tpool defines the task-pool interface the BGZF2 core consumes
// (§6 "Worker-pool interface consumed") and ships one concrete
// implementation.
//
// The generic worker-pool primitive is, per the design, an external
// collaborator: dispatch, an ordered result queue, wait/wake and
// reference counting are not BGZF2's concern to reinvent for every
// caller. But unlike the CLI front-end (which the core genuinely never
// needs to exercise end-to-end on its own), the multi-threaded encode
// and decode paths need some pool to run on (a handle with no pool
// attached compresses and decompresses on the caller's goroutine), so
// this package provides New, a fixed-size goroutine pool
// built the same way the teacher's WriteMany pipeline orders results: a
// channel of per-job promise channels, each filled exactly once, drained
// in submission order.
package tpool

import (
	"context"
	"errors"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrWoken is returned by Dispatch when Wake interrupts it before the job
// could be enqueued, rather than ctx's own cancellation -- the caller
// should treat this as "retry me", not as a dispatch failure (§4.8's
// wake_dispatch, used so a SEEK command can unstick a reader blocked on
// output backpressure without tearing down its I/O goroutine).
var ErrWoken = errors.New("tpool: dispatch interrupted by wake")

// Job is a unit of work dispatched to the pool. It receives the
// goroutine-local WorkerState of whichever worker happens to run it.
type Job func(ws *WorkerState) (any, error)

// Result is what a Job produced.
type Result struct {
	Value any
	Err   error
}

type envelope struct {
	fn  Job
	out chan Result
}

// Pool is a fixed set of worker goroutines shared across every Process
// created from it, exactly as §5 describes: "a single shared worker pool
// ... plus at most one dedicated I/O task thread per handle".
type Pool struct {
	size     int
	dispatch chan envelope
	g        *errgroup.Group
}

// New starts a pool of n worker goroutines, joined the same way the
// teacher's writeManyProducer/writeManyConsumer pair is: an errgroup.Group
// tracking every goroutine so Destroy can wait on one handle instead of a
// bespoke sync.WaitGroup. Call Destroy to stop them.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	var g errgroup.Group
	p := &Pool{size: n, dispatch: make(chan envelope), g: &g}
	for i := 0; i < n; i++ {
		p.g.Go(p.worker)
	}
	return p
}

func (p *Pool) worker() error {
	ws := &WorkerState{}
	defer ws.close()
	for e := range p.dispatch {
		v, err := e.fn(ws)
		e.out <- Result{Value: v, Err: err}
	}
	return nil
}

// Size returns the number of worker goroutines in the pool.
func (p *Pool) Size() int { return p.size }

// Destroy stops accepting work and waits for every worker to drain its
// current job and exit, releasing their WorkerStates.
func (p *Pool) Destroy() {
	close(p.dispatch)
	_ = p.g.Wait()
}

// Process is a single producer's ordered view onto the shared Pool,
// corresponding to §6's process_init/dispatch/next_result_wait/
// process_destroy. Multiple Processes (e.g. a handle's encoder and a
// sibling handle's decoder) can share one Pool's worker goroutines.
type Process struct {
	pool  *Pool
	queue chan chan Result
	refs  atomic.Int32
	wake  chan struct{}
}

// NewProcess creates an ordered dispatch queue of depth qsize (0 picks a
// default proportional to pool size, mirroring "qsize, 0 for auto" in
// §6). Results are always delivered in submission order (§5 "Ordering
// guarantees"); there is no preserve-order flag.
func (p *Pool) NewProcess(qsize int) *Process {
	if qsize <= 0 {
		qsize = p.size * 2
	}
	pr := &Process{pool: p, queue: make(chan chan Result, qsize), wake: make(chan struct{}, 1)}
	pr.refs.Store(1)
	return pr
}

// Dispatch enqueues fn for execution, blocking (backpressure, §5) once
// the process's in-flight queue is full. ctx, when cancelled, unblocks a
// goroutine stuck here; so does a call to Wake, which interrupts only
// this first, queue-depth wait -- the Go rendering of §6's
// wake_dispatch, used by the reader pipeline so an incoming SEEK command
// can interrupt a dispatch that is blocked on output backpressure
// instead of needing to cancel the whole I/O task. Once fn has actually
// been handed to the pool's shared work channel, only ctx can still
// cancel it -- a job Wake cannot retract without either losing its
// result or surfacing a spurious error to a consumer that never asked to
// be woken.
func (pr *Process) Dispatch(ctx context.Context, fn Job) error {
	out := make(chan Result, 1)
	select {
	case pr.queue <- out:
	case <-ctx.Done():
		return ctx.Err()
	case <-pr.wake:
		return ErrWoken
	}
	select {
	case pr.pool.dispatch <- envelope{fn: fn, out: out}:
		return nil
	case <-ctx.Done():
		// The promise is already queued; fill it with the cancellation so
		// a subsequent NextResult drain does not block forever.
		out <- Result{Err: ctx.Err()}
		return ctx.Err()
	}
}

// Wake unblocks a goroutine currently stuck in Dispatch's backpressure
// wait. It is a one-shot nudge that may instead be silently absorbed by
// the next Dispatch call if nothing was blocked yet; that Dispatch's job
// is abandoned exactly as if it had been woken, which is safe because
// Wake is only ever paired with a command already sitting in the command
// channel (cmdchan.Channel.Send's one-deep buffer) for the reader loop
// to pick up and act on -- Process.Reset, called while handling that
// command, drains any such leftover signal so it cannot affect a later,
// unrelated Dispatch.
func (pr *Process) Wake() {
	select {
	case pr.wake <- struct{}{}:
	default:
	}
}

// NextResult blocks for the next result in submission order. ok is false
// once RefDecr has released the last reference (closing the queue) and
// every queued result has been taken. After Reset the queue stays open,
// so NextResult blocks until new work is dispatched.
func (pr *Process) NextResult() (r Result, ok bool) {
	ch, open := <-pr.queue
	if !open {
		return Result{}, false
	}
	return <-ch, true
}

// Reset discards any results still in flight without waiting for their
// jobs to be consumed downstream, used when a seek abandons pending
// decode jobs (§4.8 "drains the pool's result queue, discarding in-flight
// work"). It also drains any Wake signal left over from the command that
// triggered this Reset, so it cannot later be mistaken for an interrupt
// by an unrelated Dispatch call.
func (pr *Process) Reset() {
	for {
		select {
		case ch, open := <-pr.queue:
			if !open {
				return
			}
			<-ch
		default:
			select {
			case <-pr.wake:
			default:
			}
			return
		}
	}
}

// RefIncr/RefDecr implement the shared-lifetime reference counting §6
// calls for; RefDecr closes the process's queue once the last reference
// is released.
func (pr *Process) RefIncr() { pr.refs.Inc() }

func (pr *Process) RefDecr() {
	if pr.refs.Dec() == 0 {
		close(pr.queue)
	}
}
