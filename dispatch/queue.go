// Package dispatch implements the process-wide dispatch queue (spec
// §4.6): an unbounded FIFO of ConnectionRequests, fed by the
// connection frontend and by workers re-enqueueing after a failed
// stream open, drained by whichever session-supervisor worker calls
// Recv first.
//
// No queue library appears in any example repo's go.mod; this is
// built on the same small, explicit sync.Mutex/sync.Cond primitives
// the teacher reaches for elsewhere instead of reaching for a
// third-party MPMC implementation (see DESIGN.md).
package dispatch

import (
	"net"
	"sync"
)

// ConnectionRequest is a single dial-through-the-mux ask: destination
// is "<protocol>$<host:port>" (spec §3), and Reply is fulfilled at
// most once, either with an opened stream or by being dropped to
// signal failure to the waiter.
type ConnectionRequest struct {
	Destination string
	Reply       chan<- net.Conn
}

// Queue is an unbounded multi-producer/multi-consumer FIFO of
// ConnectionRequests. Construct it with New; the zero value is not
// usable, since its condition variable is nil.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []ConnectionRequest
	closed bool
}

// New returns an empty, open Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send enqueues req, waking one blocked Recv if any. Send never blocks
// and never fails; sending on a closed queue silently drops req and
// closes its reply channel, matching a worker's own re-enqueue falling
// through to nothing.
func (q *Queue) Send(req ConnectionRequest) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(req.Reply)
		return
	}
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.cond.Signal()
}

// TrySend is Send's name for the re-enqueue call site (spec §4.5): a
// worker whose stream open failed re-enqueues the request so another
// worker can retry. It is the same best-effort, non-blocking operation
// as Send; the distinct name documents the re-enqueue intent at call
// sites without changing behavior.
func (q *Queue) TrySend(req ConnectionRequest) {
	q.Send(req)
}

// Recv blocks until a request is available or the queue is closed.
// Consumption is serialized by a mutex held only across Recv itself —
// it does not extend through stream opening, so one slow open never
// blocks other workers from picking up subsequent requests.
func (q *Queue) Recv() (ConnectionRequest, bool) {
	return q.RecvCancel(nil)
}

// RecvCancel is Recv with an additional wake source: a receiver that
// should stop waiting once some other future completes (spec §9's
// "select over two futures; first completion wins, the other is
// canceled") passes its own done channel here instead of blocking
// forever on the queue alone. A nil cancel behaves exactly like Recv.
func (q *Queue) RecvCancel(cancel <-chan struct{}) (ConnectionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cancel:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	for len(q.items) == 0 && !q.closed {
		select {
		case <-cancel:
			return ConnectionRequest{}, false
		default:
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return ConnectionRequest{}, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// Close marks the queue closed and wakes every blocked Recv; queued
// but undelivered requests remain in place until drained by Recv
// returning ok=false only once items is empty, matching "permanently
// dropped" for anything never picked up before shutdown completes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of queued, undelivered requests, surfaced by
// the control server's /stats endpoint as queue_length. Diagnostics
// only; callers must not use it to avoid the Send/Recv race.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
