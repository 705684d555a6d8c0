package valkey

import (
	"context"
	"sync/atomic"

	"github.com/xenking/valkey/resp"
)

// pendingRequest is the completion slot + cancellation handle of spec §3
// ("Pending request (C4)"). It is shared between the submitter (awaiting
// in wait) and the response loop (calling resolve); its lifetime ends when
// one of those happens.
type pendingRequest struct {
	done      chan struct{}
	frame     resp.Frame
	err       error
	cancelled int32 // atomic bool
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan struct{})}
}

// resolve completes the request exactly once. Called by the response
// loop when a matching frame arrives, or by teardown code failing the
// whole queue.
func (p *pendingRequest) resolve(f resp.Frame, err error) {
	select {
	case <-p.done:
		return // already resolved (can't happen under correct use, but keep it idempotent)
	default:
	}
	p.frame, p.err = f, err
	close(p.done)
}

// cancel marks the request cancelled and resolves it with ErrCancelled;
// wait, which calls it, returns the context's error to the caller. The
// slot is NOT removed from the FIFO queue (see requestQueue.dequeue); its
// eventual response is simply dropped, preserving wire ordering (spec
// §4.3, §4.4 "Cancellation", §5 invariant 7).
func (p *pendingRequest) cancel() {
	if !atomic.CompareAndSwapInt32(&p.cancelled, 0, 1) {
		return
	}
	p.resolve(resp.Frame{}, ErrCancelled)
}

func (p *pendingRequest) isCancelled() bool {
	return atomic.LoadInt32(&p.cancelled) == 1
}

// wait blocks until the request resolves or ctx is cancelled. A ctx
// cancellation calls cancel() for the caller; the FIFO slot still isn't
// removed.
func (p *pendingRequest) wait(ctx context.Context) (resp.Frame, error) {
	select {
	case <-p.done:
		return p.frame, p.err
	case <-ctx.Done():
		p.cancel()
		return resp.Frame{}, ctx.Err()
	}
}

// requestQueue is the FIFO of component C4: a buffered channel whose
// capacity is the per-network-type pipeline depth
// (queueSizeTCP/queueSizeUnix). It is bounded: enqueue blocks while that
// many requests are pending. Enqueue order is wire order;
// Connection.Execute holds the write mutex across enqueue + serialize to
// guarantee it, and the writer loop flushes under the same mutex (spec
// §4.3).
type requestQueue struct {
	ch     chan *pendingRequest
	closed chan struct{}
}

func newRequestQueue(size int) *requestQueue {
	return &requestQueue{
		ch:     make(chan *pendingRequest, size),
		closed: make(chan struct{}),
	}
}

// enqueue must be called while holding the connection's write mutex,
// before the command bytes are committed to the write pipe (spec §4.3
// invariant: "Enqueue order = wire order").
func (q *requestQueue) enqueue(p *pendingRequest) error {
	select {
	case q.ch <- p:
		return nil
	case <-q.closed:
		return ErrDisconnected
	}
}

// dequeue pops exactly one pending request per non-push response frame
// (spec §4.3). Cancelled requests are skipped by the caller dropping
// their response (see session.responseLoop), not here, since the
// response must still be consumed off the wire in order.
func (q *requestQueue) dequeue() (*pendingRequest, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

// dequeueBlocking waits for the next pending request.
func (q *requestQueue) dequeueBlocking() (*pendingRequest, bool) {
	select {
	case p, ok := <-q.ch:
		return p, ok
	case <-q.closed:
		return nil, false
	}
}

// drainAndClose fails every queued request with cause and stops further
// enqueues (spec §4.3 "On connection failure the queue is drained...").
func (q *requestQueue) drainAndClose(cause error) {
	select {
	case <-q.closed:
		return // already closed
	default:
		close(q.closed)
	}
	for {
		select {
		case p := <-q.ch:
			p.resolve(resp.Frame{}, cause)
		default:
			return
		}
	}
}
