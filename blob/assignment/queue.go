package assignment

import (
	"sync"

	"github.com/oasisprotocol/blobmanager/blob/api"
)

// unboundedQueue is the assignment engine's rangesToAssign queue
// (spec.md §5): "single-producer-multiple-writers-single-consumer".
// Push never blocks the caller; Pop blocks until an item is available or
// the queue is closed. Ordering of pushes is preserved (spec.md §5).
//
// eapache/channels.InfiniteChannel (used for an analogous queue in the
// teacher's worker/storage/committee/node.go) was considered here and
// deliberately not adopted — see DESIGN.md's Open Questions entry.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []api.RangeAssignment
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an item. Safe to call from any goroutine.
func (q *unboundedQueue) Push(item api.RangeAssignment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Pop blocks for the next item in FIFO order. Returns ok=false once the
// queue has been closed and drained.
func (q *unboundedQueue) Pop() (item api.RangeAssignment, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return api.RangeAssignment{}, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.cond.Broadcast()
	}
	return item, true
}

// Len returns the current queue depth.
func (q *unboundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitEmpty blocks until the queue has been observed empty at least once.
// Used by killBlobWorker (spec.md §4.6 step 5) to await drainage.
func (q *unboundedQueue) WaitEmpty() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) != 0 && !q.closed {
		q.cond.Wait()
	}
}

// Close stops the queue; any blocked or future Pop returns ok=false.
func (q *unboundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
