package engine

import (
	"sync"

	"github.com/dimagi/caseledger/internal/model"
)

// RebuildRequested asks for one case to be rebuilt. A zero Reason refreshes
// the aggregate without writing a marker.
type RebuildRequested struct {
	CaseID string
	Reason model.Reason
}

func (r RebuildRequested) key() string {
	return r.CaseID + "\x00" + r.Reason.Text
}

// rebuildQueue is a thread-safe FIFO of rebuild requests.
//
// A request identical to one still pending is dropped: the pending rebuild
// will read the latest transactions anyway.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the worker loop.
type rebuildQueue struct {
	mu      sync.Mutex
	items   []RebuildRequested
	pending map[string]bool
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newRebuildQueue() *rebuildQueue {
	return &rebuildQueue{
		items:   make([]RebuildRequested, 0, 64),
		pending: make(map[string]bool),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a request to the back of the queue.
// Returns false if the queue is closed.
func (q *rebuildQueue) Enqueue(r RebuildRequested) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !q.pending[r.key()] {
		q.pending[r.key()] = true
		q.items = append(q.items, r)
	}

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front request without blocking.
func (q *rebuildQueue) TryDequeue() (RebuildRequested, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return RebuildRequested{}, false
	}
	r := q.items[0]
	delete(q.pending, r.key())

	q.items[0] = RebuildRequested{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return r, true
}

// Wait returns a channel that signals when requests may be available.
// It is closed by Close.
func (q *rebuildQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending requests.
func (q *rebuildQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting requests and wakes every waiter.
func (q *rebuildQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
