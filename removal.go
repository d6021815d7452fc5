package corebroker

import (
	"sync"
	"weak"
)

// RemovalQueue is a deferred-destruction list: any
// component wanting a Client torn down posts a weak reference here and
// signals the EventLoop's wakeup handle; the loop drains it after I/O
// handling each iteration, guaranteeing a Client is never destroyed while
// the loop still holds an iterator into the ClientRegistry or a raw
// readiness-event reference to it.
//
// Draining an already-removed client is a no-op once it has been garbage
// collected: the weak pointer then resolves to nil. A client that is
// removed but not yet collected is still returned by Drain.
type RemovalQueue struct {
	mu      sync.Mutex
	pending []weak.Pointer[Client]

	onWake func()
}

// NewRemovalQueue creates an empty queue. onWake, if set, is invoked after
// every Post to signal the owning EventLoop's wakeup handle.
func NewRemovalQueue(onWake func()) *RemovalQueue {
	return &RemovalQueue{onWake: onWake}
}

// Post enqueues c for deferred removal. Safe from any goroutine.
func (q *RemovalQueue) Post(c *Client) {
	q.mu.Lock()
	q.pending = append(q.pending, weak.Make(c))
	hook := q.onWake
	q.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Drain resolves and returns every client still reachable from the
// currently queued weak references, clearing the queue. Clients already
// collected (removed elsewhere) are silently skipped. Must only be called
// from the owning worker.
func (q *RemovalQueue) Drain() []*Client {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	out := make([]*Client, 0, len(pending))
	for _, wp := range pending {
		if c := wp.Value(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Len reports the number of pending (not yet drained) entries.
func (q *RemovalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
