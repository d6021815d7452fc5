package corebroker

import (
	"sync"
)

// ClientRegistry maps connection handle to Client, serializing insertion
// (from give_client, posted by the Acceptor's task) against concurrent
// lookups from the loop and from foreign goroutines (stats, admin). Unlike
// the promise registry this pattern is adapted from, a Client has exactly
// one owner — this registry — for its entire connected lifetime,
// so no weak-reference scavenging is needed here; see KeepAliveScheduler
// and RemovalQueue for the transient, weak-reference holders.
//
// Invariant: every handle registered with the EventLoop's multiplexer has
// a corresponding entry here, and vice versa, except for the narrow window
// inside Remove.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[ClientHandle]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[ClientHandle]*Client)}
}

// GiveClient inserts client, keyed by its handle. Returns ErrDuplicateHandle
// if the handle is already present — the caller is expected never to reuse
// a handle until Remove has completed for it.
func (r *ClientRegistry) GiveClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.Handle]; exists {
		return ErrDuplicateHandle
	}
	r.clients[c.Handle] = c
	return nil
}

// Get returns the client for handle, or false if absent. Safe for
// concurrent callers (e.g. a stats goroutine) via the RWMutex.
func (r *ClientRegistry) Get(handle ClientHandle) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[handle]
	return c, ok
}

// Remove drops handle from the map. Idempotent: removing an absent handle
// returns ErrHandleNotFound but has no other effect, so removal is safe to
// perform twice.
func (r *ClientRegistry) Remove(handle ClientHandle) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[handle]
	if !ok {
		return nil, ErrHandleNotFound
	}
	delete(r.clients, handle)
	return c, nil
}

// Count returns the number of currently registered clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Range calls f for every client currently registered, stopping early if f
// returns false. Used by WillOrchestrator's shutdown sweep. f must not call
// back into GiveClient or Remove.
func (r *ClientRegistry) Range(f func(*Client) bool) {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	for _, c := range snapshot {
		if !f(c) {
			return
		}
	}
}
