package corebroker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fleet owns N ThreadCores, assigns accepted connections to them by round
// robin, designates exactly one worker as the StatsPublisher aggregation
// lead, and coordinates the fleet-wide two-barrier graceful shutdown: every worker must finish queuing wills before any worker may
// start sending DISCONNECT frames, since a will published by one worker may
// be destined for a subscriber owned by another.
type Fleet struct {
	cores []*ThreadCore
	next  atomic.Uint64
}

// NewFleet wraps an already-constructed slice of ThreadCores (typically one
// per desired worker thread, each built with NewThreadCore) into a Fleet,
// wiring cross-worker stats aggregation and designating cores[0] as the
// stats lead.
func NewFleet(cores []*ThreadCore) *Fleet {
	f := &Fleet{cores: cores}
	peers := make([]*StatsPublisher, len(cores))
	for i, c := range cores {
		peers[i] = c.Stats()
	}
	for _, c := range cores {
		c.SetPeerStats(func() []*StatsPublisher { return peers })
	}
	if len(cores) > 0 {
		cores[0].Stats().SetLead(true)
	}
	return f
}

// Workers returns the fleet's ThreadCores in assignment order.
func (f *Fleet) Workers() []*ThreadCore { return f.cores }

// Run starts every worker's EventLoop on its own goroutine and blocks until
// all have returned or ctx is cancelled, returning the first non-nil error
// encountered.
func (f *Fleet) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(f.cores))
	for i, c := range f.cores {
		wg.Add(1)
		go func(i int, c *ThreadCore) {
			defer wg.Done()
			errs[i] = c.Run(ctx)
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// AcceptConnection hands c to the next worker in round-robin order.
func (f *Fleet) AcceptConnection(c *Client, wantWriteInitially bool, result func(error)) {
	if len(f.cores) == 0 {
		if result != nil {
			result(ErrThreadCoreNotRunning)
		}
		return
	}
	idx := f.next.Add(1) % uint64(len(f.cores))
	f.cores[idx].AcceptConnection(c, wantWriteInitially, result)
}

// Shutdown runs the fleet-wide two-barrier graceful shutdown:
//
//  1. every worker stops accepting new connections;
//  2. every worker queues its clients' wills — a barrier: no worker proceeds
//     until all have finished, since another worker's subscriber may be the
//     destination of this worker's will;
//  3. every worker sends DISCONNECT frames to its remaining clients and
//     confirms quit, letting its EventLoop's RunUntilQuit return.
//
// Blocks until every worker's loop has exited or ctx is cancelled. ctx is
// only consulted after the three phases; each phase waits, with no
// deadline, until every worker has run its task.
func (f *Fleet) Shutdown(ctx context.Context, reason DisconnectReason) error {
	f.broadcastAndWait(func(c *ThreadCore) func() {
		return func() { c.will.SetRunning(false) }
	})

	f.broadcastAndWait(func(c *ThreadCore) func() {
		return func() { c.will.QueueWills(c.registry, c.clientIO, c.subs) }
	})

	f.broadcastAndWait(func(c *ThreadCore) func() {
		return func() {
			c.will.SendDisconnects(c.registry, c.clientIO, reason)
			c.quitConfirmed.Store(true)
		}
	})

	for _, c := range f.cores {
		select {
		case <-c.loop.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// broadcastAndWait posts one task per worker (via its own TaskQueue, the
// only cross-thread entry point into a worker) and blocks until
// every one of them has run, forming the barrier between shutdown phases.
func (f *Fleet) broadcastAndWait(taskFor func(*ThreadCore) func()) {
	var wg sync.WaitGroup
	wg.Add(len(f.cores))
	for _, c := range f.cores {
		c.tasks.Post(func() {
			defer wg.Done()
			taskFor(c)()
		})
		c.loop.Wake()
	}
	wg.Wait()
}
