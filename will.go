package corebroker

import "sync/atomic"

// WillOrchestrator drives a worker's half of the graceful shutdown: the
// two-barrier sequence — every worker queues its clients' wills, then,
// once every worker in the fleet has done so, every worker sends DISCONNECT
// frames. Neither phase closes connections or removes clients from the
// ClientRegistry. The barrier itself is coordinated by
// Fleet (the only component that knows about every worker); this type only
// tracks and performs this worker's half of each phase, exactly once.
//
// Ordinary (non-shutdown) client teardown publishes a will directly from
// ThreadCore.teardownClient and never touches this type — WillOrchestrator
// exists solely for the orderly, fleet-wide quiesce path.
type WillOrchestrator struct {
	running         atomic.Bool
	willsQueued     atomic.Bool
	disconnectsSent atomic.Bool

	log *brokerLogger
}

// NewWillOrchestrator creates a WillOrchestrator in the running state.
func NewWillOrchestrator(log *brokerLogger) *WillOrchestrator {
	if log == nil {
		log = newDisabledLogger()
	}
	w := &WillOrchestrator{log: log}
	w.running.Store(true)
	return w
}

// SetRunning latches the worker's running flag. Once false, the owning
// ThreadCore's AcceptConnection refuses new connections with
// ErrThreadCoreTerminated.
func (w *WillOrchestrator) SetRunning(v bool) { w.running.Store(v) }

// Running reports whether the worker is still accepting new connections.
func (w *WillOrchestrator) Running() bool { return w.running.Load() }

// WillsQueued reports whether this worker has completed its will-publication
// pass.
func (w *WillOrchestrator) WillsQueued() bool { return w.willsQueued.Load() }

// DisconnectsSent reports whether this worker has sent DISCONNECT frames to
// every client still registered at the time it ran.
func (w *WillOrchestrator) DisconnectsSent() bool { return w.disconnectsSent.Load() }

// QueueWills publishes every still-connected client's registered will, then
// latches WillsQueued. Idempotent: a second call is a no-op, since Fleet
// only needs to observe the latch, not re-run the pass.
func (w *WillOrchestrator) QueueWills(reg *ClientRegistry, io ClientIO, subs SubscriptionStore) {
	if w.willsQueued.Load() {
		return
	}
	reg.Range(func(c *Client) bool {
		will, ok := io.PendingWill(c)
		if !ok || will == nil {
			return true
		}
		if err := subs.Publish(will.Topic, will.QoS, will.Retain, will.Payload, will.UserProperties); err != nil {
			w.log.Warning().Str("client_id", c.ClientID).Err(err).Log("shutdown will publish failed")
		}
		return true
	})
	w.willsQueued.Store(true)
}

// SendDisconnects sends a protocol DISCONNECT frame to every still-connected
// client, then latches DisconnectsSent. Callers must not invoke this until
// the fleet-wide WillsQueued barrier has been observed, since a peer worker may still be delivering this worker's
// clients' wills to its own local subscribers.
func (w *WillOrchestrator) SendDisconnects(reg *ClientRegistry, io ClientIO, reason DisconnectReason) {
	if w.disconnectsSent.Load() {
		return
	}
	reg.Range(func(c *Client) bool {
		if err := io.SendDisconnect(c, reason); err != nil {
			w.log.Notice().Str("client_id", c.ClientID).Err(err).Log("shutdown disconnect send failed")
		}
		return true
	})
	w.disconnectsSent.Store(true)
}
