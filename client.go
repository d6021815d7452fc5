package corebroker

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion identifies the negotiated MQTT wire version.
type ProtocolVersion int

const (
	// ProtocolV31 is MQTT 3.1.
	ProtocolV31 ProtocolVersion = iota
	// ProtocolV311 is MQTT 3.1.1.
	ProtocolV311
	// ProtocolV5 is MQTT 5.0.
	ProtocolV5
)

// ClientHandle identifies a Client's connection within a single
// ThreadCore's ClientRegistry and multiplexer; it is the registered file
// descriptor.
type ClientHandle int

// Client is a single connected peer, owned by exactly one ThreadCore for
// its entire connected lifetime. Its handle appears in exactly
// one ClientRegistry at a time.
type Client struct {
	Handle         ClientHandle
	RemoteAddr     string
	Protocol       ProtocolVersion
	KeepAliveSecs  uint16
	Username       string
	ClientID       string

	// Session is the persistable state associated with ClientID, owned by
	// an external SessionStore and merely referenced here.
	Session *Session

	// lastActivity backs the Touch/LastActivity pair, a ready-made store a
	// ClientIO implementation may surface as its activity instant. The
	// KeepAliveScheduler itself reads activity through the ClientIO.
	lastActivity atomic.Int64 // UnixNano

	// disconnecting latches once teardown has started, making Remove
	// idempotent.
	disconnecting atomic.Bool

	disconnectMu     sync.Mutex
	disconnectReason *DisconnectReason

	// keepAliveCheckArmed guards against inserting more than one live
	// KeepAliveCheck per client.
	keepAliveCheckArmed atomic.Bool

	connectedAt time.Time
}

// NewClient constructs a Client for a freshly accepted connection.
func NewClient(handle ClientHandle, remoteAddr string, protocol ProtocolVersion, keepAliveSecs uint16) *Client {
	c := &Client{
		Handle:        handle,
		RemoteAddr:    remoteAddr,
		Protocol:      protocol,
		KeepAliveSecs: keepAliveSecs,
		connectedAt:   time.Now(),
	}
	c.lastActivity.Store(c.connectedAt.UnixNano())
	return c
}

// Touch records packet activity in the client's own timestamp. A ClientIO
// that surfaces it from LastActivity gets lazy keep-alive observation for
// free: no rescheduling happens until the current bucket fires.
func (c *Client) Touch(at time.Time) {
	c.lastActivity.Store(at.UnixNano())
}

// LastActivity returns the last time Touch was called (or connection time).
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// MarkDisconnecting transitions the client into the Disconnecting state,
// recording reason on the first call only. Returns true if this call
// performed the transition (i.e., the client was not already
// disconnecting).
func (c *Client) MarkDisconnecting(reason DisconnectReason) bool {
	if !c.disconnecting.CompareAndSwap(false, true) {
		return false
	}
	c.disconnectMu.Lock()
	c.disconnectReason = &reason
	c.disconnectMu.Unlock()
	return true
}

// IsDisconnecting reports whether MarkDisconnecting has been called.
func (c *Client) IsDisconnecting() bool {
	return c.disconnecting.Load()
}

// DisconnectReason returns the recorded reason, if any.
func (c *Client) DisconnectReason() (DisconnectReason, bool) {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	if c.disconnectReason == nil {
		return 0, false
	}
	return *c.disconnectReason, true
}

// armKeepAliveCheck returns true if this call is the one permitted to
// insert a new KeepAliveCheck for the client; at most one may be active at
// any time.
func (c *Client) armKeepAliveCheck() bool {
	return c.keepAliveCheckArmed.CompareAndSwap(false, true)
}

// disarmKeepAliveCheck releases the arm slot after a check fires without
// re-enqueueing; a re-enqueued check keeps the slot.
func (c *Client) disarmKeepAliveCheck() {
	c.keepAliveCheckArmed.Store(false)
}
