package corebroker

import (
	"sync"
	"time"
	"weak"
)

// keepAliveCheck is a weak reference to a Client plus the recheck flag
// that decides whether firing re-arms a new check.
type keepAliveCheck struct {
	client  weak.Pointer[Client]
	recheck bool
}

// KeepAliveScheduler enforces the MQTT keep-alive timer: a
// client with negotiated keep-alive K that goes 1.5*K seconds without a
// received packet is disconnected with DisconnectKeepAliveTimeout.
//
// Deadlines are bucketed to whole seconds rather than rescheduled on every
// packet. The scheduler only consults a client's real last-activity instant
// lazily, when its current bucket fires — avoiding a map mutation on every
// received byte. A Client is tracked via a weak
// pointer, resolved on use; the pattern tolerates the Client being removed
// from the ClientRegistry out from under a still-pending check.
type KeepAliveScheduler struct {
	mu      sync.Mutex
	buckets map[int64][]keepAliveCheck

	// lastActivity reports a client's most recent packet activity. The
	// ClientIO collaborator supplies this: only it knows where complete
	// packets end, which is the granularity keep-alive is defined at.
	lastActivity func(c *Client) time.Time

	// onTimeout is called (outside the lock) for every client whose
	// keep-alive deadline has been exceeded.
	onTimeout func(c *Client)
}

// NewKeepAliveScheduler creates an empty scheduler. lastActivity supplies
// each client's most recent activity instant (typically the ClientIO
// collaborator's LastActivity); onTimeout is invoked for each client that
// fails its keep-alive deadline.
func NewKeepAliveScheduler(lastActivity func(c *Client) time.Time, onTimeout func(c *Client)) *KeepAliveScheduler {
	return &KeepAliveScheduler{
		buckets:      make(map[int64][]keepAliveCheck),
		lastActivity: lastActivity,
		onTimeout:    onTimeout,
	}
}

// bucketFor truncates an absolute deadline to whole seconds.
func bucketFor(t time.Time) int64 {
	return t.Unix()
}

// Arm schedules the initial keep-alive check for c, 1.5*KeepAliveSecs from
// now. A negotiated keep-alive of 0 disables the check entirely; no entry
// is inserted. At most one check is armed per client
// at a time; Arm is a no-op if one is already pending.
func (k *KeepAliveScheduler) Arm(c *Client, now time.Time) {
	if c.KeepAliveSecs == 0 {
		return
	}
	if !c.armKeepAliveCheck() {
		return
	}
	deadline := now.Add(deadlineWindow(c.KeepAliveSecs))
	k.insert(c, deadline, true)
}

// insert places a check for c into the bucket for deadline.
func (k *KeepAliveScheduler) insert(c *Client, deadline time.Time, recheck bool) {
	b := bucketFor(deadline)
	k.mu.Lock()
	k.buckets[b] = append(k.buckets[b], keepAliveCheck{client: weak.Make(c), recheck: recheck})
	k.mu.Unlock()
}

// deadlineWindow returns 1.5*keepAliveSecs as a duration.
func deadlineWindow(keepAliveSecs uint16) time.Duration {
	return time.Duration(float64(keepAliveSecs)*1.5*1000) * time.Millisecond
}

// Fire processes every bucket whose deadline has elapsed as of now. For
// each check: a garbage-collected client is discarded; a client that has
// been active within the window is re-armed (if recheck) for the next
// deadline; otherwise the client is disconnected with
// DisconnectKeepAliveTimeout and not re-armed.
func (k *KeepAliveScheduler) Fire(now time.Time) {
	nowBucket := bucketFor(now)

	k.mu.Lock()
	var due []keepAliveCheck
	for b, checks := range k.buckets {
		if b <= nowBucket {
			due = append(due, checks...)
			delete(k.buckets, b)
		}
	}
	k.mu.Unlock()

	for _, check := range due {
		c := check.client.Value()
		if c == nil {
			continue // client already gone; discard
		}

		window := deadlineWindow(c.KeepAliveSecs)
		idle := now.Sub(k.lastActivity(c))

		if idle < window {
			if check.recheck {
				next := now.Add(window - idle)
				k.insert(c, next, true)
			} else {
				c.disarmKeepAliveCheck()
			}
			continue
		}

		c.disarmKeepAliveCheck()
		if k.onTimeout != nil {
			k.onTimeout(c)
		}
	}
}

// NextDeadline returns the earliest pending bucket deadline, if any, for
// computing the EventLoop's next poll timeout.
func (k *KeepAliveScheduler) NextDeadline() (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.buckets) == 0 {
		return time.Time{}, false
	}
	var earliest int64
	first := true
	for b := range k.buckets {
		if first || b < earliest {
			earliest = b
			first = false
		}
	}
	return time.Unix(earliest, 0), true
}
