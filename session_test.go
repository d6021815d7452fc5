package corebroker

import (
	"testing"
	"time"
)

func Test_Session_Expiry(t *testing.T) {
	now := time.Now()

	s := NewSession("c1", false, 30)
	if s.ExpiredAt(now.Add(time.Hour)) {
		t.Fatal("Connected session reported expired")
	}

	s.MarkDisconnected(now)
	if s.ExpiredAt(now.Add(29 * time.Second)) {
		t.Fatal("Expired before ExpirySeconds elapsed")
	}
	if !s.ExpiredAt(now.Add(30 * time.Second)) {
		t.Fatal("Not expired after ExpirySeconds elapsed")
	}

	s.MarkReconnected()
	if s.ExpiredAt(now.Add(time.Hour)) {
		t.Fatal("Reconnected session reported expired")
	}
}

func Test_Session_ExpiryDisabled(t *testing.T) {
	now := time.Now()

	clean := NewSession("c1", true, 30)
	clean.MarkDisconnected(now)
	if clean.ExpiredAt(now.Add(time.Hour)) {
		t.Fatal("Clean session participates in expiry")
	}

	noExpiry := NewSession("c2", false, 0)
	noExpiry.MarkDisconnected(now)
	if noExpiry.ExpiredAt(now.Add(time.Hour)) {
		t.Fatal("Zero expiry session expired")
	}
}

// Test_Session_PacketIDWraps verifies the packet-id counter skips 0, which
// is reserved on the wire.
func Test_Session_PacketIDWraps(t *testing.T) {
	s := NewSession("c1", false, 0)
	s.nextPacketID = 65534

	if id := s.NextPacketID(); id != 65534 {
		t.Fatalf("NextPacketID = %d, expected 65534", id)
	}
	if id := s.NextPacketID(); id != 65535 {
		t.Fatalf("NextPacketID = %d, expected 65535", id)
	}
	if id := s.NextPacketID(); id != 1 {
		t.Fatalf("NextPacketID = %d after wrap, expected 1", id)
	}
}

func Test_Session_SubscriptionsAndQueue(t *testing.T) {
	s := NewSession("c1", false, 0)

	s.Subscribe("a/+", 1)
	s.Subscribe("b/#", 2)
	s.Unsubscribe("b/#")

	subs := s.Subscriptions()
	if len(subs) != 1 || subs["a/+"] != 1 {
		t.Fatalf("Subscriptions = %v", subs)
	}

	s.Enqueue(QueuedMessage{PacketID: 1, Topic: "a/b", QoS: 1, Payload: []byte("x")})
	s.Enqueue(QueuedMessage{PacketID: 2, Topic: "a/c", QoS: 1, Payload: []byte("y")})

	drained := s.DrainQueued()
	if len(drained) != 2 || drained[0].PacketID != 1 || drained[1].PacketID != 2 {
		t.Fatalf("DrainQueued = %v", drained)
	}
	if again := s.DrainQueued(); len(again) != 0 {
		t.Fatalf("Second drain returned %d messages", len(again))
	}
}

func Test_InMemorySessionStore_GetOrCreate(t *testing.T) {
	store := NewInMemorySessionStore()

	s1 := store.GetOrCreate("c1", false, 60)
	s2 := store.GetOrCreate("c1", false, 60)
	if s1 != s2 {
		t.Fatal("Persistent session not reused across connections")
	}

	s3 := store.GetOrCreate("c1", true, 0)
	if s3 == s1 {
		t.Fatal("Clean-session reconnect reused the old session")
	}

	got, ok := store.Get("c1")
	if !ok || got != s3 {
		t.Fatalf("Get = %v, %v", got, ok)
	}

	store.Evict("c1")
	if _, ok := store.Get("c1"); ok {
		t.Fatal("Session present after evict")
	}
}

func Test_InMemorySessionStore_SweepExpired(t *testing.T) {
	store := NewInMemorySessionStore()
	now := time.Now()

	expired := store.GetOrCreate("old", false, 10)
	expired.MarkDisconnected(now.Add(-time.Minute))
	store.GetOrCreate("live", false, 3600).MarkDisconnected(now)
	store.GetOrCreate("connected", false, 10)

	evicted := store.SweepExpired(now)
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("SweepExpired = %v, expected [old]", evicted)
	}
	if _, ok := store.Get("old"); ok {
		t.Fatal("Expired session still present")
	}
	if _, ok := store.Get("live"); !ok {
		t.Fatal("Unexpired session swept")
	}
}
