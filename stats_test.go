package corebroker

import (
	"testing"
	"time"
)

func Test_StatsPublisher_CountersMonotonic(t *testing.T) {
	subs := &fakeSubs{}
	p := NewStatsPublisher(time.Hour, subs, func() int { return 0 }, nil)

	for range 3 {
		p.RecordReceived()
	}
	p.RecordSent()
	p.RecordConnect()
	p.RecordConnect()
	p.RecordDisconnect()

	if got := p.received.Load(); got != 3 {
		t.Fatalf("received = %d, expected 3", got)
	}
	if got := p.sent.Load(); got != 1 {
		t.Fatalf("sent = %d, expected 1", got)
	}
	if got := p.connects.Load(); got != 2 {
		t.Fatalf("connects = %d, expected 2", got)
	}
	if got := p.disconnects.Load(); got != 1 {
		t.Fatalf("disconnects = %d, expected 1", got)
	}
}

func Test_StatsPublisher_FireBeforeTickNoop(t *testing.T) {
	subs := &fakeSubs{}
	p := NewStatsPublisher(time.Hour, subs, func() int { return 0 }, nil)
	p.SetLead(true)

	p.Fire(time.Now(), []*StatsPublisher{p})
	if got := subs.all(); len(got) != 0 {
		t.Fatalf("Published %d messages before the tick was due", len(got))
	}
}

// Test_StatsPublisher_LeadAggregatesPeers verifies the lead worker sums every
// peer's counters and publishes them retained under $SYS.
func Test_StatsPublisher_LeadAggregatesPeers(t *testing.T) {
	subs := &fakeSubs{}
	lead := NewStatsPublisher(time.Millisecond, subs, func() int { return 2 }, nil)
	peer := NewStatsPublisher(time.Millisecond, subs, func() int { return 3 }, nil)
	lead.SetLead(true)

	for range 5 {
		lead.RecordReceived()
	}
	for range 7 {
		peer.RecordReceived()
	}
	lead.RecordSent()
	peer.RecordConnect()

	lead.Fire(time.Now().Add(time.Second), []*StatsPublisher{lead, peer})

	expected := map[string]string{
		"$SYS/broker/messages/received": "12",
		"$SYS/broker/messages/sent":     "1",
		"$SYS/broker/connects":          "1",
		"$SYS/broker/disconnects":       "0",
		"$SYS/broker/clients/connected": "5",
	}
	got := subs.all()
	for topic, payload := range expected {
		found := false
		for _, p := range got {
			if p.Topic == topic {
				found = true
				if p.Payload != payload {
					t.Errorf("%s = %q, expected %q", topic, p.Payload, payload)
				}
				if !p.Retain {
					t.Errorf("%s not retained", topic)
				}
			}
		}
		if !found {
			t.Errorf("%s never published", topic)
		}
	}
}

// Test_StatsPublisher_DerivedRates verifies per-second rates are sampled at
// tick boundaries from the monotonic counters.
func Test_StatsPublisher_DerivedRates(t *testing.T) {
	subs := &fakeSubs{}
	p := NewStatsPublisher(time.Millisecond, subs, func() int { return 0 }, nil)
	p.SetLead(true)

	base := time.Now().Add(time.Second)
	peers := []*StatsPublisher{p}

	for range 100 {
		p.RecordReceived()
	}
	p.Fire(base, peers)
	if got := subs.count("$SYS/broker/load/messages/received/persec"); got != 0 {
		t.Fatal("Rate published on the first tick with no baseline")
	}

	for range 50 {
		p.RecordReceived()
	}
	p.Fire(base.Add(10*time.Second), peers)

	found := false
	for _, pub := range subs.all() {
		if pub.Topic == "$SYS/broker/load/messages/received/persec" {
			found = true
			if pub.Payload != "5" {
				t.Fatalf("received/persec = %q, expected 5 (50 messages over 10s)", pub.Payload)
			}
		}
	}
	if !found {
		t.Fatal("Rate never published on the second tick")
	}
}

func Test_StatsPublisher_NonLeadDoesNotPublish(t *testing.T) {
	subs := &fakeSubs{}
	p := NewStatsPublisher(time.Millisecond, subs, func() int { return 1 }, nil)

	p.RecordReceived()
	firedAt := time.Now().Add(time.Second)
	p.Fire(firedAt, []*StatsPublisher{p})

	if got := subs.all(); len(got) != 0 {
		t.Fatalf("Non-lead published %d messages", len(got))
	}

	// The schedule still advances so a later lead handoff ticks on time.
	if next, ok := p.NextDeadline(); !ok || !next.After(firedAt) {
		t.Fatalf("NextDeadline = %v, %v after firing at %v; expected a later tick", next, ok, firedAt)
	}
}
