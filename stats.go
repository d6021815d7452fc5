package corebroker

import (
	"fmt"
	"sync/atomic"
	"time"
)

// StatsPublisher accumulates this worker's per-iteration counters and, on a
// configurable tick, publishes broker-wide statistics as retained messages
// under the $SYS tree. Counters are plain atomics so hot-path
// Record* calls never contend with the tick itself; aggregation across
// workers happens by the lead worker reading every peer's atomics directly,
// without taking any lock.
type StatsPublisher struct {
	received    atomic.Uint64
	sent        atomic.Uint64
	connects    atomic.Uint64
	disconnects atomic.Uint64

	clients func() int

	lead atomic.Bool

	interval time.Duration
	// nextTick, the rate-derivation sample, and the two latency estimators
	// are only ever touched from the worker's own loop goroutine (via Fire),
	// so they need no locking.
	nextTick       time.Time
	lastReceived   uint64
	lastSent       uint64
	lastSampleAt   time.Time
	tickLatency    *pSquareMultiQuantile
	publishLatency *pSquareMultiQuantile

	subs SubscriptionStore
	log  *brokerLogger
}

// NewStatsPublisher creates a StatsPublisher that ticks every interval,
// publishing through subs. clients reports this worker's current live
// client count (typically ClientRegistry.Count).
func NewStatsPublisher(interval time.Duration, subs SubscriptionStore, clients func() int, log *brokerLogger) *StatsPublisher {
	if log == nil {
		log = newDisabledLogger()
	}
	return &StatsPublisher{
		clients:        clients,
		interval:       interval,
		nextTick:       time.Now().Add(interval),
		tickLatency:    newPSquareMultiQuantile(0.5, 0.99),
		publishLatency: newPSquareMultiQuantile(0.5, 0.99),
		subs:           subs,
		log:            log,
	}
}

// SetLead marks this worker as the one responsible for aggregating and
// publishing on the next Fire. A Fleet assigns exactly one lead among its
// workers.
func (p *StatsPublisher) SetLead(lead bool) { p.lead.Store(lead) }

// IsLead reports whether this worker is currently the aggregation lead.
func (p *StatsPublisher) IsLead() bool { return p.lead.Load() }

// RecordReceived increments the received-message counter.
func (p *StatsPublisher) RecordReceived() { p.received.Add(1) }

// RecordSent increments the sent-message counter.
func (p *StatsPublisher) RecordSent() { p.sent.Add(1) }

// RecordConnect increments the MQTT-connect counter.
func (p *StatsPublisher) RecordConnect() { p.connects.Add(1) }

// RecordDisconnect increments the disconnect counter.
func (p *StatsPublisher) RecordDisconnect() { p.disconnects.Add(1) }

// NextDeadline reports when this worker's tick is next due, for LoopHooks'
// NextDeadline aggregation.
func (p *StatsPublisher) NextDeadline() (time.Time, bool) {
	return p.nextTick, true
}

// Fire runs the tick if due. If this worker is not the lead, it only
// advances its own schedule; aggregation and publication happen exclusively
// on the lead, which reads every peer's atomics directly (peers includes
// itself).
func (p *StatsPublisher) Fire(now time.Time, peers []*StatsPublisher) {
	if now.Before(p.nextTick) {
		return
	}
	p.nextTick = now.Add(p.interval)
	p.tickLatency.Update(float64(time.Since(now)) / float64(time.Millisecond))

	if !p.lead.Load() || len(peers) == 0 {
		return
	}

	start := time.Now()
	var recv, sent, conn, disc uint64
	var liveClients int
	for _, peer := range peers {
		if peer == nil {
			continue
		}
		recv += peer.received.Load()
		sent += peer.sent.Load()
		conn += peer.connects.Load()
		disc += peer.disconnects.Load()
		if peer.clients != nil {
			liveClients += peer.clients()
		}
	}

	p.publish("$SYS/broker/messages/received", recv)
	p.publish("$SYS/broker/messages/sent", sent)
	p.publish("$SYS/broker/connects", conn)
	p.publish("$SYS/broker/disconnects", disc)
	p.publish("$SYS/broker/clients/connected", uint64(liveClients))
	p.publish("$SYS/broker/load/publish/p50ms", uint64(p.publishLatency.Quantile(0)))
	p.publish("$SYS/broker/load/publish/p99ms", uint64(p.publishLatency.Quantile(1)))

	// Rates are derived by sampling the monotonic counters at tick
	// boundaries; the first lead tick has no baseline to derive from.
	if !p.lastSampleAt.IsZero() {
		if elapsed := now.Sub(p.lastSampleAt).Seconds(); elapsed > 0 {
			p.publish("$SYS/broker/load/messages/received/persec", deriveRate(recv, p.lastReceived, elapsed))
			p.publish("$SYS/broker/load/messages/sent/persec", deriveRate(sent, p.lastSent, elapsed))
		}
	}
	p.lastReceived, p.lastSent, p.lastSampleAt = recv, sent, now

	p.publishLatency.Update(float64(time.Since(start)) / float64(time.Millisecond))
}

// deriveRate converts two samples of a monotonic counter into a whole
// per-second rate.
func deriveRate(current, previous uint64, elapsedSecs float64) uint64 {
	if current < previous {
		return 0
	}
	return uint64(float64(current-previous) / elapsedSecs)
}

// publish retains a single $SYS counter as a decimal payload, logging but
// not propagating a failure — a dropped stats sample must never disrupt the
// worker's own I/O.
func (p *StatsPublisher) publish(topic string, value uint64) {
	payload := []byte(fmt.Sprintf("%d", value))
	if err := p.subs.Publish(topic, 0, true, payload, nil); err != nil {
		p.log.Warning().Str("topic", topic).Err(err).Log("stats publish failed")
	}
}
