package corebroker

import (
	"sync"
	"time"
)

// QueuedMessage is a QoS>0 message awaiting acknowledgement or delivery,
// held by a Session across disconnects.
type QueuedMessage struct {
	PacketID uint16
	Topic    string
	QoS      int
	Payload  []byte
	Retain   bool
}

// Session is the persistable state associated with a client-id: its
// subscriptions, queued QoS>0 messages, and packet-id counter. It survives
// disconnection for MQTT 3.1.1 clean-session=false or MQTT 5 clients with
// session-expiry>0. A Session is owned by an external
// SessionStore and referenced, never owned, from a Client.
//
// Sessions are shared between Clients of the same client-id across time
// but never between Clients simultaneously: a newer connection takeover
// evicts the older via a cross-thread task.
type Session struct {
	mu sync.Mutex

	ClientID      string
	CleanSession  bool
	ExpirySeconds uint32

	// disconnectedAt is set by MarkDisconnected and used together with
	// ExpirySeconds to compute whether the session has expired.
	disconnectedAt time.Time
	connected      bool

	subscriptions map[string]int // topic filter -> granted QoS
	queued        []QueuedMessage
	nextPacketID  uint16
}

// NewSession creates an empty Session for clientID.
func NewSession(clientID string, cleanSession bool, expirySeconds uint32) *Session {
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		ExpirySeconds: expirySeconds,
		connected:     true,
		subscriptions: make(map[string]int),
		nextPacketID:  1,
	}
}

// MarkDisconnected records the instant the owning Client disconnected,
// starting the session-expiry clock.
func (s *Session) MarkDisconnected(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnectedAt = at
}

// MarkReconnected clears the expiry clock for a session taken over by a
// new Client.
func (s *Session) MarkReconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
}

// ExpiredAt reports whether the session, if currently disconnected, has
// exceeded ExpirySeconds as of now.
func (s *Session) ExpiredAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected || s.CleanSession || s.ExpirySeconds == 0 {
		return false
	}
	return now.Sub(s.disconnectedAt) >= time.Duration(s.ExpirySeconds)*time.Second
}

// Subscribe records a subscription at the given QoS.
func (s *Session) Subscribe(filter string, qos int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

// Unsubscribe removes a subscription.
func (s *Session) Unsubscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscriptions returns a snapshot of the current filter->QoS map.
func (s *Session) Subscriptions() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// NextPacketID returns the next packet identifier, wrapping from 65535 to
// 1 (0 is reserved in the MQTT wire format).
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextPacketID
	if s.nextPacketID == 65535 {
		s.nextPacketID = 1
	} else {
		s.nextPacketID++
	}
	return id
}

// Enqueue appends a QoS>0 message awaiting delivery or acknowledgement.
func (s *Session) Enqueue(m QueuedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, m)
}

// DrainQueued removes and returns all queued messages, FIFO.
func (s *Session) DrainQueued() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queued
	s.queued = nil
	return out
}

// SessionStore owns Session lifecycle across connections and is the
// external collaborator Expiration is driven against. The core
// never implements persistence; InMemorySessionStore is the only concrete
// implementation this module provides, suitable for clean-session-only
// deployments or tests.
type SessionStore interface {
	// Get returns the existing session for clientID, if any.
	Get(clientID string) (*Session, bool)
	// GetOrCreate returns the existing session for clientID, creating one
	// if absent.
	GetOrCreate(clientID string, cleanSession bool, expirySeconds uint32) *Session
	// Evict removes a session, e.g. on clean-session reconnect or expiry.
	Evict(clientID string)
	// SweepExpired removes sessions whose expiry has elapsed as of now,
	// returning the evicted client IDs. Driven by ThreadCore's
	// session-expiry timer.
	SweepExpired(now time.Time) []string
}

// InMemorySessionStore is a process-local SessionStore backed by a mutex
// and map, adequate for single-process deployments or tests; a clustered
// broker would supply an external implementation instead.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewInMemorySessionStore creates an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]*Session)}
}

// Get implements SessionStore.
func (s *InMemorySessionStore) Get(clientID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

// GetOrCreate implements SessionStore.
func (s *InMemorySessionStore) GetOrCreate(clientID string, cleanSession bool, expirySeconds uint32) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[clientID]; ok && !cleanSession {
		return sess
	}
	sess := NewSession(clientID, cleanSession, expirySeconds)
	s.sessions[clientID] = sess
	return sess
}

// Evict implements SessionStore.
func (s *InMemorySessionStore) Evict(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
}

// SweepExpired implements SessionStore.
func (s *InMemorySessionStore) SweepExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, sess := range s.sessions {
		if sess.ExpiredAt(now) {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
