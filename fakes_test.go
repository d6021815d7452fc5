package corebroker

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// recordedPublish is one SubscriptionStore.Publish call captured by fakeSubs.
type recordedPublish struct {
	Topic   string
	QoS     int
	Retain  bool
	Payload string
}

// fakeSubs records every publish, and optionally fails them.
type fakeSubs struct {
	mu        sync.Mutex
	published []recordedPublish
	err       error

	// seq, if non-nil, is a shared event recorder used by shutdown-ordering
	// tests to interleave publishes and disconnect sends globally.
	seq *eventRecorder
}

func (s *fakeSubs) Publish(topic string, qos int, retain bool, payload []byte, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, recordedPublish{Topic: topic, QoS: qos, Retain: retain, Payload: string(payload)})
	if s.seq != nil {
		s.seq.record("publish:" + topic)
	}
	return nil
}

func (s *fakeSubs) all() []recordedPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedPublish(nil), s.published...)
}

func (s *fakeSubs) count(topic string) int {
	n := 0
	for _, p := range s.all() {
		if p.Topic == topic {
			n++
		}
	}
	return n
}

// eventRecorder captures a global order of named events across goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// fakeIO is a ClientIO whose readable path drains the client's pipe so
// level-triggered readiness clears, with overridable read/write behavior.
type fakeIO struct {
	mu          sync.Mutex
	wills       map[ClientHandle]*WillMessage
	disconnects []ClientHandle
	reads       int

	onReadable func(c *Client) (IOResult, error)
	onWritable func(c *Client) (IOResult, error)

	seq *eventRecorder
}

func newFakeIO() *fakeIO {
	return &fakeIO{wills: make(map[ClientHandle]*WillMessage)}
}

func (f *fakeIO) setWill(h ClientHandle, w *WillMessage) {
	f.mu.Lock()
	f.wills[h] = w
	f.mu.Unlock()
}

func (f *fakeIO) OnReadable(c *Client) (IOResult, error) {
	f.mu.Lock()
	f.reads++
	override := f.onReadable
	f.mu.Unlock()

	var buf [4096]byte
	_, _ = unix.Read(int(c.Handle), buf[:])

	if override != nil {
		return override(c)
	}
	return IOResult{}, nil
}

func (f *fakeIO) OnWritable(c *Client) (IOResult, error) {
	f.mu.Lock()
	override := f.onWritable
	f.mu.Unlock()
	if override != nil {
		return override(c)
	}
	return IOResult{}, nil
}

func (f *fakeIO) PendingWill(c *Client) (*WillMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wills[c.Handle]
	return w, ok
}

func (f *fakeIO) LastActivity(c *Client) time.Time { return c.LastActivity() }

func (f *fakeIO) SendDisconnect(c *Client, _ DisconnectReason) error {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, c.Handle)
	f.mu.Unlock()
	if f.seq != nil {
		f.seq.record("disconnect")
	}
	return nil
}

func (f *fakeIO) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeIO) disconnected() []ClientHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ClientHandle(nil), f.disconnects...)
}

// fakePlugin is an AuthPlugin that counts lifecycle calls and delegates auth
// decisions to overridable hooks.
type fakePlugin struct {
	mu sync.Mutex

	version int

	allocs    int
	deallocs  int
	inits     []bool // reloading flag per Init call
	deinits   []bool // reloading flag per Deinit call
	periodics int

	lastInitOptions map[string]string

	loginFn func(username, password string) (AuthResult, error)
	aclFn   func(access AccessType, clientID, username string) (AuthResult, error)
	extFn   func(clientID string, stage AuthStage, method string, data []byte) ([]byte, string, AuthResult, error)
}

func newFakePlugin() *fakePlugin { return &fakePlugin{version: PluginVersion} }

func (p *fakePlugin) PluginVersion() int { return p.version }

func (p *fakePlugin) AllocateThreadMemory(_ map[string]string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocs++
	return &struct{ id int }{id: p.allocs}, nil
}

func (p *fakePlugin) DeallocateThreadMemory(_ any, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deallocs++
	return nil
}

func (p *fakePlugin) Init(_ any, options map[string]string, reloading bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inits = append(p.inits, reloading)
	p.lastInitOptions = options
	return nil
}

func (p *fakePlugin) Deinit(_ any, _ map[string]string, reloading bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deinits = append(p.deinits, reloading)
	return nil
}

func (p *fakePlugin) PeriodicEvent(_ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.periodics++
	return nil
}

func (p *fakePlugin) LoginCheck(_ any, username, password string, _ map[string]string) (AuthResult, error) {
	if p.loginFn != nil {
		return p.loginFn(username, password)
	}
	return AuthResultSuccess, nil
}

func (p *fakePlugin) AclCheck(_ any, access AccessType, clientID, username string, _ *WillMessage) (AuthResult, error) {
	if p.aclFn != nil {
		return p.aclFn(access, clientID, username)
	}
	return AuthResultSuccess, nil
}

func (p *fakePlugin) ExtendedAuth(_ any, clientID string, stage AuthStage, method string, data []byte, _ map[string]string) ([]byte, string, AuthResult, error) {
	if p.extFn != nil {
		return p.extFn(clientID, stage, method, data)
	}
	return nil, "", AuthResultSuccess, nil
}

func (p *fakePlugin) counts() (allocs, deallocs int, inits, deinits []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.deallocs, append([]bool(nil), p.inits...), append([]bool(nil), p.deinits...)
}

func (p *fakePlugin) initOptions() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInitOptions
}

// newTestPipe returns a connected (read, write) fd pair with the read side
// registered as the client's handle.
func newTestPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
