package corebroker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Settings is the opaque configuration payload applied by QueueReload; a
// broker's own concrete configuration type flows through it unexamined.
type Settings any

// defaultAuthPeriodicInterval is how often AuthPluginBinding.PeriodicEvent
// is ticked; no option changes it.
const defaultAuthPeriodicInterval = 30 * time.Second

// ThreadCore is the composition root of a single worker: one
// EventLoop plus the components it exclusively owns — ClientRegistry,
// TaskQueue, KeepAliveScheduler, RemovalQueue, StatsPublisher,
// WillOrchestrator, and optionally an AuthPluginBinding. A Fleet runs each
// ThreadCore on its own goroutine; a lone ThreadCore is equally usable
// standalone.
type ThreadCore struct {
	loop      *EventLoop
	registry  *ClientRegistry
	tasks     *TaskQueue
	keepAlive *KeepAliveScheduler
	removal   *RemovalQueue
	stats     *StatsPublisher
	will      *WillOrchestrator
	auth      *AuthPluginBinding

	clientIO ClientIO
	subs     SubscriptionStore
	sessions SessionStore
	snapshot Snapshotter
	log      *brokerLogger

	sessionSweepInterval time.Duration
	nextSessionSweep     time.Time

	authPeriodicInterval time.Duration
	nextAuthPeriodic     time.Time

	settings atomic.Pointer[Settings]

	// peerStats, if set by a Fleet, returns every worker's StatsPublisher
	// (including this one's) for cross-worker aggregation on the tick this
	// worker happens to be lead for. Defaults to reporting only itself.
	peerStats func() []*StatsPublisher

	quitConfirmed atomic.Bool
	unhealthy     atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewThreadCore constructs a ThreadCore bound to clientIO (wire-level I/O)
// and subs (message routing/fan-out).
func NewThreadCore(clientIO ClientIO, subs SubscriptionStore, opts ...ThreadCoreOption) (*ThreadCore, error) {
	o := resolveCoreOptions(opts)

	loop, err := NewEventLoop()
	if err != nil {
		return nil, err
	}

	core := &ThreadCore{
		loop:                 loop,
		registry:             NewClientRegistry(),
		will:                 NewWillOrchestrator(o.log),
		clientIO:             clientIO,
		subs:                 subs,
		sessions:             o.sessions,
		snapshot:             o.snapshotter,
		log:                  o.log,
		sessionSweepInterval: o.sessionSweepInterval,
		authPeriodicInterval: defaultAuthPeriodicInterval,
	}
	core.nextSessionSweep = time.Now().Add(core.sessionSweepInterval)
	core.nextAuthPeriodic = time.Now().Add(core.authPeriodicInterval)

	core.tasks = NewTaskQueue(loop.Wake)
	core.removal = NewRemovalQueue(loop.Wake)
	core.keepAlive = NewKeepAliveScheduler(clientIO.LastActivity, func(c *Client) {
		core.disconnectClient(c, DisconnectKeepAliveTimeout)
	})
	core.stats = NewStatsPublisher(o.statsInterval, subs, core.registry.Count, o.log)
	core.peerStats = func() []*StatsPublisher { return []*StatsPublisher{core.stats} }

	if o.authPlugin != nil {
		binding, err := NewAuthPluginBinding(o.authPlugin, o.authOptions, o.authSerializeMode, o.authLoginRates, o.log)
		if err != nil {
			loop.close()
			return nil, err
		}
		core.auth = binding
	}

	return core, nil
}

// SetPeerStats lets a Fleet wire cross-worker stats aggregation; fn must
// return a stable-length slice including this worker's own StatsPublisher.
func (core *ThreadCore) SetPeerStats(fn func() []*StatsPublisher) {
	if fn != nil {
		core.peerStats = fn
	}
}

// Stats returns this worker's StatsPublisher, for Fleet-level wiring.
func (core *ThreadCore) Stats() *StatsPublisher { return core.stats }

// Will returns this worker's WillOrchestrator, for Fleet-level shutdown
// coordination.
func (core *ThreadCore) Will() *WillOrchestrator { return core.will }

// Registry returns this worker's ClientRegistry.
func (core *ThreadCore) Registry() *ClientRegistry { return core.registry }

// Auth returns this worker's AuthPluginBinding, or nil if no plugin is
// configured. Packet-handling collaborators route their login, ACL, and
// extended-auth checks through it so every plugin call stays on the owning
// worker with that worker's thread memory.
func (core *ThreadCore) Auth() *AuthPluginBinding { return core.auth }

// Healthy reports whether the worker has hit a fatal multiplexer error.
func (core *ThreadCore) Healthy() bool { return !core.unhealthy.Load() }

// Run drives the worker until the shutdown sequence of Shutdown (or
// Fleet.Shutdown) completes or ctx is cancelled; QueueQuit alone does not
// end it. Must be called from the goroutine intended to be
// this worker's dedicated thread; every other ThreadCore method is safe to
// call from any goroutine.
func (core *ThreadCore) Run(ctx context.Context) error {
	err := core.loop.RunUntilQuit(ctx, LoopHooks{
		DrainTasks:    func() { core.tasks.Drain() },
		NextDeadline:  core.nextDeadline,
		FireTimers:    core.fireTimers,
		DrainRemovals: core.drainRemovals,
		ShouldQuit:    core.quitConfirmed.Load,
		OnFatal:       core.onFatal,
	})
	if cerr := core.Close(); cerr != nil {
		core.log.Err().Err(cerr).Log("auth plugin close failed")
	}
	switch err {
	case ErrLoopAlreadyRunning:
		return ErrThreadCoreAlreadyRunning
	case ErrLoopTerminated:
		return ErrThreadCoreTerminated
	default:
		return err
	}
}

// Close releases resources NewThreadCore acquired that Run's own shutdown
// path does not already handle — currently just the AuthPlugin's thread
// memory. Idempotent and safe to defer immediately after construction,
// whether or not Run is ever called or how it exits.
func (core *ThreadCore) Close() error {
	core.closeOnce.Do(func() {
		if core.auth != nil {
			core.closeErr = core.auth.Close()
		}
	})
	return core.closeErr
}

// AcceptConnection posts a task that registers c with the worker's
// ClientRegistry, EventLoop, and KeepAliveScheduler: new clients become
// visible to the poll of the same loop iteration whose task drain
// registers them. result, if non-nil, is
// invoked (from the worker goroutine) with the outcome.
func (core *ThreadCore) AcceptConnection(c *Client, wantWriteInitially bool, result func(error)) {
	core.tasks.Post(func() {
		err := core.acceptLocal(c, wantWriteInitially)
		if result != nil {
			result(err)
		}
	})
	core.loop.Wake()
}

func (core *ThreadCore) acceptLocal(c *Client, wantWriteInitially bool) error {
	if !core.will.Running() {
		return ErrThreadCoreTerminated
	}
	if err := core.registry.GiveClient(c); err != nil {
		return err
	}
	if err := core.loop.Register(c.Handle, wantWriteInitially, func(ev IOEvents) {
		core.handleReady(c, ev)
	}); err != nil {
		_, _ = core.registry.Remove(c.Handle)
		return err
	}
	core.keepAlive.Arm(c, time.Now())
	core.stats.RecordConnect()
	return nil
}

// handleReady runs the client's readable/writable I/O and translates its
// result into disconnects or write-interest changes.
func (core *ThreadCore) handleReady(c *Client, events IOEvents) {
	if events&(EventError|EventHangup) != 0 {
		core.disconnectClient(c, DisconnectConnectionReset)
		return
	}

	if events&EventRead != 0 {
		res, err := core.clientIO.OnReadable(c)
		core.stats.RecordReceived()
		if err != nil {
			core.log.Notice().Str("client_id", c.ClientID).Err(err).Log("read failed")
			core.disconnectClient(c, DisconnectProtocolError)
			return
		}
		c.Touch(time.Now())
		if res.Disconnect != nil {
			core.disconnectClient(c, *res.Disconnect)
			return
		}
		if res.NeedsWrite {
			if err := core.loop.ModifyInterest(c.Handle, true, true); err != nil {
				core.log.Warning().Str("client_id", c.ClientID).Err(err).Log("modify interest failed")
			}
		}
	}

	if events&EventWrite != 0 {
		res, err := core.clientIO.OnWritable(c)
		core.stats.RecordSent()
		if err != nil {
			core.disconnectClient(c, DisconnectConnectionReset)
			return
		}
		if res.Disconnect != nil {
			core.disconnectClient(c, *res.Disconnect)
			return
		}
		if !res.NeedsWrite {
			if err := core.loop.ModifyInterest(c.Handle, true, false); err != nil {
				core.log.Warning().Str("client_id", c.ClientID).Err(err).Log("modify interest failed")
			}
		}
	}
}

// disconnectClient marks c for teardown and posts it to the RemovalQueue,
// idempotent via Client.MarkDisconnecting.
func (core *ThreadCore) disconnectClient(c *Client, reason DisconnectReason) {
	if c.MarkDisconnecting(reason) {
		core.removal.Post(c)
	}
}

// drainRemovals runs RemovalQueue.Drain and tears each surviving client down
//.
func (core *ThreadCore) drainRemovals() {
	for _, c := range core.removal.Drain() {
		core.teardownClient(c)
	}
}

// teardownClient unregisters c, publishes its will if the disconnect was not
// a clean protocol DISCONNECT, persists its session if one exists, and drops
// it from the registry.
func (core *ThreadCore) teardownClient(c *Client) {
	if err := core.loop.Unregister(c.Handle); err != nil && core.log != nil {
		core.log.Debug().Str("client_id", c.ClientID).Err(err).Log("unregister failed")
	}

	reason, _ := c.DisconnectReason()
	if reason != DisconnectNormal {
		if will, ok := core.clientIO.PendingWill(c); ok && will != nil {
			if err := core.subs.Publish(will.Topic, will.QoS, will.Retain, will.Payload, will.UserProperties); err != nil {
				core.log.Warning().Str("client_id", c.ClientID).Err(err).Log("will publish failed")
			}
		}
	}

	if c.Session != nil {
		c.Session.MarkDisconnected(time.Now())
		if core.snapshot != nil {
			if err := core.snapshot.SnapshotSession(c.ClientID, c.Session); err != nil {
				core.log.Notice().Str("client_id", c.ClientID).Err(err).Log("session snapshot failed")
			}
		}
	}

	_, _ = core.registry.Remove(c.Handle)
	core.stats.RecordDisconnect()
}

// nextDeadline reports the earliest due timer across every periodic source
// this worker owns.
func (core *ThreadCore) nextDeadline(now time.Time) (time.Time, bool) {
	earliest, ok := core.keepAlive.NextDeadline()

	if t, has := core.stats.NextDeadline(); has && (!ok || t.Before(earliest)) {
		earliest, ok = t, true
	}
	if !core.nextSessionSweep.IsZero() && (!ok || core.nextSessionSweep.Before(earliest)) {
		earliest, ok = core.nextSessionSweep, true
	}
	if core.auth != nil && !core.nextAuthPeriodic.IsZero() && (!ok || core.nextAuthPeriodic.Before(earliest)) {
		earliest, ok = core.nextAuthPeriodic, true
	}
	return earliest, ok
}

// fireTimers runs every timer whose deadline is due.
func (core *ThreadCore) fireTimers(now time.Time) {
	core.keepAlive.Fire(now)
	core.stats.Fire(now, core.peerStats())

	if !now.Before(core.nextSessionSweep) {
		for _, clientID := range core.sessions.SweepExpired(now) {
			core.log.Debug().Str("client_id", clientID).Log("session expired")
		}
		core.nextSessionSweep = now.Add(core.sessionSweepInterval)
	}

	if core.auth != nil && !now.Before(core.nextAuthPeriodic) {
		if err := core.auth.PeriodicEvent(); err != nil {
			core.log.Err().Err(err).Log("auth plugin periodic event failed")
		}
		core.nextAuthPeriodic = now.Add(core.authPeriodicInterval)
	}
}

// onFatal handles a multiplexer-level error: the process exit code must go
// non-zero, so the worker is marked unhealthy for a Fleet or
// caller to observe and act on.
func (core *ThreadCore) onFatal(err error) {
	core.unhealthy.Store(true)
	core.log.Crit().Err(err).Log("multiplexer fatal error")
}

// QueueQuit posts a task that stops accepting new connections, the first
// step of the graceful-shutdown sequence. Used standalone (without a
// Fleet); a
// Fleet instead drives QueueWills/SendDisconnects itself across every
// worker, in barrier-synchronized lockstep, via the accessors above.
func (core *ThreadCore) QueueQuit() {
	core.tasks.Post(func() { core.will.SetRunning(false) })
	core.loop.Wake()
}

// Shutdown runs this worker's full graceful-shutdown sequence standalone,
// with no fleet-wide barrier (the degenerate one-worker fleet case): stop
// accepting connections, queue every client's will, send every client a
// DISCONNECT, then let Run's loop observe quitConfirmed and return. Blocks
// until the loop has exited or ctx is cancelled.
func (core *ThreadCore) Shutdown(ctx context.Context, reason DisconnectReason) error {
	core.tasks.Post(func() {
		core.will.SetRunning(false)
		core.will.QueueWills(core.registry, core.clientIO, core.subs)
		core.will.SendDisconnects(core.registry, core.clientIO, reason)
		core.quitConfirmed.Store(true)
	})
	core.loop.Wake()

	select {
	case <-core.loop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AuthPluginSettings is optionally implemented by a Settings value to carry
// new auth-plugin options through a reload. When absent, the plugin is
// reinitialized with its existing options.
type AuthPluginSettings interface {
	AuthPluginOptions() map[string]string
}

// QueueReload applies a new Settings value at the start of the next loop
// iteration: last write before a drain wins. If an AuthPlugin is configured,
// the reload also runs its Deinit(reloading=true)/Init(reloading=true) cycle
// on the worker goroutine, without re-allocating thread memory.
func (core *ThreadCore) QueueReload(s Settings) {
	core.tasks.Post(func() {
		core.settings.Store(&s)
		if core.auth != nil {
			opts := core.auth.Options()
			if ap, ok := s.(AuthPluginSettings); ok {
				opts = ap.AuthPluginOptions()
			}
			if err := core.auth.Reload(opts); err != nil {
				core.log.Err().Err(err).Log("auth plugin reload failed")
			}
		}
	})
	core.loop.Wake()
}

// CurrentSettings returns the most recently applied Settings, if any have
// been queued yet.
func (core *ThreadCore) CurrentSettings() (Settings, bool) {
	p := core.settings.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}
