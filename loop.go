package corebroker

import (
	"context"
	"sync"
	"time"
)

// pendingReady records a handle's readiness, captured during multiplexer
// dispatch and processed after poll returns so reads can be serviced before
// writes across every ready handle.
type pendingReady struct {
	onReady IOCallback
	events  IOEvents
}

// LoopHooks lets a ThreadCore wire its owned components (TaskQueue,
// KeepAliveScheduler, StatsPublisher, AuthPluginBinding's periodic tick,
// SessionStore sweep, RemovalQueue) into the EventLoop's fixed per-iteration
// ordering without EventLoop needing to know about any of them.
type LoopHooks struct {
	// DrainTasks runs the TaskQueue drain; step 1 of the iteration.
	DrainTasks func()
	// NextDeadline returns the earliest pending timer deadline across every
	// periodic source (keep-alive buckets, stats tick, plugin periodic,
	// session-expiry sweep), used to bound the multiplexer's poll timeout.
	NextDeadline func(now time.Time) (time.Time, bool)
	// FireTimers runs every timer whose deadline is due; step 3.
	FireTimers func(now time.Time)
	// DrainRemovals runs the RemovalQueue drain; step 4.
	DrainRemovals func()
	// ShouldQuit reports whether this worker's post-quit obligations (will
	// publication, then DISCONNECT frames) have completed.
	// Checked once per iteration after step 4; the loop keeps iterating
	// (continuing to service I/O and fire timers) until it returns true.
	ShouldQuit func() bool
	// OnFatal is invoked on a multiplexer-level error, which is fatal to
	// the worker. The loop terminates immediately afterward.
	OnFatal func(error)
}

// maxPollTimeout bounds how long a single poll blocks even with no pending
// timer, so ShouldQuit and context cancellation are re-checked periodically.
const maxPollTimeout = time.Second

// EventLoop is a ThreadCore's readiness-based event multiplexer driver:
// it blocks until a registered handle is ready, a timer fires,
// or its wakeup handle is signaled, then dispatches in the fixed order
// drain-tasks / ready-handles(reads-before-writes) / fire-timers /
// drain-removals.
type EventLoop struct {
	state *FastState
	mux   multiplexer

	wakeFd int

	// pending accumulates readiness callbacks during a single poll call;
	// reused across iterations to avoid per-iteration allocation. Only
	// touched from the loop goroutine.
	pending []pendingReady

	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewEventLoop creates an EventLoop with its multiplexer and wakeup handle
// initialized but not yet running.
func NewEventLoop() (*EventLoop, error) {
	fd, err := createWakeFd(0, efdCloexec|efdNonblock)
	if err != nil {
		return nil, err
	}

	l := &EventLoop{
		state:    NewFastState(),
		wakeFd:   fd,
		loopDone: make(chan struct{}),
	}

	if err := l.mux.init(); err != nil {
		_ = closeWakeFd(fd)
		return nil, err
	}

	if err := l.mux.registerFD(fd, EventRead, func(IOEvents) {
		drainWakeFd(fd)
	}); err != nil {
		_ = l.mux.close()
		_ = closeWakeFd(fd)
		return nil, err
	}

	return l, nil
}

// Register adds handle's connection with the given initial read interest.
// Fails with ErrRegistrationFailed if the multiplexer
// rejects it (e.g. handle out of range, already registered).
func (l *EventLoop) Register(handle ClientHandle, wantWrite bool, onReady IOCallback) error {
	events := EventRead
	if wantWrite {
		events |= EventWrite
	}
	err := l.mux.registerFD(int(handle), events, func(ev IOEvents) {
		l.pending = append(l.pending, pendingReady{onReady: onReady, events: ev})
	})
	if err != nil {
		return ErrRegistrationFailed
	}
	return nil
}

// ModifyInterest adjusts read/write readiness flags for handle — used by a
// Client's write buffer when it transitions between empty and non-empty
//.
func (l *EventLoop) ModifyInterest(handle ClientHandle, read, write bool) error {
	var events IOEvents
	if read {
		events |= EventRead
	}
	if write {
		events |= EventWrite
	}
	return l.mux.modifyFD(int(handle), events)
}

// Unregister removes handle from the multiplexer, e.g. as part of
// ClientRegistry.Remove.
func (l *EventLoop) Unregister(handle ClientHandle) error {
	return l.mux.unregisterFD(int(handle))
}

// Wake signals the wakeup handle; idempotent and coalesced by eventfd
// semantics, safe from any goroutine.
func (l *EventLoop) Wake() {
	if l.state.Load() == StateTerminated {
		return
	}
	_ = signalWakeFd(l.wakeFd)
}

// State returns the loop's current lifecycle state.
func (l *EventLoop) State() LoopState {
	return l.state.Load()
}

// Done returns a channel closed once RunUntilQuit has returned.
func (l *EventLoop) Done() <-chan struct{} {
	return l.loopDone
}

// RunUntilQuit is the main loop. It blocks until hooks.ShouldQuit
// reports true or ctx is cancelled, running hooks in the fixed per-iteration
// order: drain tasks (so newly registered clients become visible this same
// iteration); service ready handles, reads before writes; fire due timers;
// drain the removal queue.
func (l *EventLoop) RunUntilQuit(ctx context.Context, hooks LoopHooks) error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	defer close(l.loopDone)

	var fatalErr error
	for {
		if hooks.DrainTasks != nil {
			hooks.DrainTasks()
		}

		l.pending = l.pending[:0]
		timeout := l.computeTimeout(ctx, hooks)
		if _, err := l.mux.poll(timeout); err != nil {
			fatalErr = err
			if hooks.OnFatal != nil {
				hooks.OnFatal(err)
			}
			l.state.Store(StateTerminating)
			break
		}

		l.dispatchReady()

		now := time.Now()
		if hooks.FireTimers != nil {
			hooks.FireTimers(now)
		}

		if hooks.DrainRemovals != nil {
			hooks.DrainRemovals()
		}

		if ctx.Err() != nil || (hooks.ShouldQuit != nil && hooks.ShouldQuit()) {
			break
		}
	}

	// Final drain to catch anything a timer/removal handler queued on the
	// last iteration before shutdown completes.
	if hooks.DrainTasks != nil {
		hooks.DrainTasks()
	}
	if hooks.DrainRemovals != nil {
		hooks.DrainRemovals()
	}

	l.state.Store(StateTerminated)
	l.close()
	if fatalErr != nil {
		return &FatalError{Component: "multiplexer", Cause: fatalErr}
	}
	return ctx.Err()
}

// dispatchReady processes this iteration's buffered readiness events, all
// reads (and errors/hangups) before any writes, for fairness under load.
func (l *EventLoop) dispatchReady() {
	for _, p := range l.pending {
		if r := p.events & (EventRead | EventError | EventHangup); r != 0 {
			p.onReady(r)
		}
	}
	for _, p := range l.pending {
		if w := p.events & EventWrite; w != 0 {
			p.onReady(w)
		}
	}
}

// computeTimeout bounds the poll wait by the earliest pending timer deadline
// across every periodic source, capped at maxPollTimeout so ctx cancellation
// and ShouldQuit are re-checked periodically even with no timer pending.
func (l *EventLoop) computeTimeout(ctx context.Context, hooks LoopHooks) int {
	timeout := maxPollTimeout
	if hooks.NextDeadline != nil {
		if deadline, ok := hooks.NextDeadline(time.Now()); ok {
			if until := time.Until(deadline); until < timeout {
				timeout = until
			}
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout < 0 {
		return 0
	}
	ms := timeout.Milliseconds()
	if timeout > 0 && ms == 0 {
		return 1
	}
	return int(ms)
}

// close tears down the multiplexer and wakeup handle exactly once.
func (l *EventLoop) close() {
	l.closeOnce.Do(func() {
		_ = l.mux.close()
		_ = closeWakeFd(l.wakeFd)
	})
}
