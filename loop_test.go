package corebroker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

// runLoop starts hooks-driven RunUntilQuit on its own goroutine and returns
// a stop function that quits the loop and waits for exit.
func runLoop(t *testing.T, l *EventLoop, hooks LoopHooks) (stop func()) {
	t.Helper()

	var quit atomic.Bool
	userShouldQuit := hooks.ShouldQuit
	hooks.ShouldQuit = func() bool {
		if quit.Load() {
			return true
		}
		return userShouldQuit != nil && userShouldQuit()
	}

	done := make(chan error, 1)
	go func() {
		done <- l.RunUntilQuit(context.Background(), hooks)
	}()

	return func() {
		quit.Store(true)
		l.Wake()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Loop did not exit")
		}
	}
}

func Test_EventLoop_QuitImmediately(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	err = l.RunUntilQuit(context.Background(), LoopHooks{
		ShouldQuit: func() bool { return true },
	})
	require.NoError(t, err)
	require.Equal(t, StateTerminated, l.State())

	select {
	case <-l.Done():
	default:
		t.Fatal("Done channel not closed after exit")
	}

	// A terminated loop cannot be restarted.
	err = l.RunUntilQuit(context.Background(), LoopHooks{})
	require.ErrorIs(t, err, ErrLoopTerminated)
}

func Test_EventLoop_ContextCancel(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.RunUntilQuit(ctx, LoopHooks{})
	}()

	cancel()
	l.Wake()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not exit on cancellation")
	}
}

func Test_EventLoop_AlreadyRunning(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	stop := runLoop(t, l, LoopHooks{})
	defer stop()

	// Give the loop a moment to transition out of Awake.
	require.Eventually(t, func() bool {
		return l.State() == StateRunning
	}, time.Second, time.Millisecond)

	err = l.RunUntilQuit(context.Background(), LoopHooks{})
	require.ErrorIs(t, err, ErrLoopAlreadyRunning)
}

// Test_EventLoop_ReadinessDispatch registers a pipe, writes to it, and
// expects the read callback to fire.
func Test_EventLoop_ReadinessDispatch(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	r, w, err := newTestPipe()
	require.NoError(t, err)
	defer unix.Close(w)

	var reads atomic.Int64
	require.NoError(t, l.Register(ClientHandle(r), false, func(ev IOEvents) {
		if ev&EventRead != 0 {
			var buf [64]byte
			_, _ = unix.Read(r, buf[:])
			reads.Add(1)
		}
	}))

	stop := runLoop(t, l, LoopHooks{})

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reads.Load() >= 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, l.Unregister(ClientHandle(r)))
	stop()
}

func Test_EventLoop_RegisterErrors(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)
	defer l.close()

	require.ErrorIs(t, l.Register(ClientHandle(-1), false, func(IOEvents) {}), ErrRegistrationFailed)
	require.ErrorIs(t, l.Register(ClientHandle(maxFDs), false, func(IOEvents) {}), ErrRegistrationFailed)

	r, w, err := newTestPipe()
	require.NoError(t, err)
	defer unix.Close(r)
	defer unix.Close(w)

	require.NoError(t, l.Register(ClientHandle(r), false, func(IOEvents) {}))
	require.ErrorIs(t, l.Register(ClientHandle(r), false, func(IOEvents) {}), ErrRegistrationFailed)

	require.ErrorIs(t, l.ModifyInterest(ClientHandle(w), true, true), ErrFDNotRegistered)
	require.NoError(t, l.ModifyInterest(ClientHandle(r), true, false))
	require.NoError(t, l.Unregister(ClientHandle(r)))
	require.ErrorIs(t, l.Unregister(ClientHandle(r)), ErrFDNotRegistered)
}

// Test_EventLoop_TaskBurstCoalesces posts a burst of tasks from a foreign
// goroutine before the loop starts and verifies the 10,000 wakeup signals
// coalesce: every task executes in the first drain rather than one
// iteration per signal.
func Test_EventLoop_TaskBurstCoalesces(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	q := NewTaskQueue(l.Wake)

	var executed atomic.Int64
	var firstDrain atomic.Int64

	const total = 10000
	posted := make(chan struct{})
	go func() {
		defer close(posted)
		for range total {
			q.Post(func() { executed.Add(1) })
		}
	}()
	<-posted

	stop := runLoop(t, l, LoopHooks{
		DrainTasks: func() {
			if n := q.Drain(); n > 0 {
				firstDrain.CompareAndSwap(0, int64(n))
			}
		},
	})

	require.Eventually(t, func() bool {
		return executed.Load() == total
	}, 5*time.Second, time.Millisecond)

	// All accumulated signals collapsed into a single drain.
	require.EqualValues(t, total, firstDrain.Load(),
		"burst was not absorbed by one drain")

	stop()
}

// Test_EventLoop_TimersFire verifies NextDeadline bounds the poll and
// FireTimers runs once due.
func Test_EventLoop_TimersFire(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	deadline := time.Now().Add(50 * time.Millisecond)
	var fired atomic.Bool

	stop := runLoop(t, l, LoopHooks{
		NextDeadline: func(now time.Time) (time.Time, bool) {
			if fired.Load() {
				return time.Time{}, false
			}
			return deadline, true
		},
		FireTimers: func(now time.Time) {
			if !now.Before(deadline) {
				fired.Store(true)
			}
		},
	})
	defer stop()

	require.Eventually(t, func() bool {
		return fired.Load()
	}, 5*time.Second, time.Millisecond)

	// Fired within a reasonable bound of the deadline, not a full poll cap.
	require.WithinDuration(t, deadline, time.Now(), time.Second)
}

// Test_EventLoop_FatalPollError verifies a multiplexer-level failure invokes
// OnFatal and terminates the loop rather than crashing it.
func Test_EventLoop_FatalPollError(t *testing.T) {
	l, err := NewEventLoop()
	require.NoError(t, err)

	var fatal atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- l.RunUntilQuit(context.Background(), LoopHooks{
			DrainTasks: func() {
				// Sabotage the epoll fd mid-run: the next poll fails.
				if !l.mux.closed.Load() {
					_ = l.mux.close()
				}
			},
			OnFatal: func(error) { fatal.Store(true) },
			ShouldQuit: func() bool {
				return fatal.Load()
			},
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not exit after fatal poll error")
	}
	require.True(t, fatal.Load(), "OnFatal was not invoked")
}
