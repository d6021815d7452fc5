// Package corebroker implements the per-worker event-loop and
// client-lifecycle core of a high-performance MQTT broker.
//
// # Architecture
//
// Each worker is a [ThreadCore] built around an [EventLoop] that waits on a
// readiness-based multiplexer, dispatches I/O to registered clients via the
// [ClientIO] collaborator, drains a cross-thread [TaskQueue], and fires
// periodic timers for keep-alive enforcement ([KeepAliveScheduler]),
// deferred client teardown ([RemovalQueue]), statistics publication
// ([StatsPublisher]), and plugin periodics ([AuthPluginBinding]). A
// [Fleet] owns N ThreadCores and assigns accepted connections to them by
// round robin.
//
// # Platform support
//
// The EventLoop's multiplexer is epoll-based (Linux only); this module does
// not target other platforms.
//
// # Thread safety
//
// A [Client] is pinned to exactly one ThreadCore for its connected
// lifetime; ThreadCores never touch each other's clients directly. All
// cross-worker influence goes through [TaskQueue.Post] followed by
// [EventLoop.Wake], both safe to call from any goroutine. The
// [ClientRegistry] is the only structure read by foreign goroutines (for
// aggregate stats) and is mutex-protected; per-worker counters are
// lock-free monotonic atomics.
//
// # Execution model
//
// Each EventLoop iteration, in order: drain the TaskQueue; service ready
// client handles, reads before writes; fire due timers; drain the
// RemovalQueue. This ordering lets tasks register new clients visible in
// the same iteration, and services reads before timer bookkeeping to bound
// latency under load.
//
// # Usage
//
//	core, err := corebroker.NewThreadCore(clientIO, subs,
//	    corebroker.WithStatsInterval(10*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	if err := core.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error types
//
// The package provides a four-way error taxonomy mirroring the broker's
// handling policy: [TransientClientError], [ResourceExhaustionError],
// [PluginError], and [FatalError]. All implement the standard [error]
// interface and [errors.Unwrap] for cause-chain matching.
package corebroker
