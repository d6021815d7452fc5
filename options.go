package corebroker

import "time"

// defaultStatsInterval is the StatsPublisher tick period if WithStatsInterval
// is not supplied.
const defaultStatsInterval = 10 * time.Second

// defaultSessionSweepInterval is how often the session-expiry sweep runs if
// WithSessionSweepInterval is not supplied.
const defaultSessionSweepInterval = 30 * time.Second

// coreOptions holds ThreadCore construction configuration.
type coreOptions struct {
	log                  *brokerLogger
	statsInterval        time.Duration
	sessionSweepInterval time.Duration
	sessions             SessionStore
	snapshotter          Snapshotter
	authPlugin           AuthPlugin
	authOptions          map[string]string
	authSerializeMode    SerializeMode
	authLoginRates       map[time.Duration]int
}

// ThreadCoreOption configures a ThreadCore at construction time.
type ThreadCoreOption interface {
	applyCore(*coreOptions)
}

type threadCoreOptionFunc func(*coreOptions)

func (f threadCoreOptionFunc) applyCore(o *coreOptions) { f(o) }

// WithLogger sets the structured logger a ThreadCore and its components log
// through. If omitted, a disabled logger is used (no output, negligible
// overhead).
func WithLogger(log *brokerLogger) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) { o.log = log })
}

// WithStatsInterval sets the StatsPublisher tick period.
func WithStatsInterval(d time.Duration) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) { o.statsInterval = d })
}

// WithSessionSweepInterval sets how often expired sessions are reaped from
// the configured SessionStore; expiration is the only session lifecycle
// event this core drives.
func WithSessionSweepInterval(d time.Duration) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) { o.sessionSweepInterval = d })
}

// WithSessionStore overrides the default InMemorySessionStore.
func WithSessionStore(s SessionStore) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) { o.sessions = s })
}

// WithSnapshotter configures an optional external seam for opportunistic
// Session persistence.
func WithSnapshotter(s Snapshotter) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) { o.snapshotter = s })
}

// WithAuthPlugin configures the host-provided AuthPlugin.
// loginRates configures AuthPluginBinding's per-category login-attempt
// limiter; nil disables it.
func WithAuthPlugin(plugin AuthPlugin, options map[string]string, mode SerializeMode, loginRates map[time.Duration]int) ThreadCoreOption {
	return threadCoreOptionFunc(func(o *coreOptions) {
		o.authPlugin = plugin
		o.authOptions = options
		o.authSerializeMode = mode
		o.authLoginRates = loginRates
	})
}

// resolveCoreOptions applies every option over sensible defaults.
func resolveCoreOptions(opts []ThreadCoreOption) *coreOptions {
	o := &coreOptions{
		statsInterval:        defaultStatsInterval,
		sessionSweepInterval: defaultSessionSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyCore(o)
		}
	}
	if o.log == nil {
		o.log = newDisabledLogger()
	}
	if o.sessions == nil {
		o.sessions = NewInMemorySessionStore()
	}
	return o
}
