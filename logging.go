package corebroker

import (
	"github.com/joeycumines/ilogrus"
	"github.com/joeycumines/logiface"
	"github.com/sirupsen/logrus"
)

// brokerLogger is the structured-logging facade every component takes,
// paired with logrus as the concrete writer via ilogrus.
type brokerLogger = logiface.Logger[*ilogrus.Event]

// newDisabledLogger returns a logger with no configured writer, so every
// Build call is a cheap no-op — the fallback for a ThreadCore constructed
// without a logger.
func newDisabledLogger() *brokerLogger {
	return logiface.New[*ilogrus.Event]()
}

// NewLogrusLogger wraps an existing *logrus.Logger as a brokerLogger.
func NewLogrusLogger(l *logrus.Logger) *brokerLogger {
	return logiface.New[*ilogrus.Event](ilogrus.WithLogrus(l))
}

// LogifaceLevel maps a Severity onto logiface's
// syslog-style Level enum.
func (s Severity) LogifaceLevel() logiface.Level {
	switch s {
	case SeverityNotice:
		return logiface.LevelNotice
	case SeverityWarning:
		return logiface.LevelWarning
	case SeverityError:
		return logiface.LevelError
	case SeverityFatal:
		return logiface.LevelAlert
	default:
		return logiface.LevelInformational
	}
}

// PluginLogLevel is the AuthPlugin ABI's log-level bitmask.
// Values are part of the ABI and must not be renumbered.
type PluginLogLevel uint32

const (
	LogInfo        PluginLogLevel = 0x01
	LogNotice      PluginLogLevel = 0x02
	LogWarning     PluginLogLevel = 0x04
	LogErr         PluginLogLevel = 0x08
	LogDebug       PluginLogLevel = 0x10
	LogSubscribe   PluginLogLevel = 0x20
	LogUnsubscribe PluginLogLevel = 0x40
)

// logifaceLevel maps the plugin bitmask onto logiface's Level enum. Only one
// severity bit is expected to be set per call; if several are, the most
// severe wins.
func (l PluginLogLevel) logifaceLevel() logiface.Level {
	switch {
	case l&LogErr != 0:
		return logiface.LevelError
	case l&LogWarning != 0:
		return logiface.LevelWarning
	case l&LogNotice != 0:
		return logiface.LevelNotice
	case l&LogDebug != 0:
		return logiface.LevelDebug
	default:
		return logiface.LevelInformational
	}
}

// PluginLogFunc is the log callback signature handed across the AuthPlugin
// ABI boundary.
type PluginLogFunc func(level PluginLogLevel, format string, args ...any)

// NewPluginLogFunc adapts a brokerLogger into the plugin-facing log
// callback. LOG_SUBSCRIBE/LOG_UNSUBSCRIBE have no equivalent logiface level
// (logiface has no bitmask concept) so they are carried as a "category"
// field instead, on an entry whose level comes from any severity bits set
// alongside them (Informational when none is).
func NewPluginLogFunc(log *brokerLogger) PluginLogFunc {
	return func(level PluginLogLevel, format string, args ...any) {
		b := log.Build(level.logifaceLevel())
		if !b.Enabled() {
			b.Release()
			return
		}
		if level&(LogSubscribe|LogUnsubscribe) != 0 {
			category := "subscribe"
			if level&LogUnsubscribe != 0 {
				category = "unsubscribe"
			}
			b = b.Str("category", category)
		}
		b.Logf(format, args...)
	}
}
