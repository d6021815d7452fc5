package corebroker

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// AuthResult is the stable-integer result of an AuthPlugin call.
// Values are part of the ABI and must not be renumbered.
type AuthResult int

const (
	AuthResultSuccess                AuthResult = 0
	AuthResultAuthMethodNotSupported AuthResult = 10
	AuthResultLoginDenied            AuthResult = 11
	AuthResultAclDenied              AuthResult = 12
	AuthResultError                  AuthResult = 13
	AuthResultAuthContinue           AuthResult = -4
)

func (r AuthResult) String() string {
	switch r {
	case AuthResultSuccess:
		return "Success"
	case AuthResultAuthMethodNotSupported:
		return "AuthMethodNotSupported"
	case AuthResultLoginDenied:
		return "LoginDenied"
	case AuthResultAclDenied:
		return "AclDenied"
	case AuthResultError:
		return "Error"
	case AuthResultAuthContinue:
		return "AuthContinue"
	default:
		return "Unknown"
	}
}

// AccessType identifies the kind of access an ACL check covers.
type AccessType int

const (
	AccessNone AccessType = iota
	AccessRead
	AccessWrite
	AccessSubscribe
)

// AuthStage identifies where in an extended-auth handshake a call occurs.
type AuthStage int

const (
	AuthStageNone AuthStage = iota
	AuthStageAuth
	AuthStageReauth
	AuthStageContinue
)

// PluginVersion is the compiled-in AuthPlugin ABI version; a loaded plugin
// whose PluginVersion() disagrees is rejected.
const PluginVersion = 1

// AuthPlugin is the host-provided authentication plugin ABI,
// dynamically loaded per process and thread-bound per worker. opaque is
// the per-worker handle returned by AllocateThreadMemory; the core treats
// it as an opaque value it merely threads through subsequent calls.
type AuthPlugin interface {
	PluginVersion() int
	AllocateThreadMemory(options map[string]string) (opaque any, err error)
	DeallocateThreadMemory(opaque any, options map[string]string) error
	Init(opaque any, options map[string]string, reloading bool) error
	Deinit(opaque any, options map[string]string, reloading bool) error
	PeriodicEvent(opaque any) error
	LoginCheck(opaque any, username, password string, userProperties map[string]string) (AuthResult, error)
	AclCheck(opaque any, access AccessType, clientID, username string, message *WillMessage) (AuthResult, error)
	ExtendedAuth(opaque any, clientID string, stage AuthStage, method string, data []byte, userProperties map[string]string) (returnData []byte, username string, result AuthResult, err error)
}

// SerializeMode selects one of the two process-wide serialization modes a
// thread-unsafe plugin may require.
type SerializeMode int

const (
	// SerializeNone performs no process-wide serialization; the plugin is
	// assumed thread-safe once per-thread memory is separated.
	SerializeNone SerializeMode = iota
	// SerializeInit holds a process-wide mutex across Init/Deinit only.
	SerializeInit
	// SerializeAuthChecks holds a process-wide mutex across every
	// login/acl call, disabling cross-worker parallelism for the plugin;
	// documented as last-resort.
	SerializeAuthChecks
)

// process-wide mutexes shared by every AuthPluginBinding using
// SerializeInit/SerializeAuthChecks, whichever plugin instance it binds.
var (
	globalInitMu sync.Mutex
	globalAuthMu sync.Mutex
)

// AuthPluginBinding owns one worker's thread-bound interaction with an
// AuthPlugin: it allocates per-thread plugin memory exactly once at
// startup and deallocates it exactly once at shutdown, drives Init/Deinit
// around config reloads, and routes every login/ACL/extended-auth/periodic
// call through the plugin on the owning worker thread.
//
// A catrate.Limiter gates login_check ahead of the plugin call: a client
// that makes too many login attempts in a short window is denied with
// AuthResultLoginDenied without the plugin ever running, independent of
// whatever throttling the plugin itself implements. Every attempt counts
// against the limit, whether or not the plugin accepted it.
type AuthPluginBinding struct {
	plugin  AuthPlugin
	opaque  any
	mode    SerializeMode
	options map[string]string

	loginLimiter *catrate.Limiter

	log *brokerLogger
}

// NewAuthPluginBinding allocates per-thread plugin memory and runs the
// initial Init(reloading=false). loginRates configures the login-attempt
// limiter categorized by client-id then username; a nil or empty map
// disables rate limiting.
func NewAuthPluginBinding(plugin AuthPlugin, options map[string]string, mode SerializeMode, loginRates map[time.Duration]int, log *brokerLogger) (*AuthPluginBinding, error) {
	if plugin.PluginVersion() != PluginVersion {
		return nil, ErrPluginVersionMismatch
	}

	b := &AuthPluginBinding{
		plugin:  plugin,
		mode:    mode,
		options: options,
		log:     log,
	}
	if len(loginRates) > 0 {
		b.loginLimiter = catrate.NewLimiter(loginRates)
	}

	if mode == SerializeInit {
		globalInitMu.Lock()
		defer globalInitMu.Unlock()
	}

	opaque, err := plugin.AllocateThreadMemory(options)
	if err != nil {
		return nil, WrapError("auth plugin thread memory allocation failed", err)
	}
	b.opaque = opaque

	if err := plugin.Init(opaque, options, false); err != nil {
		_ = plugin.DeallocateThreadMemory(opaque, options)
		return nil, &PluginError{Plugin: "auth", Call: "Init", Cause: err}
	}
	return b, nil
}

// Options returns the options the binding was last initialized with.
func (b *AuthPluginBinding) Options() map[string]string { return b.options }

// Reload runs Deinit(reloading=true) then Init(reloading=true) without
// re-allocating thread memory.
func (b *AuthPluginBinding) Reload(options map[string]string) error {
	if b.mode == SerializeInit {
		globalInitMu.Lock()
		defer globalInitMu.Unlock()
	}

	if err := b.plugin.Deinit(b.opaque, b.options, true); err != nil {
		return &PluginError{Plugin: "auth", Call: "Deinit", Cause: err}
	}
	b.options = options
	if err := b.plugin.Init(b.opaque, options, true); err != nil {
		return &PluginError{Plugin: "auth", Call: "Init", Cause: err}
	}
	return nil
}

// Close runs Deinit then deallocates thread memory exactly once, matched
// even on a fatal loop exit.
func (b *AuthPluginBinding) Close() error {
	if b.mode == SerializeInit {
		globalInitMu.Lock()
		defer globalInitMu.Unlock()
	}
	deinitErr := b.plugin.Deinit(b.opaque, b.options, false)
	deallocErr := b.plugin.DeallocateThreadMemory(b.opaque, b.options)
	if deinitErr != nil {
		return &PluginError{Plugin: "auth", Call: "Deinit", Cause: deinitErr}
	}
	if deallocErr != nil {
		return &PluginError{Plugin: "auth", Call: "DeallocateThreadMemory", Cause: deallocErr}
	}
	return nil
}

// PeriodicEvent runs the plugin's periodic tick.
func (b *AuthPluginBinding) PeriodicEvent() error {
	if err := b.plugin.PeriodicEvent(b.opaque); err != nil {
		return &PluginError{Plugin: "auth", Call: "PeriodicEvent", Cause: err}
	}
	return nil
}

// LoginCheck rate-limits then delegates to the plugin's login_check. Any
// plugin failure (panic or error) is converted to AuthResultError and
// logged at error severity.
func (b *AuthPluginBinding) LoginCheck(clientID, username, password string, userProperties map[string]string) (result AuthResult, err error) {
	if b.loginLimiter != nil {
		category := clientID + "\x00" + username
		if _, ok := b.loginLimiter.Allow(category); !ok {
			return AuthResultLoginDenied, ErrLoginRateLimited
		}
	}

	if b.mode == SerializeAuthChecks {
		globalAuthMu.Lock()
		defer globalAuthMu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			result = AuthResultError
			err = &PluginError{Plugin: "auth", Call: "LoginCheck", Cause: panicToError(r)}
		}
		if err != nil && b.log != nil {
			b.log.Err().Err(err).Log("auth plugin login check failed")
		}
	}()

	res, callErr := b.plugin.LoginCheck(b.opaque, username, password, userProperties)
	if callErr != nil {
		return AuthResultError, &PluginError{Plugin: "auth", Call: "LoginCheck", Cause: callErr}
	}
	return res, nil
}

// AclCheck delegates to the plugin's acl_check with the same error-mapping
// policy as LoginCheck.
func (b *AuthPluginBinding) AclCheck(access AccessType, clientID, username string, message *WillMessage) (result AuthResult, err error) {
	if b.mode == SerializeAuthChecks {
		globalAuthMu.Lock()
		defer globalAuthMu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			result = AuthResultError
			err = &PluginError{Plugin: "auth", Call: "AclCheck", Cause: panicToError(r)}
		}
		if err != nil && b.log != nil {
			b.log.Err().Err(err).Log("auth plugin acl check failed")
		}
	}()

	res, callErr := b.plugin.AclCheck(b.opaque, access, clientID, username, message)
	if callErr != nil {
		return AuthResultError, &PluginError{Plugin: "auth", Call: "AclCheck", Cause: callErr}
	}
	return res, nil
}

// ExtendedAuth delegates to the plugin's extended_auth. AuthResultAuthContinue
// is only meaningful for this call, during a handshake; callers invoking
// LoginCheck/AclCheck and receiving AuthContinue should treat it as a
// protocol error (ErrAuthContinueNotExpected).
func (b *AuthPluginBinding) ExtendedAuth(clientID string, stage AuthStage, method string, data []byte, userProperties map[string]string) (returnData []byte, username string, result AuthResult, err error) {
	if b.mode == SerializeAuthChecks {
		globalAuthMu.Lock()
		defer globalAuthMu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			result = AuthResultError
			err = &PluginError{Plugin: "auth", Call: "ExtendedAuth", Cause: panicToError(r)}
		}
	}()

	rd, un, res, callErr := b.plugin.ExtendedAuth(b.opaque, clientID, stage, method, data, userProperties)
	if callErr != nil {
		return nil, "", AuthResultError, &PluginError{Plugin: "auth", Call: "ExtendedAuth", Cause: callErr}
	}
	return rd, un, res, nil
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return WrapError("auth plugin panicked", &recoveredPanic{value: r})
}

type recoveredPanic struct{ value any }

func (p *recoveredPanic) Error() string { return "recovered panic" }
