//go:build linux

package corebroker

import (
	"fmt"
	"plugin"
)

// Exported symbol names an AuthPlugin shared object must provide. The core
// looks these up by name via the standard library's plugin package, a
// dlopen/dlsym-backed dynamic-library boundary.
const (
	authPluginConstructorSymbol = "NewAuthPlugin"
)

// AuthPluginConstructor is the function signature a loaded plugin's
// NewAuthPlugin symbol must have.
type AuthPluginConstructor func() (AuthPlugin, error)

// LoadAuthPlugin dlopen(3)s the shared object at path and resolves its
// NewAuthPlugin symbol, matching the exact version check AuthPluginBinding
// performs again on the returned value (belt and braces: a mismatched
// PluginVersion is rejected here before any per-thread memory is ever
// allocated, and again inside NewAuthPluginBinding for every worker that
// subsequently loads this same path).
func LoadAuthPlugin(path string) (AuthPlugin, error) {
	lib, err := plugin.Open(path)
	if err != nil {
		return nil, &FatalError{Component: "auth-plugin-loader", Cause: fmt.Errorf("open %s: %w", path, err)}
	}

	sym, err := lib.Lookup(authPluginConstructorSymbol)
	if err != nil {
		return nil, &FatalError{Component: "auth-plugin-loader", Cause: fmt.Errorf("%s: symbol %s: %w", path, authPluginConstructorSymbol, err)}
	}

	ctor, ok := sym.(func() (AuthPlugin, error))
	if !ok {
		return nil, &FatalError{Component: "auth-plugin-loader", Cause: fmt.Errorf("%s: symbol %s has wrong type %T", path, authPluginConstructorSymbol, sym)}
	}

	p, err := ctor()
	if err != nil {
		return nil, &FatalError{Component: "auth-plugin-loader", Cause: fmt.Errorf("%s: constructor failed: %w", path, err)}
	}
	if p.PluginVersion() != PluginVersion {
		return nil, ErrPluginVersionMismatch
	}
	return p, nil
}
