package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	goplugin "plugin"
)

// MetadataFetcher retrieves the definitions of the plugins a host may load.
type MetadataFetcher interface {
	FetchPlugins(ctx context.Context) ([]Definition, error)
}

// ScriptLoader loads the executable bundle of a plugin. Loading a bundle is
// expected to register the plugin's components and operators as a side effect.
type ScriptLoader interface {
	LoadScript(ctx context.Context, def Definition) error
}

// ScriptLoaderFunc adapts a function to ScriptLoader.
type ScriptLoaderFunc func(ctx context.Context, def Definition) error

// LoadScript implements ScriptLoader.
func (f ScriptLoaderFunc) LoadScript(ctx context.Context, def Definition) error {
	return f(ctx, def)
}

// RegisterFunc is the entry point a Go plugin bundle exports as `Register`.
type RegisterFunc func(*Registry) error

// GoPluginLoader loads bundles built with `go build -buildmode=plugin` and
// calls their exported Register symbol.
type GoPluginLoader struct {
	Registry *Registry
}

// OpenBundle opens the shared object named by def.JSBundle inside the plugin
// directory. Opening the same path twice returns the same handle.
func OpenBundle(def Definition) (*goplugin.Plugin, error) {
	if def.JSBundle == "" {
		return nil, errors.New("plugin bundle path cannot be empty")
	}
	return goplugin.Open(filepath.Join(def.Directory, def.JSBundle))
}

// LoadScript opens the bundle and runs its Register function.
func (l GoPluginLoader) LoadScript(_ context.Context, def Definition) error {
	if l.Registry == nil {
		return errors.New("plugin registry is not configured")
	}
	so, err := OpenBundle(def)
	if err != nil {
		return err
	}
	symbol, err := so.Lookup("Register")
	if err != nil {
		return err
	}
	var register RegisterFunc
	switch fn := symbol.(type) {
	case func(*Registry) error:
		register = fn
	case *RegisterFunc:
		if fn == nil || *fn == nil {
			return errors.New("plugin Register symbol is nil")
		}
		register = *fn
	case *func(*Registry) error:
		if fn == nil || *fn == nil {
			return errors.New("plugin Register symbol is nil")
		}
		register = *fn
	default:
		return fmt.Errorf("plugin %s: Register has unsupported type %T", def.Name, symbol)
	}
	return register(l.Registry)
}
