package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/logger"
)

// Manager fetches plugin metadata and loads each plugin's bundle at most once.
type Manager struct {
	registry *Registry
	fetcher  MetadataFetcher
	scripts  ScriptLoader
	log      *slog.Logger

	mu          sync.RWMutex
	order       []string
	definitions map[string]Definition
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithScriptLoader overrides the default bundle loader.
func WithScriptLoader(loader ScriptLoader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.scripts = loader
		}
	}
}

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager constructs a manager bound to registry and fetcher.
func NewManager(registry *Registry, fetcher MetadataFetcher, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("plugin registry cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("metadata fetcher cannot be nil")
	}
	m := &Manager{
		registry:    registry,
		fetcher:     fetcher,
		log:         logger.Named("plugin.manager"),
		definitions: make(map[string]Definition),
	}
	m.scripts = GoPluginLoader{Registry: registry}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoadReport summarises one LoadPlugins cycle.
type LoadReport struct {
	Loaded  []string
	Skipped []string
	Failed  map[string]error
}

// LoadPlugins fetches metadata and loads every bundle not yet loaded. A fetch
// failure aborts the cycle; a bundle failure is recorded and the remaining
// plugins still load.
func (m *Manager) LoadPlugins(ctx context.Context) (LoadReport, error) {
	report := LoadReport{Failed: map[string]error{}}
	defs, err := m.fetcher.FetchPlugins(ctx)
	if err != nil {
		return report, err
	}

	m.mu.Lock()
	m.order = m.order[:0]
	m.definitions = make(map[string]Definition, len(defs))
	for _, def := range defs {
		if _, seen := m.definitions[def.Name]; !seen {
			m.order = append(m.order, def.Name)
		}
		m.definitions[def.Name] = def
	}
	m.mu.Unlock()

	for _, def := range defs {
		if !def.HasJS {
			continue
		}
		// Reserve the name first so concurrent cycles never load one bundle twice.
		if !m.registry.RegisterScript(def.Name) {
			m.log.Debug("plugin bundle already loaded", slog.String("plugin", def.Name))
			report.Skipped = append(report.Skipped, def.Name)
			continue
		}
		if err := m.loadOne(ctx, def); err != nil {
			m.registry.ReleaseScript(def.Name)
			m.log.Error("plugin bundle failed to load", slog.String("plugin", def.Name), slog.Any("error", err))
			report.Failed[def.Name] = err
			continue
		}
		logger.Audit().Info("plugin bundle loaded", slog.String("plugin", def.Name), slog.String("version", def.Version))
		report.Loaded = append(report.Loaded, def.Name)
	}
	return report, nil
}

func (m *Manager) loadOne(ctx context.Context, def Definition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeScriptLoadFailed, fmt.Sprintf("plugin %s panicked while loading: %v", def.Name, r))
		}
	}()
	if err := m.scripts.LoadScript(ctx, def); err != nil {
		return xerrors.Wrap(xerrors.CodeScriptLoadFailed, err, "load bundle of "+def.Name)
	}
	return nil
}

// Definitions returns the definitions of the last fetch in fetch order.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Definition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.definitions[name])
	}
	return out
}

// Definition returns one definition by name.
func (m *Manager) Definition(name string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[name]
	return def, ok
}
