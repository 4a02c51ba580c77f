package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	xerrors "OperatorHub/internal/errors"
	"OperatorHub/pkg/logger"
)

var (
	// ErrMissingName is returned when a registration has no name.
	ErrMissingName = errors.New("registration name is required")
	// ErrMissingType is returned when a registration has no (or an unknown) type.
	ErrMissingType = errors.New("registration type is required")
	// ErrMissingComponent is returned when a registration has no component.
	ErrMissingComponent = errors.New("registration component is required")
)

// Registry stores plugin components keyed by unique name. A host creates one
// registry at startup and passes it to every consumer.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Registration
	scripts map[string]struct{}
	log     *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registration),
		scripts: make(map[string]struct{}),
		log:     logger.Named("plugin.registry"),
	}
}

// Register adds or replaces a component registration. Missing required fields
// are a programming error and are returned; a duplicate name or the deprecated
// Plot type only produce a warning.
func (r *Registry) Register(reg Registration) error {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return xerrors.Wrap(xerrors.CodeRegistrationInvalid, ErrMissingName, "invalid component registration")
	}
	if reg.Type == "" || !reg.Type.Valid() {
		return xerrors.Wrap(xerrors.CodeRegistrationInvalid, ErrMissingType, fmt.Sprintf("type %q for %s", reg.Type, reg.Name))
	}
	if reg.Component == nil {
		return xerrors.Wrap(xerrors.CodeRegistrationInvalid, ErrMissingComponent, reg.Name)
	}
	if reg.Activator == nil {
		reg.Activator = AlwaysActive
	}
	if reg.Type == TypePlot {
		r.log.Warn("Plot components are deprecated, register a Panel instead", slog.String("plugin", reg.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Name]; exists {
		r.log.Warn("component already registered, overwriting", slog.String("plugin", reg.Name))
	} else {
		r.order = append(r.order, reg.Name)
	}
	r.entries[reg.Name] = reg
	return nil
}

// MustRegister is Register that panics on invalid registrations.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Unregister removes a component and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a registration by name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// GetByType returns every registration of type t in registration order.
// Activators are not applied.
func (r *Registry) GetByType(t Type) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		if reg := r.entries[name]; reg.Type == t {
			out = append(out, reg)
		}
	}
	return out
}

// Active returns the registrations of type t whose activator accepts ctx.
// Activators run outside the registry lock.
func (r *Registry) Active(t Type, ctx ActivationContext) []Registration {
	candidates := r.GetByType(t)
	out := candidates[:0]
	for _, reg := range candidates {
		if reg.Active(ctx) {
			out = append(out, reg)
		}
	}
	return out
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// HasScript reports whether the bundle of the named plugin was already loaded.
func (r *Registry) HasScript(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scripts[name]
	return ok
}

// RegisterScript records that the named plugin's bundle is loaded. It returns
// false if it had already been recorded.
func (r *Registry) RegisterScript(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[name]; ok {
		return false
	}
	r.scripts[name] = struct{}{}
	return true
}

// ReleaseScript forgets a recorded bundle so a later load may try again.
func (r *Registry) ReleaseScript(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scripts, name)
}
