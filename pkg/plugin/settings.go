package plugin

import (
	"context"
	"fmt"
	"sync"
)

// MergeSettings deep-merges settings layers in increasing priority. Nested maps
// are merged key by key; any other value at a higher layer replaces the lower
// one. Inputs are never modified.
func MergeSettings(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := asMap(value)
		if !srcIsMap {
			dst[key] = value
			continue
		}
		dstMap, dstIsMap := asMap(dst[key])
		if !dstIsMap {
			dstMap = map[string]any{}
		} else {
			dstMap = copyMap(dstMap)
		}
		mergeInto(dstMap, srcMap)
		dst[key] = dstMap
	}
}

// asMap accepts both JSON-style and YAML-style decoded maps.
func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		converted := make(map[string]any, len(v))
		for k, val := range v {
			converted[fmt.Sprint(k)] = val
		}
		return converted, true
	default:
		return nil, false
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SettingsSource supplies the host-global and per-dataset settings layers.
type SettingsSource interface {
	GlobalSettings(ctx context.Context, plugin string) (map[string]any, error)
	DatasetSettings(ctx context.Context, dataset, plugin string) (map[string]any, error)
}

// SettingsResolver resolves effective plugin settings from a source.
type SettingsResolver struct {
	source SettingsSource
}

// NewSettingsResolver returns a resolver reading layers from source.
func NewSettingsResolver(source SettingsSource) *SettingsResolver {
	return &SettingsResolver{source: source}
}

// Resolve merges defaults, then global settings, then dataset settings.
func (r *SettingsResolver) Resolve(ctx context.Context, plugin, dataset string, defaults map[string]any) (map[string]any, error) {
	if r == nil || r.source == nil {
		return MergeSettings(defaults), nil
	}
	global, err := r.source.GlobalSettings(ctx, plugin)
	if err != nil {
		return nil, fmt.Errorf("load global settings for %s: %w", plugin, err)
	}
	var scoped map[string]any
	if dataset != "" {
		scoped, err = r.source.DatasetSettings(ctx, dataset, plugin)
		if err != nil {
			return nil, fmt.Errorf("load dataset settings for %s/%s: %w", dataset, plugin, err)
		}
	}
	return MergeSettings(defaults, global, scoped), nil
}

// MemorySettings is an in-memory SettingsSource.
type MemorySettings struct {
	mu      sync.RWMutex
	global  map[string]map[string]any
	dataset map[string]map[string]map[string]any
}

// NewMemorySettings creates an empty in-memory source.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{
		global:  make(map[string]map[string]any),
		dataset: make(map[string]map[string]map[string]any),
	}
}

// SetGlobal stores the host-global layer for a plugin.
func (m *MemorySettings) SetGlobal(plugin string, settings map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[plugin] = copyMap(settings)
}

// SetDataset stores the dataset layer for a plugin.
func (m *MemorySettings) SetDataset(dataset, plugin string, settings map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dataset[dataset] == nil {
		m.dataset[dataset] = make(map[string]map[string]any)
	}
	m.dataset[dataset][plugin] = copyMap(settings)
}

// GlobalSettings implements SettingsSource.
func (m *MemorySettings) GlobalSettings(_ context.Context, plugin string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global[plugin], nil
}

// DatasetSettings implements SettingsSource.
func (m *MemorySettings) DatasetSettings(_ context.Context, dataset, plugin string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dataset[dataset][plugin], nil
}
