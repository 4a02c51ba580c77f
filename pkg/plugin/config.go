package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes where plugins live and how they are configured by
// the host.
type ManagerConfig struct {
	PluginDir   string                  `yaml:"pluginDir"`
	HostVersion string                  `yaml:"hostVersion"`
	Plugins     map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the host configuration block for a single plugin.
type PluginConfig struct {
	Enabled  *bool                     `yaml:"enabled"`
	Settings map[string]any            `yaml:"settings"`
	Datasets map[string]map[string]any `yaml:"datasets"`
}

// IsEnabled reports whether the plugin is enabled. Plugins without a block or
// without an explicit flag are enabled.
func (c ManagerConfig) IsEnabled(name string) bool {
	pc, ok := c.Plugins[name]
	if !ok || pc.Enabled == nil {
		return true
	}
	return *pc.Enabled
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for name, pc := range c.Plugins {
		if name == "" {
			return errors.New("plugin name cannot be empty")
		}
		for dataset := range pc.Datasets {
			if dataset == "" {
				return fmt.Errorf("plugin %s has settings for an empty dataset name", name)
			}
		}
	}
	if c.HostVersion != "" && !validVersion(c.HostVersion) {
		return fmt.Errorf("host version %q is not a semantic version", c.HostVersion)
	}
	return nil
}

// GlobalSettings implements SettingsSource from the YAML settings blocks.
func (c ManagerConfig) GlobalSettings(_ context.Context, plugin string) (map[string]any, error) {
	return c.Plugins[plugin].Settings, nil
}

// DatasetSettings implements SettingsSource from the YAML dataset blocks.
func (c ManagerConfig) DatasetSettings(_ context.Context, dataset, plugin string) (map[string]any, error) {
	return c.Plugins[plugin].Datasets[dataset], nil
}
