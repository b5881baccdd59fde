package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes which plugins are enabled and in what order.
type ManagerConfig struct {
	PluginDir string          `yaml:"pluginDir"`
	Defaults  IsolationPolicy `yaml:"defaults"`
	Plugins   []PluginConfig  `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
// Exactly one of Builtin and Path selects the implementation.
type PluginConfig struct {
	ID      string           `yaml:"id"`
	Enabled bool             `yaml:"enabled"`
	Builtin string           `yaml:"builtin"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs the security restrictions enforced for a plugin.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// LoadManagerConfig reads a YAML manifest into a ManagerConfig.
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
	return cfg, cfg.Validate()
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Plugins))
	for _, plugin := range c.Plugins {
		if plugin.ID == "" {
			return errors.New("plugin id cannot be empty")
		}
		if _, dup := seen[plugin.ID]; dup {
			return fmt.Errorf("plugin %s declared twice", plugin.ID)
		}
		seen[plugin.ID] = struct{}{}
		if !plugin.Enabled {
			continue
		}
		if (plugin.Builtin == "") == (plugin.Path == "") {
			return fmt.Errorf("plugin %s must set exactly one of builtin or path", plugin.ID)
		}
	}
	return nil
}
