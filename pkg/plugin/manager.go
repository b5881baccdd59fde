package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// Factory constructs a fresh built-in plugin instance.
type Factory func() CompletionPlugin

// Manager keeps registered plugins in registration order.
type Manager struct {
	mu        sync.RWMutex
	order     []*instance
	byID      map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	builtins  map[string]Factory
	defaults  IsolationPolicy
}

type instance struct {
	Plugin CompletionPlugin
	Info   Info
	Config map[string]any
	Policy IsolationPolicy
	Source string
}

// NewManager constructs a manager and registers every enabled plugin of cfg in order.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		byID:      make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: CapabilityStrategy{},
		builtins:  DefaultBuiltins(),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p CompletionPlugin, cfg map[string]any, policy IsolationPolicy) error {
	return m.register(id, p, cfg, policy, "manual")
}

func (m *Manager) register(id string, p CompletionPlugin, cfg map[string]any, policy IsolationPolicy, source string) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id && source != "builtin" {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	info.ID = id
	inst := &instance{Plugin: p, Info: info, Config: cfg, Policy: policy, Source: source}
	m.byID[id] = inst
	m.order = append(m.order, inst)
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.register(id, p, cfg, policy, path)
}

// Plugins returns the registered plugins in registration order.
func (m *Manager) Plugins() []CompletionPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CompletionPlugin, 0, len(m.order))
	for _, inst := range m.order {
		out = append(out, inst.Plugin)
	}
	return out
}

// Infos returns the metadata of every registered plugin in registration order.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, inst := range m.order {
		out = append(out, inst.Info)
	}
	return out
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for _, pluginCfg := range cfg.Plugins {
		if !pluginCfg.Enabled {
			continue
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if pluginCfg.Builtin != "" {
			factory, ok := m.builtins[pluginCfg.Builtin]
			if !ok {
				return fmt.Errorf("plugin %s: unknown builtin %q", pluginCfg.ID, pluginCfg.Builtin)
			}
			if err := m.register(pluginCfg.ID, factory(), cloneConfig(pluginCfg.Config), policy, "builtin"); err != nil {
				return err
			}
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		if err := m.Load(pluginCfg.ID, path, cloneConfig(pluginCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
