package plugin

import (
	"context"

	"AgentForge/internal/llm"
)

// CompletionPlugin can intercept completion requests and rewrite responses.
type CompletionPlugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Configure allows the plugin to inspect its configuration block before use.
	Configure(cfg map[string]any) error
	// CanHandle reports whether Handle should answer req instead of the provider.
	CanHandle(req llm.Request) bool
	// Handle answers a request the plugin claimed through CanHandle.
	Handle(ctx context.Context, req llm.Request) (*llm.Response, error)
	// CanHandleResponse reports whether OnResponse should run.
	CanHandleResponse() bool
	// OnResponse rewrites the content of a completion.
	OnResponse(content string) string
}

// Base provides no-op defaults so plugins only implement the hooks they need.
type Base struct{}

// Configure implements CompletionPlugin.
func (Base) Configure(map[string]any) error { return nil }

// CanHandle implements CompletionPlugin.
func (Base) CanHandle(llm.Request) bool { return false }

// Handle implements CompletionPlugin.
func (Base) Handle(context.Context, llm.Request) (*llm.Response, error) { return nil, nil }

// CanHandleResponse implements CompletionPlugin.
func (Base) CanHandleResponse() bool { return false }

// OnResponse implements CompletionPlugin.
func (Base) OnResponse(content string) string { return content }

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithBuiltin makes an additional built-in factory available to the manifest.
func WithBuiltin(name string, factory Factory) Option {
	return func(m *Manager) {
		if name == "" || factory == nil {
			return
		}
		m.builtins[name] = factory
	}
}
