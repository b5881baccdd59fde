package plugin

import (
	"context"

	"AgentForge/internal/llm"
)

// Chain wraps a provider with the registered plugins.
//
// The first plugin whose CanHandle returns true answers the request and the
// provider is not called. Every plugin whose CanHandleResponse returns true
// then rewrites the content in registration order.
type Chain struct {
	provider llm.Client
	plugins  []CompletionPlugin
}

var _ llm.Client = (*Chain)(nil)

// NewChain builds a chain over provider. A nil manager yields a pass-through chain.
func NewChain(provider llm.Client, m *Manager) *Chain {
	var plugins []CompletionPlugin
	if m != nil {
		plugins = m.Plugins()
	}
	return &Chain{provider: provider, plugins: plugins}
}

// Complete implements llm.Client.
func (c *Chain) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.answer(ctx, req)
	if err != nil {
		return nil, err
	}
	content := resp.Content
	for _, p := range c.plugins {
		if !p.CanHandleResponse() {
			continue
		}
		content = p.OnResponse(content)
	}
	out := *resp
	out.Content = content
	return &out, nil
}

func (c *Chain) answer(ctx context.Context, req llm.Request) (*llm.Response, error) {
	for _, p := range c.plugins {
		if !p.CanHandle(req) {
			continue
		}
		resp, err := p.Handle(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &llm.Response{}
		}
		return resp, nil
	}
	return c.provider.Complete(ctx, req)
}
