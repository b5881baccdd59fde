package plugin

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"AgentForge/internal/llm"
)

// DefaultBuiltins returns the factories of the plugins shipped with the daemon.
func DefaultBuiltins() map[string]Factory {
	return map[string]Factory{
		"redact": func() CompletionPlugin { return &Redact{} },
		"canned": func() CompletionPlugin { return &Canned{} },
	}
}

// Redact masks configured secrets in every completion.
//
// Config: secrets ([]string), mask (string, default "[REDACTED]").
type Redact struct {
	Base
	secrets []string
	mask    string
}

// Info implements CompletionPlugin.
func (r *Redact) Info() Info {
	return Info{ID: "redact", Name: "Secret redaction", Category: TypeResponse, Version: "1.0.0",
		Description: "Masks configured secrets in completion output."}
}

// Configure implements CompletionPlugin.
func (r *Redact) Configure(cfg map[string]any) error {
	secrets, err := stringList(cfg["secrets"])
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	r.secrets = secrets
	r.mask = "[REDACTED]"
	if mask, ok := cfg["mask"].(string); ok && mask != "" {
		r.mask = mask
	}
	return nil
}

// CanHandleResponse implements CompletionPlugin.
func (r *Redact) CanHandleResponse() bool { return len(r.secrets) > 0 }

// OnResponse implements CompletionPlugin.
func (r *Redact) OnResponse(content string) string {
	for _, secret := range r.secrets {
		if secret == "" {
			continue
		}
		content = strings.ReplaceAll(content, secret, r.mask)
	}
	return content
}

// Canned answers prompts whose last user message starts with a configured
// prefix with a fixed reply.
//
// Config: responses (map prefix -> reply).
type Canned struct {
	Base
	prefixes []string
	replies  map[string]string
}

// Info implements CompletionPlugin.
func (c *Canned) Info() Info {
	return Info{ID: "canned", Name: "Canned replies", Category: TypeCompletion, Version: "1.0.0",
		Description: "Answers matching prompts without calling the provider."}
}

// Configure implements CompletionPlugin.
func (c *Canned) Configure(cfg map[string]any) error {
	c.replies = map[string]string{}
	c.prefixes = nil
	raw, ok := cfg["responses"]
	if !ok {
		return nil
	}
	responses, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("responses must be a mapping, got %T", raw)
	}
	for prefix, reply := range responses {
		text, ok := reply.(string)
		if !ok {
			return fmt.Errorf("reply for %q must be a string", prefix)
		}
		c.replies[prefix] = text
		c.prefixes = append(c.prefixes, prefix)
	}
	// Longer prefixes win.
	slices.SortFunc(c.prefixes, func(a, b string) int {
		if n := cmp.Compare(len(b), len(a)); n != 0 {
			return n
		}
		return strings.Compare(a, b)
	})
	return nil
}

// CanHandle implements CompletionPlugin.
func (c *Canned) CanHandle(req llm.Request) bool {
	_, ok := c.match(req)
	return ok
}

// Handle implements CompletionPlugin.
func (c *Canned) Handle(_ context.Context, req llm.Request) (*llm.Response, error) {
	prefix, _ := c.match(req)
	return &llm.Response{Content: c.replies[prefix], Model: "canned"}, nil
}

func (c *Canned) match(req llm.Request) (string, bool) {
	msg := strings.TrimSpace(llm.LastUserMessage(req))
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(msg, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", raw)
	}
}
