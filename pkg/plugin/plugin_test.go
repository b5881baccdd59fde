package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"AgentForge/internal/llm"
	"github.com/google/go-cmp/cmp"
)

type stubPlugin struct {
	Base
	id       string
	caps     []Capability
	handles  bool
	reply    string
	suffix   string
	handled  int
	configed map[string]any
}

func (s *stubPlugin) Info() Info { return Info{ID: s.id, Capabilities: s.caps} }

func (s *stubPlugin) Configure(cfg map[string]any) error {
	s.configed = cfg
	return nil
}

func (s *stubPlugin) CanHandle(llm.Request) bool { return s.handles }

func (s *stubPlugin) Handle(context.Context, llm.Request) (*llm.Response, error) {
	s.handled++
	return &llm.Response{Content: s.reply}, nil
}

func (s *stubPlugin) CanHandleResponse() bool { return s.suffix != "" }

func (s *stubPlugin) OnResponse(content string) string { return content + s.suffix }

type stubLoader struct {
	plugins map[string]CompletionPlugin
}

func (l stubLoader) Load(path string) (CompletionPlugin, error) {
	p, ok := l.plugins[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}

func userRequest(msg string) llm.Request {
	return llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: msg}}}
}

func TestChainFirstHandlerWinsAndResponsesRunInOrder(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	first := &stubPlugin{id: "first", handles: false, suffix: "-a"}
	second := &stubPlugin{id: "second", handles: true, reply: "plugin", suffix: "-b"}
	third := &stubPlugin{id: "third", handles: true, reply: "unused"}
	for _, p := range []*stubPlugin{first, second, third} {
		if err := m.Register(p.id, p, nil, IsolationPolicy{}); err != nil {
			t.Fatalf("register %s: %v", p.id, err)
		}
	}

	providerCalls := 0
	provider := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		providerCalls++
		return &llm.Response{Content: "provider"}, nil
	})

	resp, err := NewChain(provider, m).Complete(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "plugin-a-b" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if providerCalls != 0 || second.handled != 1 || third.handled != 0 {
		t.Fatalf("unexpected dispatch: provider=%d second=%d third=%d", providerCalls, second.handled, third.handled)
	}
}

func TestChainFallsBackToProvider(t *testing.T) {
	provider := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "provider:" + llm.LastUserMessage(req)}, nil
	})
	resp, err := NewChain(provider, nil).Complete(context.Background(), userRequest("x"))
	if err != nil || resp.Content != "provider:x" {
		t.Fatalf("unexpected response %+v %v", resp, err)
	}

	failing := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("down")
	})
	if _, err := NewChain(failing, nil).Complete(context.Background(), userRequest("x")); err == nil {
		t.Fatalf("expected provider error to propagate")
	}
}

func TestManagerLoadsManifestInOrder(t *testing.T) {
	dir := t.TempDir()
	manifest := `
pluginDir: ` + dir + `
plugins:
  - id: greetings
    enabled: true
    builtin: canned
    config:
      responses:
        "hello": "hi there"
  - id: disabled
    enabled: false
    builtin: nope
  - id: secrets
    enabled: true
    builtin: redact
    config:
      secrets: ["sk-123"]
  - id: external
    enabled: true
    path: external.so
`
	path := filepath.Join(dir, "plugins.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	external := &stubPlugin{id: "external", suffix: "!"}
	m, err := NewManager(cfg, WithLoader(stubLoader{plugins: map[string]CompletionPlugin{
		filepath.Join(dir, "external.so"): external,
	}}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var ids []string
	for _, info := range m.Infos() {
		ids = append(ids, info.ID)
	}
	if diff := cmp.Diff([]string{"greetings", "secrets", "external"}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	provider := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "key is sk-123"}, nil
	})
	chain := NewChain(provider, m)

	resp, err := chain.Complete(context.Background(), userRequest("hello agent"))
	if err != nil || resp.Content != "hi there!" {
		t.Fatalf("unexpected canned response %+v %v", resp, err)
	}
	resp, err = chain.Complete(context.Background(), userRequest("something else"))
	if err != nil || resp.Content != "key is [REDACTED]!" {
		t.Fatalf("unexpected redacted response %+v %v", resp, err)
	}
}

func TestManagerRejectsInvalidConfigurations(t *testing.T) {
	cases := []ManagerConfig{
		{Plugins: []PluginConfig{{Enabled: true, Builtin: "redact"}}},
		{Plugins: []PluginConfig{{ID: "a", Enabled: true}}},
		{Plugins: []PluginConfig{{ID: "a", Enabled: true, Builtin: "redact", Path: "x.so"}}},
		{Plugins: []PluginConfig{{ID: "a", Builtin: "redact"}, {ID: "a", Builtin: "canned"}}},
		{Plugins: []PluginConfig{{ID: "a", Enabled: true, Builtin: "unknown"}}},
	}
	for i, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestManagerEnforcesCapabilities(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	net := &stubPlugin{id: "net", caps: []Capability{CapabilityNetwork}}
	if err := m.Register("net", net, nil, IsolationPolicy{}); err == nil || !strings.Contains(err.Error(), "isolation policy") {
		t.Fatalf("expected policy requirement, got %v", err)
	}
	if err := m.Register("net", net, nil, IsolationPolicy{DeniedCapabilities: []Capability{CapabilityNetwork}}); err == nil {
		t.Fatalf("expected denied capability error")
	}
	if err := m.Register("net", net, nil, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}); err != nil {
		t.Fatalf("expected allowed capability, got %v", err)
	}
	if err := m.Register("net", net, nil, IsolationPolicy{AllowedCapabilities: []Capability{CapabilityNetwork}}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := m.Register("other", &stubPlugin{id: "mismatch"}, nil, IsolationPolicy{}); err == nil {
		t.Fatalf("expected id mismatch error")
	}
}

func TestCannedPrefersLongestPrefix(t *testing.T) {
	c := &Canned{}
	if err := c.Configure(map[string]any{"responses": map[string]any{"hi": "short", "hi there": "long"}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	resp, err := c.Handle(context.Background(), userRequest("hi there friend"))
	if err != nil || resp.Content != "long" {
		t.Fatalf("unexpected response %+v %v", resp, err)
	}
	if c.CanHandle(userRequest("bye")) {
		t.Fatalf("unexpected match")
	}
	if err := c.Configure(map[string]any{"responses": []any{"x"}}); err == nil {
		t.Fatalf("expected type error")
	}
}

func TestRedactConfiguration(t *testing.T) {
	r := &Redact{}
	if err := r.Configure(map[string]any{}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if r.CanHandleResponse() {
		t.Fatalf("redact without secrets should be inactive")
	}
	if err := r.Configure(map[string]any{"secrets": []any{"a", "b"}, "mask": "***"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if got := r.OnResponse("a and b"); got != "*** and ***" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if err := r.Configure(map[string]any{"secrets": "oops"}); err == nil {
		t.Fatalf("expected type error")
	}
}
