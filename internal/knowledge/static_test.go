package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywordsAndTags(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "always"},
		{Title: "csv", Keywords: []string{"CSV"}},
		{Title: "tagged", Tags: []string{"report"}},
		{Title: "other", Keywords: []string{"image"}},
	}, 10)

	got := p.Query("Write a csv Report")
	if len(got) != 3 || got[0].Title != "always" || got[1].Title != "csv" || got[2].Title != "tagged" {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	p := NewStaticProvider([]Snippet{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}}, 0)
	if got := p.Query("x"); len(got) != 3 {
		t.Fatalf("expected default limit of 3, got %d", len(got))
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("x") != nil {
		t.Fatalf("nil provider should return nothing")
	}
}

func TestLoadStaticProviderFormats(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "hints.json")
	yamlPath := filepath.Join(dir, "hints.yaml")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"j","content":"json","keywords":["data"]}]`), 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := os.WriteFile(yamlPath, []byte("- title: y\n  content: yaml\n  tags: [data]\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	for path, want := range map[string]string{jsonPath: "json", yamlPath: "yaml"} {
		p, err := LoadStaticProvider(path, 1)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		got := p.Query("some data")
		if len(got) != 1 || got[0].Content != want {
			t.Fatalf("%s: unexpected snippets %+v", path, got)
		}
	}

	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
