package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "AgentForge/internal/errors"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	n, err := store.Put(ctx, "t1/a1/hello.txt", strings.NewReader("hello world"), -1)
	if err != nil || n != 11 {
		t.Fatalf("put: n=%d err=%v", n, err)
	}

	rc, err := store.Open(ctx, "t1/a1/hello.txt")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Fatalf("unexpected content %q", data)
	}

	info, err := store.Stat(ctx, "t1/a1/hello.txt")
	if err != nil || info.Size != 11 {
		t.Fatalf("stat: %+v %v", info, err)
	}

	entries, _ := os.ReadDir(filepath.Join(store.Root(), "t1", "a1"))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestLocalStoreMissingAndTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Open(ctx, "t1/none/x.txt"); !errors.Is(err, ErrContentMissing) || !xerrors.IsNotFound(err) {
		t.Fatalf("expected content missing, got %v", err)
	}
	if _, err := store.Stat(ctx, "t1/none/x.txt"); !errors.Is(err, ErrContentMissing) {
		t.Fatalf("expected content missing, got %v", err)
	}
	if _, err := store.Put(ctx, "../escape.txt", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if err := os.MkdirAll(filepath.Join(store.Root(), "dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := store.Open(ctx, "dir"); !errors.Is(err, ErrContentMissing) {
		t.Fatalf("directories are not artifacts, got %v", err)
	}
}

func TestLocalStorePutHonoursCancellation(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "t1/a1/x.bin", strings.NewReader("data"), 4); err == nil {
		t.Fatalf("expected cancelled put to fail")
	}
	if _, err := store.Stat(context.Background(), "t1/a1/x.bin"); !errors.Is(err, ErrContentMissing) {
		t.Fatalf("cancelled put must not leave content, got %v", err)
	}
}
