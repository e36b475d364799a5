package actionexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/pathctx"
)

func writeAgentFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
	return path
}

func TestFileResolver_ResolvesByBareName(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "greet", "---\nname: greet\nmodel: gpt-5\n---\n# Prompt\n## Instruction\nSay hi\n")

	r, err := NewFileResolver(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	def, err := r.Resolve(context.Background(), "greet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Name != "greet" || def.Model != "gpt-5" {
		t.Fatalf("unexpected def: %+v", def)
	}
}

func TestFileResolver_UnknownNameErrors(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileResolver(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing agent")
	}
}

func TestFileResolver_ResolvesPackReference(t *testing.T) {
	root := t.TempDir()
	packDir := t.TempDir()
	writeAgentFile(t, packDir, "child", "---\nname: child\n---\n")

	r, err := NewFileResolver(root, []pathctx.PackBase{{Namespace: "ns", Pack: "pack", Dir: packDir}}, nil)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	def, err := r.Resolve(context.Background(), "ns@pack/child")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Name != "child" {
		t.Fatalf("unexpected def: %+v", def)
	}
}

func TestFileResolver_RereadsEditedFileContent(t *testing.T) {
	dir := t.TempDir()
	path := writeAgentFile(t, dir, "greet", "---\nname: greet\nmodel: gpt-5\n---\n")

	r, err := NewFileResolver(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	if err := os.WriteFile(path, []byte("---\nname: greet\nmodel: gpt-6\n---\n"), 0o644); err != nil {
		t.Fatalf("rewrite agent file: %v", err)
	}
	def, err := r.Resolve(context.Background(), "greet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Model != "gpt-6" {
		t.Fatalf("expected re-read content, got model %q", def.Model)
	}
}

func TestFileResolver_WatchPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileResolver(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewFileResolver: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeAgentFile(t, dir, "late", "---\nname: late\n---\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Resolve(context.Background(), "late"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("resolver did not pick up new agent file via watch")
}
