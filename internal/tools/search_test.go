//go:build !windows

package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chatsync/internal/chat"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestListDirSortsDirsFirst(t *testing.T) {
	ws := newWorkspace(t)
	writeFiles(t, ws.Root(), map[string]string{"b.txt": "b", "a.txt": "a", "sub/c.txt": "c"})

	out, err := NewListDirTool(ws).Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	items := decode(t, out)["items"].([]any)
	var names []string
	for _, it := range items {
		names = append(names, it.(map[string]any)["name"].(string))
	}
	want := []string{"sub", "a.txt", "b.txt"}
	if len(names) != len(want) {
		t.Fatalf("names=%v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names=%v, want %v", names, want)
		}
	}
}

func TestListDirRejectsEscape(t *testing.T) {
	ws := newWorkspace(t)
	if _, err := NewListDirTool(ws).Execute(context.Background(), []byte(`{"path":"../.."}`)); err == nil {
		t.Fatalf("listing outside the workspace should fail")
	}
}

func TestFileSearchByNameAndPath(t *testing.T) {
	ws := newWorkspace(t)
	writeFiles(t, ws.Root(), map[string]string{
		"main.go":              "package main",
		"internal/app/app.go":  "package app",
		"internal/app/app.md":  "# app",
		"node_modules/x/in.go": "ignored",
	})
	tool := NewFileSearchTool(ws)

	tests := []struct {
		pattern string
		want    int
	}{
		{"*.go", 2},
		{"internal/*/*.md", 1},
		{"*.rs", 0},
	}
	for _, tt := range tests {
		out, err := tool.Execute(context.Background(), []byte(`{"pattern":"`+tt.pattern+`"}`))
		if err != nil {
			t.Fatalf("Execute(%q): %v", tt.pattern, err)
		}
		if got := len(decode(t, out)["matches"].([]any)); got != tt.want {
			t.Fatalf("pattern %q matches=%d, want %d", tt.pattern, got, tt.want)
		}
	}

	if _, err := tool.Execute(context.Background(), []byte(`{"pattern":"/etc/*"}`)); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("absolute pattern err=%v, want ErrValidation", err)
	}
}

func TestGrepFindsLinesAndSkipsBinary(t *testing.T) {
	ws := newWorkspace(t)
	writeFiles(t, ws.Root(), map[string]string{
		"a.txt":     "alpha\nneedle one\nbeta",
		"sub/b.txt": "needle two",
		"bin.dat":   "needle\x00binary",
	})
	tool := NewGrepTool(ws)

	out, err := tool.Execute(context.Background(), []byte(`{"pattern":"needle"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := decode(t, out)
	matches := res["matches"].([]any)
	if len(matches) != 2 {
		t.Fatalf("matches=%v, want 2", matches)
	}
	first := matches[0].(map[string]any)
	if first["path"] != "a.txt" || first["line"].(float64) != 2 {
		t.Fatalf("first match=%v, want a.txt:2", first)
	}

	out, err = tool.Execute(context.Background(), []byte(`{"pattern":"needle","limit":1}`))
	if err != nil {
		t.Fatalf("Execute limit: %v", err)
	}
	if res := decode(t, out); len(res["matches"].([]any)) != 1 || res["truncated"] != true {
		t.Fatalf("limited result=%v", res)
	}

	if _, err := tool.Execute(context.Background(), []byte(`{"pattern":"("}`)); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("bad regexp err=%v, want ErrValidation", err)
	}
}
