package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRejectsParentEscape(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	_, err = ws.Resolve("../outside.txt")
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve err=%v, want ErrPathOutsideWorkspace", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	linkPath := filepath.Join(root, "escape")
	if err := os.Symlink(outside, linkPath); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	_, err = ws.Resolve("escape/file.txt")
	if !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("Resolve err=%v, want ErrPathOutsideWorkspace", err)
	}
}

func TestResolveKeepsInsidePath(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	got, err := ws.Resolve("logs/server.log")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(ws.Root(), "logs", "server.log"); got != want {
		t.Fatalf("Resolve=%q, want %q", got, want)
	}
	if got, _ := ws.Resolve(""); got != ws.Root() {
		t.Fatalf("Resolve(\"\")=%q, want root %q", got, ws.Root())
	}
}
