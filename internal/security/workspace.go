package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// Workspace 工具可访问的目录根
// Workspace is the directory tree tools may read and run in
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps path (relative to the root, or absolute) to a resolved path and
// rejects anything that escapes the root, symlinks included.
func (w *Workspace) Resolve(path string) (string, error) {
	target := strings.TrimSpace(path)
	switch {
	case target == "":
		target = w.root
	case !filepath.IsAbs(target):
		target = filepath.Join(w.root, target)
	}

	resolved, err := realPath(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, resolved)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return resolved, nil
}

// realPath resolves symlinks; for a path that does not exist yet only its
// parent is resolved.
func realPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolve symlink: %w", err)
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		parent = filepath.Dir(path)
	default:
		return "", fmt.Errorf("resolve parent symlink: %w", err)
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}
