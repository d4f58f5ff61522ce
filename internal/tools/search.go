package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/security"
)

const (
	searchDefaultLimit = 100
	searchMaxLimit     = 500
)

// skipDir reports directories the walkers never enter.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".venv", "__pycache__":
		return true
	}
	return false
}

var errLimitReached = errors.New("limit reached")

// ListDirTool 列出工作区目录
// ListDirTool lists a workspace directory
type ListDirTool struct {
	ws *security.Workspace
}

func NewListDirTool(ws *security.Workspace) *ListDirTool {
	return &ListDirTool{ws: ws}
}

func (t *ListDirTool) Name() string { return ListDirToolName }

func (t *ListDirTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "List the entries of a workspace directory",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "directory relative to the workspace, default ."},
				},
			},
		},
	}
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size_bytes"`
}

func (t *ListDirTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("%w: list_dir args: %v", chat.ErrValidation, err)
		}
	}
	if strings.TrimSpace(in.Path) == "" {
		in.Path = "."
	}
	dir, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list directory: %w", err)
	}

	items := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, dirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
	return encodeResult(map[string]any{
		"ok":    true,
		"path":  t.rel(dir),
		"items": items,
	}), nil
}

func (t *ListDirTool) rel(path string) string {
	rel, err := filepath.Rel(t.ws.Root(), path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// FileSearchTool finds workspace files whose relative path matches a glob.
type FileSearchTool struct {
	ws *security.Workspace
}

func NewFileSearchTool(ws *security.Workspace) *FileSearchTool {
	return &FileSearchTool{ws: ws}
}

func (t *FileSearchTool) Name() string { return FileSearchToolName }

func (t *FileSearchTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Find files by glob. A pattern without a slash matches file names anywhere in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"limit":   map[string]any{"type": "integer", "description": "max results, default 100"},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

func (t *FileSearchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: file_search args: %v", chat.ErrValidation, err)
	}
	pattern := filepath.ToSlash(strings.TrimSpace(in.Pattern))
	if pattern == "" || filepath.IsAbs(pattern) {
		return "", fmt.Errorf("%w: file_search needs a relative pattern", chat.ErrValidation)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("%w: bad pattern: %v", chat.ErrValidation, err)
	}
	limit := clampLimit(in.Limit)
	byName := !strings.Contains(pattern, "/")

	root := t.ws.Root()
	matches := make([]string, 0, 16)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		subject := rel
		if byName {
			subject = d.Name()
		}
		if ok, _ := filepath.Match(pattern, subject); ok {
			matches = append(matches, rel)
			if len(matches) >= limit {
				return errLimitReached
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return "", fmt.Errorf("walk files: %w", err)
	}
	return encodeResult(map[string]any{
		"ok":        true,
		"pattern":   pattern,
		"matches":   matches,
		"truncated": errors.Is(err, errLimitReached),
	}), nil
}

// GrepTool 在工作区内按正则搜索文本
// GrepTool searches workspace text files by regular expression
type GrepTool struct {
	ws *security.Workspace
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func NewGrepTool(ws *security.Workspace) *GrepTool {
	return &GrepTool{ws: ws}
}

func (t *GrepTool) Name() string { return GrepToolName }

func (t *GrepTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Search text files under a workspace path with a regular expression",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"limit":   map[string]any{"type": "integer", "description": "max matches, default 100"},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: grep_search args: %v", chat.ErrValidation, err)
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return "", fmt.Errorf("%w: grep_search pattern is empty", chat.ErrValidation)
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("%w: compile pattern: %v", chat.ErrValidation, err)
	}
	if in.Path == "" {
		in.Path = "."
	}
	start, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	limit := clampLimit(in.Limit)

	matches := make([]grepMatch, 0, 16)
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != start && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		return grepFile(path, t.ws.Root(), re, &matches, limit)
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return "", fmt.Errorf("walk files: %w", err)
	}
	return encodeResult(map[string]any{
		"ok":        true,
		"pattern":   in.Pattern,
		"matches":   matches,
		"truncated": errors.Is(err, errLimitReached),
	}), nil
}

// grepFile appends matching lines of a text file. Unreadable and binary
// files are skipped.
func grepFile(path, root string, re *regexp.Regexp, matches *[]grepMatch, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	head := make([]byte, 2048)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return nil
	}
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}

	rel, _ := filepath.Rel(root, path)
	rel = filepath.ToSlash(rel)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if text := scanner.Text(); re.MatchString(text) {
			*matches = append(*matches, grepMatch{Path: rel, Line: line, Text: truncateLine(text, 300)})
			if len(*matches) >= limit {
				return errLimitReached
			}
		}
	}
	return nil
}

func truncateLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func clampLimit(n int) int {
	if n <= 0 {
		return searchDefaultLimit
	}
	return min(n, searchMaxLimit)
}
