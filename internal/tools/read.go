package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/security"
)

const (
	readDefaultLimit = 50
	readMaxLimit     = 200
)

// ReadTool 读取工作区文件（如后台命令的日志）
// ReadTool reads workspace files, e.g. a background command's log
type ReadTool struct {
	ws *security.Workspace
}

func NewReadTool(ws *security.Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Name() string {
	return ReadToolName
}

func (t *ReadTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read lines of a workspace file. A negative offset reads the last limit lines.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   map[string]any{"type": "string"},
					"offset": map[string]any{"type": "integer", "description": "1-based first line; negative for tail"},
					"limit":  map[string]any{"type": "integer", "description": "max lines, default 50, capped at 200"},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: read_file args: %v", chat.ErrValidation, err)
	}
	if in.Limit <= 0 {
		in.Limit = readDefaultLimit
	}
	in.Limit = min(in.Limit, readMaxLimit)
	tail := in.Offset < 0
	if in.Offset == 0 {
		in.Offset = 1
	}

	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	var (
		lines []string
		total int
		first int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		total++
		switch {
		case tail:
			if len(lines) == in.Limit {
				lines = lines[1:]
			}
			lines = append(lines, scanner.Text())
		case total >= in.Offset && len(lines) < in.Limit:
			if first == 0 {
				first = total
			}
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	last := 0
	hasMore := false
	if tail {
		last = total
		if len(lines) > 0 {
			first = total - len(lines) + 1
		}
		hasMore = first > 1
	} else if first > 0 {
		last = first + len(lines) - 1
		hasMore = total > last
	}

	return encodeResult(map[string]any{
		"ok":         true,
		"path":       path,
		"content":    strings.Join(lines, "\n"),
		"start_line": first,
		"end_line":   last,
		"has_more":   hasMore,
	}), nil
}
