package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/security"
)

// Tool names referenced by mode profiles. Background runs of the terminal
// tool are tracked as processes.
const (
	TerminalToolName   = "run_terminal_cmd"
	ReadToolName       = "read_file"
	TodoReadToolName   = "todo_read"
	ListDirToolName    = "list_dir"
	FileSearchToolName = "file_search"
	GrepToolName       = "grep_search"
)

// TerminalTool 在工作区内运行 shell 命令；后台命令返回 pid
// TerminalTool runs shell commands in the workspace; background runs report their pid
type TerminalTool struct {
	ws          *security.Workspace
	timeout     time.Duration
	outputLimit int
	logDir      string
}

// NewTerminalTool creates the tool. Background output goes to files under
// logDir (the system temp dir when empty).
func NewTerminalTool(ws *security.Workspace, timeoutMS, outputLimitBytes int, logDir string) *TerminalTool {
	if timeoutMS <= 0 {
		timeoutMS = 120000
	}
	return &TerminalTool{
		ws:          ws,
		timeout:     time.Duration(timeoutMS) * time.Millisecond,
		outputLimit: outputLimitBytes,
		logDir:      logDir,
	}
}

func (t *TerminalTool) Name() string {
	return TerminalToolName
}

func (t *TerminalTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Run a shell command in the workspace. Set is_background for servers and watchers; the result then carries the pid.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":       map[string]any{"type": "string"},
					"is_background": map[string]any{"type": "boolean"},
				},
				"required": []string{"command"},
			},
		},
	}
}

type terminalArgs struct {
	Command      string `json:"command"`
	IsBackground bool   `json:"is_background"`
}

func (t *TerminalTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in terminalArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %s args: %v", chat.ErrValidation, t.Name(), err)
	}
	in.Command = strings.TrimSpace(in.Command)
	if err := security.CheckCommand(in.Command); err != nil {
		return "", err
	}
	if in.IsBackground {
		return t.startBackground(in.Command)
	}
	return t.runForeground(ctx, in.Command)
}

func (t *TerminalTool) runForeground(ctx context.Context, command string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.ws.Root()
	stdout := newCappedBuffer(t.outputLimit)
	stderr := newCappedBuffer(t.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			exitCode = ee.ExitCode()
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			exitCode = 124
		default:
			return "", fmt.Errorf("run command: %w", err)
		}
	}

	return encodeResult(map[string]any{
		"ok":          exitCode == 0,
		"command":     command,
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.truncated || stderr.truncated,
		"duration_ms": elapsed.Milliseconds(),
	}), nil
}

// startBackground detaches command into its own process group so a later
// kill can take down its children too.
func (t *TerminalTool) startBackground(command string) (string, error) {
	logFile, err := os.CreateTemp(t.logDir, "chatsync-bg-*.log")
	if err != nil {
		return "", fmt.Errorf("create background log: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = t.ws.Root()
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return "", fmt.Errorf("start background command: %w", err)
	}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	return encodeResult(map[string]any{
		"ok":         true,
		"command":    command,
		"background": true,
		"pid":        cmd.Process.Pid,
		"log":        logFile.Name(),
	}), nil
}

type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = 1 << 20
	}
	return &cappedBuffer{max: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	remain := b.max - b.buf.Len()
	if len(p) > remain {
		b.buf.Write(p[:max(remain, 0)])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if !b.truncated {
		return b.buf.String()
	}
	return b.buf.String() + "\n[output truncated]"
}
