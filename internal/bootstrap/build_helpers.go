package bootstrap

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/relay"
	"chatsync/internal/security"
	"chatsync/internal/session"
	"chatsync/internal/stream"
	"chatsync/internal/tools"
)

func resolveWorkspaceRoot(cfg config.Config, workspaceRoot string) (string, error) {
	root := strings.TrimSpace(workspaceRoot)
	if root == "" {
		root = strings.TrimSpace(cfg.Tools.WorkspaceRoot)
	}
	if root == "" {
		return "", fmt.Errorf("workspace root is empty")
	}
	return root, nil
}

func buildToolRegistry(cfg config.Config, root string, todos tools.TodoSource) (*tools.Registry, *security.Workspace, error) {
	ws, err := security.NewWorkspace(root)
	if err != nil {
		return nil, nil, fmt.Errorf("init workspace: %w", err)
	}
	registry := tools.NewRegistry(
		tools.NewReadTool(ws),
		tools.NewListDirTool(ws),
		tools.NewFileSearchTool(ws),
		tools.NewGrepTool(ws),
		tools.NewTerminalTool(ws, cfg.Tools.CommandTimeoutMS, cfg.Tools.OutputLimitBytes, filepath.Join(cfg.Storage.BaseDir, "logs", "commands")),
		tools.NewTodoReadTool(todos),
		tools.NewTodoWriteTool(),
	)
	return registry, ws, nil
}

// buildResumer reattaches through the relay server when one is configured,
// otherwise through the in-process hub.
func buildResumer(cfg config.Config, hub *relay.Hub) stream.Resumer {
	if url := strings.TrimSpace(cfg.Server.URL); url != "" {
		return stream.NewResumeClient(url)
	}
	return stream.HubResumer{Hub: hub}
}

// todoSource reads the todo list of the session built after the registry.
type todoSource struct {
	sess atomic.Pointer[session.Session]
}

func (t *todoSource) bind(s *session.Session) { t.sess.Store(s) }

func (t *todoSource) Snapshot() []chat.Todo {
	s := t.sess.Load()
	if s == nil {
		return nil
	}
	return s.Snapshot().Todos
}
