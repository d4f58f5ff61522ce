package session

import (
	"context"
	"log/slog"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/contextmgr"
	"chatsync/internal/process"
	"chatsync/internal/queue"
	"chatsync/internal/storage"
	"chatsync/internal/stream"
	"chatsync/internal/tools"
)

// Toast keys raised by the session itself.
const (
	KeyRateLimited    = "toast.rate_limited"
	KeyTokenLimit     = "toast.token_limit"
	KeyQueueAgentOnly = "toast.queue_agent_only"
	KeyNetwork        = "toast.network"
	KeyKillFailed     = "toast.kill_failed"
)

// Transport is the streaming transport plus its event hook.
type Transport interface {
	stream.Transport
	SetHandler(h stream.Handler)
}

// ProcessTracker is the subset of *process.Tracker the session drives.
type ProcessTracker interface {
	Register(pid int, command string) error
	Kill(ctx context.Context, pid int) error
	Snapshot() []process.TrackedProcess
	Subscribe(fn func([]process.TrackedProcess))
	Clear()
	Close()
}

// Options 构建 Session 的依赖与参数
// Options holds the Session's collaborators and settings
type Options struct {
	Store      storage.Store
	Transport  Transport
	Registry   *tools.Registry
	Tracker    ProcessTracker
	Tokenizer  *contextmgr.Tokenizer
	Modes      []config.ModeDefinition
	Mode       chat.Mode
	Model      string
	PageSize   int
	TokenLimit int
	AutoResume bool
	Logger     *slog.Logger
}

// Snapshot 渲染所需的完整应用状态
// Snapshot is the full application state a front-end renders
type Snapshot struct {
	ChatID     string
	Mode       chat.Mode
	Model      string
	Messages   []chat.Message
	Streaming  bool
	HasMore    bool
	Queue      []queue.QueuedMessage
	Todos      []chat.Todo
	Processes  []process.TrackedProcess
	Tokens     int
	TokenLimit int
}
