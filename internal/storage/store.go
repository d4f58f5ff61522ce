package storage

import (
	"context"

	"chatsync/internal/chat"
)

// Store 持久化接口；服务端视图的唯一权威来源
// Store is the durable store; the authoritative source of the server view
type Store interface {
	// Chat 操作 / Chat operations
	CreateChat(ctx context.Context, meta ChatMeta) error
	LoadChat(ctx context.Context, id string) (ChatMeta, error)
	ListChats(ctx context.Context) ([]ChatMeta, error)
	DeleteChat(ctx context.Context, id string) error

	// Message 操作 / Message operations
	GetMessagesPage(ctx context.Context, chatID, cursor string, pageSize int) (Page, error)
	AppendMessage(ctx context.Context, chatID string, msg chat.Message) error
	TruncateAfter(ctx context.Context, chatID, messageID, newText string) error
	DeleteLastAssistantMessage(ctx context.Context, chatID string) (string, error)

	// Todo 操作 / Todo operations
	ListTodos(ctx context.Context, chatID string) ([]chat.Todo, error)
	ReplaceTodos(ctx context.Context, chatID string, items []chat.Todo) error

	// 运行记录 / Run tokens
	SaveRun(ctx context.Context, run RunToken) error
	ActiveRun(ctx context.Context, chatID string) (RunToken, bool, error)
	FinishRun(ctx context.Context, runID string) error

	// 生命周期 / Lifecycle
	Close() error
}
