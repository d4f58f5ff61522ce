package storage

import "chatsync/internal/chat"

// ChatMeta 会话元数据
// ChatMeta holds chat metadata
type ChatMeta struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Page 一页消息，按时间倒序（最新在前）
// Page is one page of messages, newest first
type Page struct {
	Messages []chat.Message
	// NextCursor fetches the next older page; empty when Done.
	NextCursor string
	Done       bool
}

// RunToken 记录一次流式运行，用于重载后自动恢复
// RunToken records one streaming run so a reloaded client can reattach
type RunToken struct {
	RunID     string `json:"run_id"`
	ChatID    string `json:"chat_id"`
	Live      bool   `json:"live"`
	StartedAt string `json:"started_at"`
}
