package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role 消息作者
// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType 标识 Part 的变体
// PartType identifies a Part variant
type PartType string

const (
	PartText      PartType = "text"
	PartToolCall  PartType = "tool-call"
	PartFile      PartType = "file"
	PartReasoning PartType = "reasoning"
)

// Part 是消息内容的一个片段（text | tool-call | file | reasoning）
// Part is one piece of message content (text | tool-call | file | reasoning)
type Part interface {
	Type() PartType
}

// TextPart represents text content in a message
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) Type() PartType { return PartText }

// ReasoningPart holds model reasoning shown separately from the answer
type ReasoningPart struct {
	Text string `json:"text"`
}

func (ReasoningPart) Type() PartType { return PartReasoning }

// ToolCallState tracks how far a tool call has progressed.
type ToolCallState string

const (
	ToolCallInputStreaming ToolCallState = "input-streaming"
	ToolCallInputAvailable ToolCallState = "input-available"
	ToolCallOutput         ToolCallState = "output-available"
	ToolCallError          ToolCallState = "output-error"
)

// ToolCallPart is a tool invocation; Output is empty until the backend reports it.
type ToolCallPart struct {
	ToolCallID string        `json:"tool_call_id"`
	ToolName   string        `json:"tool_name"`
	Input      string        `json:"input,omitempty"`
	Output     string        `json:"output,omitempty"`
	State      ToolCallState `json:"state,omitempty"`
}

func (ToolCallPart) Type() PartType { return PartToolCall }

// FileRef points at an uploaded file; upload itself is handled elsewhere.
type FileRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	URL       string `json:"url,omitempty"`
}

// FilePart attaches a file to a message
type FilePart struct {
	File FileRef `json:"file"`
}

func (FilePart) Type() PartType { return PartFile }

// Message 聊天消息；ID 在同一个 chat 内唯一
// Message is a chat message; IDs are unique within a chat
type Message struct {
	ID              string
	Role            Role
	Parts           []Part
	ServerPersisted bool
	CreatedAt       time.Time
}

// NewMessageID 生成新的消息 ID / Generates a new message ID
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewUserMessage builds an optimistic (unpersisted) user message.
func NewUserMessage(text string, files []FileRef) Message {
	parts := make([]Part, 0, len(files)+1)
	for _, f := range files {
		parts = append(parts, FilePart{File: f})
	}
	parts = append(parts, TextPart{Text: text})
	return Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
}

// Text 返回所有文本片段的拼接
// Text returns the concatenation of all text parts
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// WithText returns a copy whose text parts are replaced by a single text part
// holding text. Non-text parts keep their relative order; the text part takes
// the slot of the first text part (or goes last if there was none).
func (m Message) WithText(text string) Message {
	out := m
	out.Parts = make([]Part, 0, len(m.Parts)+1)
	placed := false
	for _, p := range m.Parts {
		if _, ok := p.(TextPart); ok {
			if !placed {
				out.Parts = append(out.Parts, TextPart{Text: text})
				placed = true
			}
			continue
		}
		out.Parts = append(out.Parts, p)
	}
	if !placed {
		out.Parts = append(out.Parts, TextPart{Text: text})
	}
	return out
}

// ToolCalls returns the tool-call parts of the message in order.
func (m Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Parts {
		if c, ok := p.(ToolCallPart); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// Clone returns a copy whose Parts slice can be modified independently.
func (m Message) Clone() Message {
	out := m
	out.Parts = append([]Part(nil), m.Parts...)
	return out
}

// CloneMessages copies a transcript slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// IndexOf returns the index of id in msgs, or -1.
func IndexOf(msgs []Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// LastAssistantID returns the id of the most recent assistant message, or "".
func LastAssistantID(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i].ID
		}
	}
	return ""
}

// TodoStatus 待办状态
// TodoStatus is the lifecycle state of a todo
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// Todo 共享任务列表中的一项；SourceMessageID 为空表示用户手动创建
// Todo is one shared task entry; a nil SourceMessageID means user-owned
type Todo struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	Status          TodoStatus `json:"status"`
	SourceMessageID *string    `json:"sourceMessageId,omitempty"`
}

// AssistantOwned reports whether an assistant message owns the todo.
func (t Todo) AssistantOwned() bool {
	return t.SourceMessageID != nil
}

// Source returns the owning message id, or "" for manual todos.
func (t Todo) Source() string {
	if t.SourceMessageID == nil {
		return ""
	}
	return *t.SourceMessageID
}

// NormalizeStatus maps free-form status text onto a TodoStatus, defaulting to pending.
func NormalizeStatus(s string) TodoStatus {
	switch v := TodoStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		return v
	default:
		return TodoPending
	}
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}
