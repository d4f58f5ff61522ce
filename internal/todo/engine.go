package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/logging"

	"github.com/google/uuid"
)

// ToolName is the tool whose calls carry todo payloads.
const ToolName = "todo_write"

// Payload is the tool-call body consumed by the engine.
type Payload struct {
	Merge bool        `json:"merge"`
	Todos []chat.Todo `json:"todos"`
}

// ParsePayload decodes a todo tool-call body.
func ParsePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: todo payload: %v", chat.ErrValidation, err)
	}
	return p, nil
}

// Persister 待办的持久化接口 / Durable todo storage
type Persister interface {
	ListTodos(ctx context.Context, chatID string) ([]chat.Todo, error)
	ReplaceTodos(ctx context.Context, chatID string, items []chat.Todo) error
}

// Engine 单个 chat 的待办列表，所有变更串行化
// Engine owns the todo list of one chat and serializes every change
type Engine struct {
	mu     sync.Mutex
	chatID string
	items  []chat.Todo

	store  Persister
	logger *slog.Logger
	subs   []func([]chat.Todo)
}

// NewEngine creates an engine; store may be nil for an unpersisted list.
func NewEngine(store Persister, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logging.OrDiscard(logger)}
}

// Load replaces the in-memory list with the stored list of chatID.
func (e *Engine) Load(ctx context.Context, chatID string) error {
	var items []chat.Todo
	if e.store != nil && chatID != "" {
		loaded, err := e.store.ListTodos(ctx, chatID)
		if err != nil {
			return fmt.Errorf("load todos: %w", err)
		}
		items = loaded
	}
	e.mu.Lock()
	e.chatID = chatID
	e.items = items
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return nil
}

// Clear empties the list for a new chat.
func (e *Engine) Clear(chatID string) {
	e.mu.Lock()
	e.chatID = chatID
	e.items = nil
	e.mu.Unlock()
	e.notify(nil)
}

// ApplyPayload applies one todo tool call. sourceMessageID is the assistant
// message that issued the call; when empty, lastAssistantID is used.
func (e *Engine) ApplyPayload(ctx context.Context, p Payload, sourceMessageID, lastAssistantID string) ([]chat.Todo, error) {
	if sourceMessageID == "" {
		sourceMessageID = lastAssistantID
	}
	incoming := normalize(p.Todos)

	e.mu.Lock()
	var next []chat.Todo
	if ShouldTreatAsMerge(p.Merge, incoming, AssistantOwned(e.items)) {
		next = MergeTodos(e.items, keepOwners(e.items, incoming, sourceMessageID))
	} else {
		next = ReplaceAssistantTodos(e.items, incoming, sourceMessageID)
	}
	return e.commitLocked(ctx, next)
}

// AddManual appends a user-owned todo.
func (e *Engine) AddManual(ctx context.Context, content string) (chat.Todo, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Todo{}, fmt.Errorf("%w: todo content is empty", chat.ErrValidation)
	}
	item := chat.Todo{ID: newTodoID(), Content: content, Status: chat.TodoPending}

	e.mu.Lock()
	next := append(cloneTodos(e.items), item)
	if _, err := e.commitLocked(ctx, next); err != nil {
		return chat.Todo{}, err
	}
	return item, nil
}

// SetStatus changes the status of one todo in place.
func (e *Engine) SetStatus(ctx context.Context, id string, status chat.TodoStatus) error {
	e.mu.Lock()
	next := cloneTodos(e.items)
	idx := -1
	for i := range next {
		if next[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("todo %s: %w", id, chat.ErrNotFound)
	}
	next[idx].Status = chat.NormalizeStatus(string(status))
	_, err := e.commitLocked(ctx, next)
	return err
}

// Snapshot returns a copy of the current list.
func (e *Engine) Snapshot() []chat.Todo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe registers fn to receive the list after every change.
func (e *Engine) Subscribe(fn func([]chat.Todo)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// commitLocked persists next and installs it; it releases e.mu.
func (e *Engine) commitLocked(ctx context.Context, next []chat.Todo) ([]chat.Todo, error) {
	if e.store != nil && e.chatID != "" {
		if err := e.store.ReplaceTodos(ctx, e.chatID, next); err != nil {
			e.mu.Unlock()
			e.logger.Warn("persist todos failed", "chat", e.chatID, "err", err)
			return nil, fmt.Errorf("persist todos: %w", err)
		}
	}
	e.items = next
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return snap, nil
}

func (e *Engine) snapshotLocked() []chat.Todo {
	return cloneTodos(e.items)
}

func (e *Engine) notify(items []chat.Todo) {
	e.mu.Lock()
	subs := slices.Clone(e.subs)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(cloneTodos(items))
	}
}

// keepOwners stamps merged entries: an existing owner wins, otherwise the
// issuing message takes ownership.
func keepOwners(current, incoming []chat.Todo, sourceMessageID string) []chat.Todo {
	owners := make(map[string]*string, len(current))
	for _, item := range current {
		owners[item.ID] = item.SourceMessageID
	}
	out := make([]chat.Todo, len(incoming))
	for i, item := range incoming {
		if owner, ok := owners[item.ID]; ok {
			item.SourceMessageID = owner
		} else if item.SourceMessageID == nil {
			item.SourceMessageID = chat.StringPtr(sourceMessageID)
		}
		out[i] = item
	}
	return out
}

func normalize(items []chat.Todo) []chat.Todo {
	out := make([]chat.Todo, 0, len(items))
	for _, item := range items {
		item.Content = strings.TrimSpace(item.Content)
		if item.Content == "" {
			continue
		}
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			item.ID = newTodoID()
		}
		item.Status = chat.NormalizeStatus(string(item.Status))
		out = append(out, item)
	}
	return out
}

func cloneTodos(items []chat.Todo) []chat.Todo {
	if items == nil {
		return nil
	}
	out := make([]chat.Todo, len(items))
	copy(out, items)
	return out
}

func newTodoID() string {
	return "todo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
