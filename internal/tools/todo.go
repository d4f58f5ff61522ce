package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"chatsync/internal/chat"
	"chatsync/internal/todo"
)

// TodoSource exposes the current todo list.
type TodoSource interface {
	Snapshot() []chat.Todo
}

// TodoReadTool 读取当前待办列表
// TodoReadTool reads the current todo list
type TodoReadTool struct {
	todos TodoSource
}

// TodoWriteTool validates a todo plan. The list itself changes when the
// session consumes the tool-call input, so this call only acknowledges it.
type TodoWriteTool struct{}

func NewTodoReadTool(todos TodoSource) *TodoReadTool {
	return &TodoReadTool{todos: todos}
}

func NewTodoWriteTool() *TodoWriteTool {
	return &TodoWriteTool{}
}

func (t *TodoReadTool) Name() string  { return TodoReadToolName }
func (t *TodoWriteTool) Name() string { return todo.ToolName }

func (t *TodoReadTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read the task list of this chat",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}

func (t *TodoWriteTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Write the task list. merge=true updates the listed ids in place; otherwise the list replaces your previous plan. Manual items are kept.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"merge": map[string]any{"type": "boolean"},
					"todos": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":      map[string]any{"type": "string"},
								"content": map[string]any{"type": "string"},
								"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed", "cancelled"}},
							},
							"required": []string{"id", "content", "status"},
						},
					},
				},
				"required": []string{"todos"},
			},
		},
	}
}

func (t *TodoReadTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	if t.todos == nil {
		return "", fmt.Errorf("todo list unavailable")
	}
	items := t.todos.Snapshot()
	inProgress := 0
	for _, item := range items {
		if item.Status == chat.TodoInProgress {
			inProgress++
		}
	}
	return encodeResult(map[string]any{
		"ok":          true,
		"items":       items,
		"count":       len(items),
		"in_progress": inProgress,
	}), nil
}

func (t *TodoWriteTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	p, err := todo.ParsePayload(string(args))
	if err != nil {
		return "", err
	}
	inProgress := 0
	for _, item := range p.Todos {
		if chat.NormalizeStatus(string(item.Status)) == chat.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return "", fmt.Errorf("%w: only one item can be in_progress", chat.ErrValidation)
	}
	return encodeResult(map[string]any{
		"ok":    true,
		"merge": p.Merge,
		"count": len(p.Todos),
	}), nil
}
