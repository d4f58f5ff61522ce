package tools

import (
	"context"
	"encoding/json"

	"chatsync/internal/chat"
)

// Tool is one function the assistant may call during a run.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}
