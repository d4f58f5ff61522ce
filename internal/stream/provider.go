package stream

import (
	"context"

	"chatsync/internal/chat"
)

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call
type ChatRequest struct {
	Model     string
	Messages  []chat.Message
	Tools     []chat.ToolDef
	MaxTokens int
}

// StreamCallbacks 流式响应的回调集
// StreamCallbacks is the callback set for streaming responses
type StreamCallbacks struct {
	OnTextChunk      func(chunk string)
	OnReasoningChunk func(chunk string)
	OnToolCall       func(call chat.ToolCallPart)
	OnUsage          func(usage Usage)
}

// Usage token 用量统计
// Usage reports token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	TotalTokens      int
}

// ChatResponse 完整响应
// ChatResponse is the complete response
type ChatResponse struct {
	Content      string
	Reasoning    string
	ToolCalls    []chat.ToolCallPart
	FinishReason string
	Usage        Usage
}

// Provider 模型提供方接口
// Provider is the model backend interface
type Provider interface {
	// Chat 发送聊天请求并返回响应（流式回调）
	// Chat sends a request and returns a response (with streaming callbacks)
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)

	Name() string
	CurrentModel() string
	SetModel(model string) error
}

// ToolExecutor runs a tool call and returns its output.
type ToolExecutor interface {
	Definitions() []chat.ToolDef
	Execute(ctx context.Context, name, input string) (string, error)
}
