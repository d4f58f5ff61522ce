package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/internal/chat"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider 使用 go-openai SDK 的 Provider 实现
// OpenAIProvider implements Provider using the go-openai SDK
type OpenAIProvider struct {
	client *openai.Client
	model  string
	mu     sync.RWMutex
}

// OpenAIConfig SDK provider 配置
// OpenAIConfig is the SDK provider configuration
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// TimeoutMS bounds connection setup only; a streaming response is bounded
	// by user cancellation.
	TimeoutMS int
}

// NewOpenAIProvider 创建基于 SDK 的 provider
// NewOpenAIProvider creates an SDK-based provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TimeoutMS > 0 {
		transport.ResponseHeaderTimeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = &http.Client{Transport: transport}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CurrentModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}

// Chat streams one completion. Sends are never retried: a failed request is
// reported and the user decides whether to resend.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}
	resp, err := p.chatStream(ctx, buildSDKRequest(model, req), cb)
	if err != nil {
		return resp, classifyError(err)
	}
	return resp, nil
}

func buildSDKRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	sdkReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		sdkReq.Tools = convertTools(req.Tools)
		sdkReq.ToolChoice = "auto"
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	return sdkReq
}

func (p *OpenAIProvider) chatStream(ctx context.Context, req openai.ChatCompletionRequest, cb *StreamCallbacks) (ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var (
		contentBuilder   strings.Builder
		reasoningBuilder strings.Builder
		toolCallsByIdx   = map[int]*toolCallAccumulator{}
		finishReason     string
		usage            Usage
	)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 返回已收到的部分内容，调用方决定是否保存
			// Return the partial content received so far alongside the error
			return ChatResponse{
				Content:   contentBuilder.String(),
				Reasoning: reasoningBuilder.String(),
			}, fmt.Errorf("recv stream: %w", err)
		}

		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}

			// 文本内容 / Text content
			if choice.Delta.Content != "" {
				contentBuilder.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnTextChunk != nil {
					cb.OnTextChunk(choice.Delta.Content)
				}
			}

			// Reasoning 内容 / Reasoning content
			if choice.Delta.ReasoningContent != "" {
				reasoningBuilder.WriteString(choice.Delta.ReasoningContent)
				if cb != nil && cb.OnReasoningChunk != nil {
					cb.OnReasoningChunk(choice.Delta.ReasoningContent)
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := toolCallsByIdx[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					toolCallsByIdx[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name += tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					acc.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		// Usage (部分 provider 在最后一个 chunk 中返回)
		// Usage (some providers return it in the last chunk)
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
			if resp.Usage.CompletionTokensDetails != nil {
				usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
			}
		}
	}

	toolCalls := assembleToolCalls(toolCallsByIdx)
	if cb != nil && cb.OnToolCall != nil {
		for _, tc := range toolCalls {
			cb.OnToolCall(tc)
		}
	}
	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}

	return ChatResponse{
		Content:      contentBuilder.String(),
		Reasoning:    reasoningBuilder.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

// classifyError maps SDK failures onto the chat error taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", chat.ErrRateLimit, err)
	}
	return fmt.Errorf("%w: %v", chat.ErrNetwork, err)
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func assembleToolCalls(byIdx map[int]*toolCallAccumulator) []chat.ToolCallPart {
	if len(byIdx) == 0 {
		return nil
	}
	// 按 index 排序 / Sort by index
	maxIdx := 0
	for idx := range byIdx {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	calls := make([]chat.ToolCallPart, 0, len(byIdx))
	for i := 0; i <= maxIdx; i++ {
		acc, ok := byIdx[i]
		if !ok {
			continue
		}
		id := strings.TrimSpace(acc.id)
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		calls = append(calls, chat.ToolCallPart{
			ToolCallID: id,
			ToolName:   strings.TrimSpace(acc.name),
			Input:      acc.args.String(),
			State:      chat.ToolCallInputAvailable,
		})
	}
	return calls
}

// --- Message / Tool Conversion ---

// convertMessages flattens part-based messages into the chat completion
// shape. An assistant message with tool calls becomes one assistant entry per
// step followed by a tool entry per answered call.
func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == chat.RoleUser {
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: userContent(m),
			})
			continue
		}
		out = append(out, assistantSteps(m)...)
	}
	return out
}

func userContent(m chat.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch v := p.(type) {
		case chat.TextPart:
			b.WriteString(v.Text)
		case chat.FilePart:
			fmt.Fprintf(&b, "[attached file: %s]\n", v.File.Name)
		}
	}
	return b.String()
}

func assistantSteps(m chat.Message) []openai.ChatCompletionMessage {
	var (
		out     []openai.ChatCompletionMessage
		content strings.Builder
		calls   []chat.ToolCallPart
	)
	flush := func() {
		if content.Len() == 0 && len(calls) == 0 {
			return
		}
		msg := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content.String(),
		}
		for _, c := range calls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   c.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      c.ToolName,
					Arguments: c.Input,
				},
			})
		}
		out = append(out, msg)
		for _, c := range calls {
			output := c.Output
			if output == "" {
				output = `{"ok":false,"error":"no output"}`
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Name:       c.ToolName,
				ToolCallID: c.ToolCallID,
				Content:    output,
			})
		}
		content.Reset()
		calls = nil
	}

	for _, p := range m.Parts {
		switch v := p.(type) {
		case chat.TextPart:
			if len(calls) > 0 {
				flush()
			}
			content.WriteString(v.Text)
		case chat.ToolCallPart:
			calls = append(calls, v)
		}
	}
	flush()
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}
