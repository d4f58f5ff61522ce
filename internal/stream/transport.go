// Package stream drives assistant runs: it streams model output into an
// in-flight message, persists the result once, and relays every part so a
// reconnecting client can follow the run.
package stream

import (
	"context"

	"chatsync/internal/chat"
	"chatsync/internal/relay"
	"chatsync/internal/storage"
)

// Payload is the user message submitted with Send.
type Payload struct {
	Message chat.Message
}

// Meta scopes a run to a chat and the transcript it answers.
type Meta struct {
	ChatID  string
	Model   string
	History []chat.Message
}

// FinishReason 运行结束原因
// FinishReason tells how a run ended
type FinishReason string

const (
	FinishComplete FinishReason = "finished"
	FinishStopped  FinishReason = "stopped"
	FinishError    FinishReason = "error"
)

// Finish describes a run that just ended.
type Finish struct {
	ChatID  string
	RunID   string
	Message chat.Message
	Reason  FinishReason
	// Resumed runs were produced elsewhere and are not persisted here.
	Resumed bool
	Err     error
}

// Handler receives run events. Calls for one run are serialized.
type Handler interface {
	OnData(messageID string, part chat.Part)
	OnToolCall(messageID string, call chat.ToolCallPart)
	OnFinish(f Finish)
	OnError(err error)
}

// Transport 流式传输控制面
// Transport is the streaming control surface
type Transport interface {
	Send(ctx context.Context, p Payload, meta Meta) error
	// Stop cancels the active run. It reports false, doing nothing, when no
	// run is active.
	Stop() bool
	Regenerate(ctx context.Context, meta Meta) error
	Resume(ctx context.Context, chatID string) error
	Active() bool
	Inflight() *chat.Message
}

// RunStore persists run output and run tokens.
type RunStore interface {
	AppendMessage(ctx context.Context, chatID string, msg chat.Message) error
	SaveRun(ctx context.Context, run storage.RunToken) error
	FinishRun(ctx context.Context, runID string) error
}

// Publisher receives a copy of every frame of a locally produced run.
type Publisher interface {
	Begin(chatID, runID string)
	Publish(chatID string, f relay.Frame)
}

// FrameSource yields relayed frames until io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (relay.Frame, error)
	Close() error
}

// Resumer attaches to a chat's relayed run.
type Resumer interface {
	Dial(ctx context.Context, chatID string) (FrameSource, error)
}

// HubResumer resumes from an in-process hub.
type HubResumer struct {
	Hub *relay.Hub
}

func (h HubResumer) Dial(_ context.Context, chatID string) (FrameSource, error) {
	sub, err := h.Hub.Subscribe(chatID)
	if err != nil {
		return nil, err
	}
	return hubSource{sub: sub}, nil
}

type hubSource struct {
	sub *relay.Subscription
}

func (s hubSource) Next(ctx context.Context) (relay.Frame, error) { return s.sub.Next(ctx) }
func (s hubSource) Close() error                                  { return nil }

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnData(string, chat.Part)             {}
func (NopHandler) OnToolCall(string, chat.ToolCallPart) {}
func (NopHandler) OnFinish(Finish)                      {}
func (NopHandler) OnError(error)                        {}
