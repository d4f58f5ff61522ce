package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
	"chatsync/internal/relay"
	"chatsync/internal/storage"
)

// DefaultMaxSteps bounds the model/tool round trips of one run.
const DefaultMaxSteps = 8

// RunnerOptions 构建 Runner 的依赖
// RunnerOptions holds the Runner's collaborators
type RunnerOptions struct {
	Provider  Provider
	Tools     ToolExecutor
	Store     RunStore
	Publisher Publisher
	Resumer   Resumer
	Logger    *slog.Logger
	MaxSteps  int
}

// Runner 是生产环境的 Transport：同一时刻最多一个活跃运行
// Runner is the production Transport; at most one run is active at a time
type Runner struct {
	provider  Provider
	tools     ToolExecutor
	store     RunStore
	publisher Publisher
	resumer   Resumer
	logger    *slog.Logger
	maxSteps  int

	mu      sync.Mutex
	run     *activeRun
	handler Handler
}

var _ Transport = (*Runner)(nil)

// NewRunner creates a runner. Provider and Store are required.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Runner{
		provider:  opts.Provider,
		tools:     opts.Tools,
		store:     opts.Store,
		publisher: opts.Publisher,
		resumer:   opts.Resumer,
		logger:    logging.OrDiscard(opts.Logger),
		maxSteps:  opts.MaxSteps,
		handler:   NopHandler{},
	}
}

// SetHandler installs the event handler for subsequent runs.
func (r *Runner) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

type activeRun struct {
	id      string
	chatID  string
	resumed bool
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler

	mu       sync.Mutex
	msg      chat.Message
	finished bool
	once     sync.Once
}

// reserve claims the run slot before any I/O so a concurrent Send cannot
// start a second run.
func (r *Runner) reserve(chatID string, resumed bool) (*activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return nil, chat.ErrRunActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		id:      storage.NewRunID(),
		chatID:  chatID,
		resumed: resumed,
		ctx:     ctx,
		cancel:  cancel,
		handler: r.handler,
		msg: chat.Message{
			ID:   chat.NewMessageID(),
			Role: chat.RoleAssistant,
		},
	}
	r.run = run
	return run, nil
}

func (r *Runner) release(run *activeRun) {
	run.cancel()
	r.mu.Lock()
	if r.run == run {
		r.run = nil
	}
	r.mu.Unlock()
}

// Send persists the user message and streams an answer to it.
func (r *Runner) Send(ctx context.Context, p Payload, meta Meta) error {
	if strings.TrimSpace(p.Message.Text()) == "" {
		return fmt.Errorf("%w: message is empty", chat.ErrValidation)
	}
	run, err := r.reserve(meta.ChatID, false)
	if err != nil {
		return err
	}
	if err := r.store.AppendMessage(ctx, meta.ChatID, p.Message); err != nil {
		r.release(run)
		return fmt.Errorf("%w: persist user message: %v", chat.ErrNetwork, err)
	}
	history := append(chat.CloneMessages(meta.History), p.Message)
	r.start(ctx, run, meta, history)
	return nil
}

// Regenerate streams a fresh answer to meta.History.
func (r *Runner) Regenerate(ctx context.Context, meta Meta) error {
	if len(meta.History) == 0 {
		return fmt.Errorf("%w: nothing to regenerate", chat.ErrValidation)
	}
	run, err := r.reserve(meta.ChatID, false)
	if err != nil {
		return err
	}
	r.start(ctx, run, meta, chat.CloneMessages(meta.History))
	return nil
}

func (r *Runner) start(ctx context.Context, run *activeRun, meta Meta, history []chat.Message) {
	if run.ctx.Err() != nil {
		// stopped before the model was called
		return
	}
	token := storage.RunToken{RunID: run.id, ChatID: run.chatID, Live: true}
	if err := r.store.SaveRun(ctx, token); err != nil {
		r.logger.Warn("save run token failed", "run", run.id, "err", err)
	}
	if r.publisher != nil {
		r.publisher.Begin(run.chatID, run.id)
	}
	go r.loop(run, meta, history)
}

func (r *Runner) loop(run *activeRun, meta Meta, history []chat.Message) {
	req := ChatRequest{Model: meta.Model, Messages: history}
	if r.tools != nil {
		req.Tools = r.tools.Definitions()
	}
	cb := &StreamCallbacks{
		OnTextChunk: func(chunk string) {
			r.emitChunk(run, chat.TextPart{Text: chunk})
		},
		OnReasoningChunk: func(chunk string) {
			r.emitChunk(run, chat.ReasoningPart{Text: chunk})
		},
		OnToolCall: func(call chat.ToolCallPart) {
			r.emitToolCall(run, call)
		},
	}

	for step := 0; ; step++ {
		resp, err := r.provider.Chat(run.ctx, req, cb)
		if err != nil {
			if run.ctx.Err() != nil {
				r.finish(run, FinishStopped, nil)
				return
			}
			r.finish(run, FinishError, err)
			return
		}
		if len(resp.ToolCalls) == 0 || r.tools == nil || step+1 >= r.maxSteps {
			break
		}
		for _, call := range resp.ToolCalls {
			out, err := r.tools.Execute(run.ctx, call.ToolName, call.Input)
			if err != nil {
				call.State = chat.ToolCallError
				call.Output = fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
			} else {
				call.State = chat.ToolCallOutput
				call.Output = out
			}
			r.emitToolCall(run, call)
		}
		if run.ctx.Err() != nil {
			r.finish(run, FinishStopped, nil)
			return
		}
		req.Messages = append(chat.CloneMessages(history), run.snapshot())
	}
	r.finish(run, FinishComplete, nil)
}

// emitChunk appends a streamed text or reasoning delta to the in-flight message.
func (r *Runner) emitChunk(run *activeRun, delta chat.Part) {
	if !run.appendChunk(delta) {
		return
	}
	run.handler.OnData(run.messageID(), delta)
	r.publish(run, delta)
}

func (r *Runner) emitToolCall(run *activeRun, call chat.ToolCallPart) {
	if !run.upsertToolCall(call) {
		return
	}
	run.handler.OnToolCall(run.messageID(), call)
	r.publish(run, call)
}

func (r *Runner) publish(run *activeRun, part chat.Part) {
	if r.publisher == nil || run.resumed {
		return
	}
	f, err := relay.PartFrame(run.id, run.messageID(), part)
	if err != nil {
		r.logger.Debug("encode relay frame failed", "err", err)
		return
	}
	r.publisher.Publish(run.chatID, f)
}

// finish ends run exactly once: persists the (possibly partial) message,
// closes the run token and relay buffer, frees the slot, then notifies.
func (r *Runner) finish(run *activeRun, reason FinishReason, cause error) {
	run.once.Do(func() {
		run.mu.Lock()
		run.finished = true
		msg := run.msg.Clone()
		runID := run.id
		run.mu.Unlock()
		run.cancel()

		ctx := context.Background()
		if !run.resumed {
			if len(msg.Parts) > 0 {
				if err := r.store.AppendMessage(ctx, run.chatID, msg); err != nil {
					r.logger.Error("persist assistant message failed", "run", runID, "err", err)
				} else {
					msg.ServerPersisted = true
				}
			}
			if err := r.store.FinishRun(ctx, runID); err != nil {
				r.logger.Warn("finish run token failed", "run", runID, "err", err)
			}
			if r.publisher != nil {
				f := relay.Frame{Type: relay.FrameFinish, RunID: runID, MessageID: msg.ID}
				if reason == FinishError && cause != nil {
					f.Type = relay.FrameError
					f.Error = cause.Error()
				}
				r.publisher.Publish(run.chatID, f)
			}
		}

		r.mu.Lock()
		if r.run == run {
			r.run = nil
		}
		r.mu.Unlock()

		metrics.StreamRuns.WithLabelValues(string(reason)).Inc()
		r.logger.Info("run finished", "run", runID, "chat", run.chatID, "reason", reason, "resumed", run.resumed)
		if reason == FinishError && cause != nil {
			run.handler.OnError(cause)
		}
		run.handler.OnFinish(Finish{
			ChatID:  run.chatID,
			RunID:   runID,
			Message: msg,
			Reason:  reason,
			Resumed: run.resumed,
			Err:     cause,
		})
	})
}

// Stop cancels the active run and waits for its output to be persisted.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return false
	}
	r.finish(run, FinishStopped, nil)
	return true
}

// Active reports whether a run is streaming.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run != nil
}

// Inflight returns a copy of the streaming message, or nil.
func (r *Runner) Inflight() *chat.Message {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return nil
	}
	msg := run.snapshot()
	return &msg
}

// Resume attaches to the relayed run of chatID. Frames then flow through the
// handler like a local run; the producer of the run owns its persistence.
func (r *Runner) Resume(ctx context.Context, chatID string) error {
	if r.resumer == nil {
		return chat.ErrStreamNotFound
	}
	run, err := r.reserve(chatID, true)
	if err != nil {
		return err
	}
	src, err := r.resumer.Dial(ctx, chatID)
	if err != nil {
		r.release(run)
		return err
	}
	go r.follow(run, src)
	return nil
}

func (r *Runner) follow(run *activeRun, src FrameSource) {
	defer src.Close()
	for {
		f, err := src.Next(run.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.finish(run, FinishComplete, nil)
				return
			}
			if run.ctx.Err() == nil {
				r.logger.Debug("resumed stream ended", "chat", run.chatID, "err", err)
			}
			r.finish(run, FinishStopped, nil)
			return
		}
		run.adopt(f.RunID, f.MessageID)

		switch f.Type {
		case relay.FrameFinish:
			r.finish(run, FinishComplete, nil)
			return
		case relay.FrameError:
			r.finish(run, FinishError, errors.New(f.Error))
			return
		}
		part, err := f.DecodePart()
		if err != nil {
			r.logger.Debug("skip undecodable frame", "err", err)
			continue
		}
		switch v := part.(type) {
		case chat.ToolCallPart:
			r.emitToolCall(run, v)
		default:
			r.emitChunk(run, v)
		}
	}
}

// --- activeRun helpers ---

func (a *activeRun) messageID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg.ID
}

func (a *activeRun) snapshot() chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg.Clone()
}

// adopt takes the producer's ids for a resumed run before any part arrives.
func (a *activeRun) adopt(runID, messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.msg.Parts) > 0 {
		return
	}
	if runID != "" {
		a.id = runID
	}
	if messageID != "" {
		a.msg.ID = messageID
	}
}

// appendChunk merges a text or reasoning delta into the last part of the
// same kind. It reports false once the run has finished.
func (a *activeRun) appendChunk(delta chat.Part) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	n := len(a.msg.Parts)
	switch d := delta.(type) {
	case chat.TextPart:
		if n > 0 {
			if last, ok := a.msg.Parts[n-1].(chat.TextPart); ok {
				a.msg.Parts[n-1] = chat.TextPart{Text: last.Text + d.Text}
				return true
			}
		}
	case chat.ReasoningPart:
		if n > 0 {
			if last, ok := a.msg.Parts[n-1].(chat.ReasoningPart); ok {
				a.msg.Parts[n-1] = chat.ReasoningPart{Text: last.Text + d.Text}
				return true
			}
		}
	}
	a.msg.Parts = append(a.msg.Parts, delta)
	return true
}

// upsertToolCall records a tool call, replacing an earlier state of the same call.
func (a *activeRun) upsertToolCall(call chat.ToolCallPart) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	for i, p := range a.msg.Parts {
		if c, ok := p.(chat.ToolCallPart); ok && c.ToolCallID == call.ToolCallID {
			a.msg.Parts[i] = call
			return true
		}
	}
	a.msg.Parts = append(a.msg.Parts, call)
	return true
}
