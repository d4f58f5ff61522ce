// Package session is the single application-state object of the client. It
// composes the transcript, editor, queue, todo list, process tracker and
// auto-resume around one streaming transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"chatsync/internal/agent"
	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/contextmgr"
	"chatsync/internal/editor"
	"chatsync/internal/logging"
	"chatsync/internal/process"
	"chatsync/internal/queue"
	"chatsync/internal/resume"
	"chatsync/internal/storage"
	"chatsync/internal/stream"
	"chatsync/internal/todo"
	"chatsync/internal/tools"
	"chatsync/internal/transcript"
)

// Session 应用状态；只能通过具名操作修改
// Session is the application state, changed only through its operations
type Session struct {
	store      storage.Store
	transport  Transport
	registry   *tools.Registry
	tracker    ProcessTracker
	tokenizer  *contextmgr.Tokenizer
	modes      []config.ModeDefinition
	tokenLimit int
	autoResume bool
	logger     *slog.Logger

	transcript *transcript.Reconciler
	editor     *editor.Editor
	queue      *queue.Manager
	todos      *todo.Engine
	resumer    *resume.Controller

	tokens atomic.Int64

	mu      sync.Mutex
	model   string
	mode    chat.Mode
	created bool
	subs    []func(Snapshot)
	toasts  []func(*chat.UserError)
}

var _ stream.Handler = (*Session)(nil)

// New wires the session and installs it as the transport's handler. The
// session starts on a fresh, unsaved chat.
func New(opts Options) *Session {
	if opts.Tokenizer == nil {
		opts.Tokenizer = contextmgr.NewTokenizerForModel(opts.Model)
	}
	if opts.Mode == "" {
		opts.Mode = chat.ModeAgent
	}
	logger := logging.OrDiscard(opts.Logger)
	s := &Session{
		store:      opts.Store,
		transport:  opts.Transport,
		registry:   opts.Registry,
		tracker:    opts.Tracker,
		tokenizer:  opts.Tokenizer,
		modes:      opts.Modes,
		tokenLimit: opts.TokenLimit,
		autoResume: opts.AutoResume,
		logger:     logger,
		model:      strings.TrimSpace(opts.Model),
	}
	s.transcript = transcript.New(opts.Store, opts.PageSize, logger)
	s.editor = editor.New(opts.Store, s.transcript, opts.Transport, s.Model, logger)
	s.queue = queue.NewManager(queueControl{s: s}, logger)
	s.todos = todo.NewEngine(opts.Store, logger)
	s.resumer = resume.NewController(opts.Transport, opts.Store, logger)

	s.transcript.Subscribe(func(msgs []chat.Message) {
		s.tokens.Store(int64(s.tokenizer.Count(msgs)))
		s.publish()
	})
	s.queue.Subscribe(func([]queue.QueuedMessage) { s.publish() })
	s.todos.Subscribe(func([]chat.Todo) { s.publish() })
	if s.tracker != nil {
		s.tracker.Subscribe(func([]process.TrackedProcess) { s.publish() })
	}

	s.applyMode(opts.Mode)
	id := storage.NewChatID()
	s.transcript.Reset(id, false)
	s.todos.Clear(id)
	opts.Transport.SetHandler(s)
	return s
}

// ChatID returns the active chat.
func (s *Session) ChatID() string { return s.transcript.ChatID() }

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches the model used by subsequent runs.
func (s *Session) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("%w: model is empty", chat.ErrValidation)
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *Session) Mode() chat.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode switches between ask and agent. The queue and the enabled tools
// follow the mode.
func (s *Session) SetMode(mode chat.Mode) {
	s.applyMode(mode)
	s.publish()
}

func (s *Session) applyMode(mode chat.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.queue.SetMode(mode)
	if s.registry != nil {
		s.registry.SetAllowed(agent.Resolve(mode, s.modes).ToolEnabled)
	}
	s.logger.Info("mode changed", "mode", mode)
}

// NewChat switches to a fresh chat. The chat row is created on the first
// submit.
func (s *Session) NewChat() string {
	s.transport.Stop()
	id := storage.NewChatID()
	s.mu.Lock()
	s.created = false
	s.mu.Unlock()
	s.transcript.Reset(id, false)
	s.resetChatState()
	s.todos.Clear(id)
	s.logger.Info("new chat", "chat_id", id)
	return id
}

// Open switches to an existing chat, loads its newest page and todos, and
// reattaches to a run that was still streaming.
func (s *Session) Open(ctx context.Context, chatID string) error {
	meta, err := s.store.LoadChat(ctx, chatID)
	if err != nil {
		return err
	}
	s.transport.Stop()
	s.mu.Lock()
	s.created = true
	s.mu.Unlock()
	s.transcript.Reset(meta.ID, true)
	s.resetChatState()

	if _, err := s.transcript.Refresh(ctx); err != nil {
		return err
	}
	if err := s.todos.Load(ctx, meta.ID); err != nil {
		s.logger.Warn("load todos failed", "chat_id", meta.ID, "err", err)
	}
	s.logger.Info("chat opened", "chat_id", meta.ID, "messages", s.transcript.Len())
	s.resumer.OnMount(ctx, meta.ID, s.transcript.Messages(), s.autoResume)
	return nil
}

func (s *Session) resetChatState() {
	s.queue.Clear()
	if s.tracker != nil {
		s.tracker.Clear()
	}
}

// ListChats returns the stored chats, most recently updated first.
func (s *Session) ListChats(ctx context.Context) ([]storage.ChatMeta, error) {
	return s.store.ListChats(ctx)
}

// Submit sends text, or queues it while an agent run streams. queued reports
// which one happened.
func (s *Session) Submit(ctx context.Context, text string, files []chat.FileRef) (queued bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return false, fmt.Errorf("%w: empty message", chat.ErrValidation)
	}
	if s.transport.Active() {
		if _, err := s.queue.Enqueue(text, files); err != nil {
			return false, toUserError(editor.KeySendFailed, err)
		}
		return true, nil
	}
	if _, err := s.tokenizer.CheckLimit(s.transcript.Messages(), text, s.tokenLimit); err != nil {
		return false, chat.NewUserError(KeyTokenLimit, err)
	}
	return false, s.send(ctx, text, files)
}

// send appends an optimistic user message and starts a run for it. On
// failure the optimistic message is withdrawn.
func (s *Session) send(ctx context.Context, text string, files []chat.FileRef) error {
	chatID := s.transcript.ChatID()
	if err := s.ensureChat(ctx, chatID, text); err != nil {
		return toUserError(editor.KeySendFailed, err)
	}
	msg := chat.NewUserMessage(text, files)
	var history []chat.Message
	s.transcript.Update(func(cur []chat.Message) []chat.Message {
		history = chat.CloneMessages(cur)
		return append(cur, msg)
	})

	err := s.transport.Send(ctx, stream.Payload{Message: msg}, stream.Meta{
		ChatID:  chatID,
		Model:   s.Model(),
		History: history,
	})
	if err != nil {
		s.transcript.Update(func(cur []chat.Message) []chat.Message {
			if i := chat.IndexOf(cur, msg.ID); i >= 0 {
				return slices.Delete(cur, i, i+1)
			}
			return cur
		})
		s.logger.Warn("send failed", "chat_id", chatID, "err", err)
		return toUserError(editor.KeySendFailed, err)
	}
	return nil
}

func (s *Session) ensureChat(ctx context.Context, chatID, firstText string) error {
	s.mu.Lock()
	created := s.created
	s.mu.Unlock()
	if created {
		return nil
	}
	meta := storage.ChatMeta{ID: chatID, Title: inferTitle(firstText), Model: s.Model()}
	if err := s.store.CreateChat(ctx, meta); err != nil {
		return fmt.Errorf("%w: create chat: %v", chat.ErrPersistenceConflict, err)
	}
	s.mu.Lock()
	s.created = true
	s.mu.Unlock()
	return nil
}

// Stop cancels the streaming run; its partial answer is persisted on return.
func (s *Session) Stop() bool {
	return s.transport.Stop()
}

// Edit rewrites a user message and regenerates from it.
func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	return s.editor.Edit(ctx, messageID, text)
}

// Regenerate replaces the last assistant answer.
func (s *Session) Regenerate(ctx context.Context) error {
	return s.editor.Regenerate(ctx)
}

// SendNow interrupts the streaming run and sends a queued message.
func (s *Session) SendNow(ctx context.Context, id string) (bool, error) {
	return s.queue.SendNow(ctx, id)
}

// DeleteQueued drops a queued message.
func (s *Session) DeleteQueued(id string) bool {
	return s.queue.Delete(id)
}

// KillProcess terminates a tracked background process.
func (s *Session) KillProcess(ctx context.Context, pid int) error {
	if s.tracker == nil {
		return chat.NewUserError(KeyKillFailed, fmt.Errorf("process %d: %w", pid, chat.ErrNotFound))
	}
	if err := s.tracker.Kill(ctx, pid); err != nil {
		return chat.NewUserError(KeyKillFailed, err)
	}
	return nil
}

// LoadMore prepends the next older page.
func (s *Session) LoadMore(ctx context.Context) (int, error) {
	return s.transcript.LoadMore(ctx)
}

// SetTodoStatus changes the status of one todo item.
func (s *Session) SetTodoStatus(ctx context.Context, id string, status chat.TodoStatus) error {
	return s.todos.SetStatus(ctx, id, status)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	model, mode := s.model, s.mode
	s.mu.Unlock()

	snap := Snapshot{
		ChatID:     s.transcript.ChatID(),
		Mode:       mode,
		Model:      model,
		Messages:   s.transcript.View(s.transport.Inflight()),
		Streaming:  s.transport.Active(),
		HasMore:    s.transcript.HasMore(),
		Queue:      s.queue.Snapshot(),
		Todos:      s.todos.Snapshot(),
		Tokens:     int(s.tokens.Load()),
		TokenLimit: s.tokenLimit,
	}
	if s.tracker != nil {
		snap.Processes = s.tracker.Snapshot()
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *Session) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// SubscribeToasts registers fn for failures raised outside a direct call,
// such as a run that ended with an error.
func (s *Session) SubscribeToasts(fn func(*chat.UserError)) {
	s.mu.Lock()
	s.toasts = append(s.toasts, fn)
	s.mu.Unlock()
}

// Close stops the streaming run and the process poller.
func (s *Session) Close() {
	s.transport.Stop()
	if s.tracker != nil {
		s.tracker.Close()
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) toast(ue *chat.UserError) {
	s.mu.Lock()
	fns := slices.Clone(s.toasts)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ue)
	}
}

// toUserError keeps an existing *chat.UserError and otherwise picks the key
// from the error class, defaulting to fallback.
func toUserError(fallback string, err error) error {
	var ue *chat.UserError
	if errors.As(err, &ue) {
		return err
	}
	switch {
	case errors.Is(err, chat.ErrNotAgentMode):
		return chat.NewUserError(KeyQueueAgentOnly, err)
	case errors.Is(err, chat.ErrTokenLimit):
		return chat.NewUserError(KeyTokenLimit, err)
	}
	switch chat.Classify(err) {
	case chat.KindRateLimit:
		return chat.NewUserError(KeyRateLimited, err)
	case chat.KindNetwork:
		return chat.NewUserError(KeyNetwork, err)
	}
	return chat.NewUserError(fallback, err)
}

func inferTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	runes := []rune(line)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return line
}
