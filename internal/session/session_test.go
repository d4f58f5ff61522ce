package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/contextmgr"
	"chatsync/internal/process"
	"chatsync/internal/relay"
	"chatsync/internal/storage"
	"chatsync/internal/stream"
	"chatsync/internal/todo"
	"chatsync/internal/tools"
)

type step struct {
	chunks []string
	hold   chan struct{}
}

// scriptedProvider answers each request with the next step; requests past
// the script get "ok".
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []stream.ChatRequest
	started  chan int
}

func newProvider(steps ...step) *scriptedProvider {
	return &scriptedProvider{steps: steps, started: make(chan int, 16)}
}

func (p *scriptedProvider) Chat(ctx context.Context, req stream.ChatRequest, cb *stream.StreamCallbacks) (stream.ChatResponse, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	s := step{chunks: []string{"ok"}}
	if i < len(p.steps) {
		s = p.steps[i]
	}
	for _, c := range s.chunks {
		cb.OnTextChunk(c)
	}
	p.started <- i
	if s.hold != nil {
		select {
		case <-ctx.Done():
			return stream.ChatResponse{}, ctx.Err()
		case <-s.hold:
		}
	}
	return stream.ChatResponse{}, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) CurrentModel() string  { return "test" }
func (p *scriptedProvider) SetModel(string) error { return nil }

func (p *scriptedProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeTracker struct {
	mu         sync.Mutex
	registered map[int]string
	killErr    error
}

func (f *fakeTracker) Register(pid int, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered == nil {
		f.registered = map[int]string{}
	}
	f.registered[pid] = command
	return nil
}

func (f *fakeTracker) Kill(context.Context, int) error          { return f.killErr }
func (f *fakeTracker) Snapshot() []process.TrackedProcess       { return nil }
func (f *fakeTracker) Subscribe(func([]process.TrackedProcess)) {}
func (f *fakeTracker) Clear()                                   {}
func (f *fakeTracker) Close()                                   {}

type namedTool string

func (n namedTool) Name() string { return string(n) }

func (n namedTool) Definition() chat.ToolDef {
	return chat.ToolDef{Type: "function", Function: chat.ToolFunction{Name: string(n)}}
}

func (n namedTool) Execute(context.Context, json.RawMessage) (string, error) { return "{}", nil }

type harness struct {
	sess     *Session
	store    *storage.SQLiteStore
	provider *scriptedProvider
	hub      *relay.Hub
	tracker  *fakeTracker
	registry *tools.Registry
}

func newHarness(t *testing.T, p *scriptedProvider, mutate func(*Options)) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	hub := relay.NewHub(time.Minute)
	registry := tools.NewRegistry(
		namedTool(tools.ReadToolName),
		namedTool(tools.TerminalToolName),
		namedTool(todo.ToolName),
	)
	runner := stream.NewRunner(stream.RunnerOptions{
		Provider:  p,
		Tools:     registry,
		Store:     store,
		Publisher: hub,
		Resumer:   stream.HubResumer{Hub: hub},
	})
	tracker := &fakeTracker{}
	opts := Options{
		Store:      store,
		Transport:  runner,
		Registry:   registry,
		Tracker:    tracker,
		Tokenizer:  contextmgr.NewHeuristicTokenizer(),
		Mode:       chat.ModeAgent,
		Model:      "test-model",
		PageSize:   50,
		TokenLimit: 32000,
		AutoResume: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		s.Close()
		_ = store.Close()
	})
	return &harness{sess: s, store: store, provider: p, hub: hub, tracker: tracker, registry: registry}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStarted(t *testing.T, p *scriptedProvider, want int) {
	t.Helper()
	select {
	case got := <-p.started:
		if got != want {
			t.Fatalf("started request %d, want %d", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("request %d never started", want)
	}
}

func texts(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Text()
	}
	return out
}

func idle(s *Session) func() bool {
	return func() bool { return !s.Snapshot().Streaming }
}

func TestSubmitStreamsAndReconciles(t *testing.T) {
	h := newHarness(t, newProvider(step{chunks: []string{"hel", "lo"}}), nil)
	ctx := context.Background()

	queued, err := h.sess.Submit(ctx, "hi", nil)
	if err != nil || queued {
		t.Fatalf("Submit queued=%v err=%v", queued, err)
	}
	waitFor(t, "two persisted messages", func() bool {
		msgs := h.sess.Snapshot().Messages
		return len(msgs) == 2 && msgs[0].ServerPersisted && msgs[1].ServerPersisted
	})
	got := strings.Join(texts(h.sess.Snapshot().Messages), "|")
	if got != "user:hi|assistant:hello" {
		t.Fatalf("transcript=%q", got)
	}

	chats, err := h.sess.ListChats(ctx)
	if err != nil || len(chats) != 1 || chats[0].ID != h.sess.ChatID() || chats[0].Title != "hi" {
		t.Fatalf("chats=%+v err=%v", chats, err)
	}
}

func TestSubmitWhileStreamingQueuesAndDrains(t *testing.T) {
	hold := make(chan struct{})
	h := newHarness(t, newProvider(step{chunks: []string{"a1"}, hold: hold}, step{chunks: []string{"a2"}}), nil)
	ctx := context.Background()

	if _, err := h.sess.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitStarted(t, h.provider, 0)

	queued, err := h.sess.Submit(ctx, "second", nil)
	if err != nil || !queued {
		t.Fatalf("Submit second queued=%v err=%v, want queued", queued, err)
	}
	if q := h.sess.Snapshot().Queue; len(q) != 1 || q[0].Text != "second" {
		t.Fatalf("queue=%+v", q)
	}

	close(hold)
	waitFor(t, "queued message answered", func() bool {
		return len(h.sess.Snapshot().Messages) == 4 && h.provider.count() == 2 && !h.sess.Snapshot().Streaming
	})
	got := strings.Join(texts(h.sess.Snapshot().Messages), "|")
	if got != "user:first|assistant:a1|user:second|assistant:a2" {
		t.Fatalf("transcript=%q", got)
	}
	if n := len(h.sess.Snapshot().Queue); n != 0 {
		t.Fatalf("queue len=%d, want 0", n)
	}
}

func TestAskModeRejectsQueueing(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	h := newHarness(t, newProvider(step{hold: hold}), nil)
	h.sess.SetMode(chat.ModeAsk)
	ctx := context.Background()

	if _, err := h.sess.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, h.provider, 0)

	_, err := h.sess.Submit(ctx, "second", nil)
	var ue *chat.UserError
	if !errors.As(err, &ue) || ue.Key != KeyQueueAgentOnly {
		t.Fatalf("err=%v, want %s", err, KeyQueueAgentOnly)
	}
	if !errors.Is(err, chat.ErrNotAgentMode) {
		t.Fatalf("err=%v, want ErrNotAgentMode", err)
	}
}

func TestSendNowStopsThenSends(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	h := newHarness(t, newProvider(step{chunks: []string{"partial"}, hold: hold}, step{chunks: []string{"b"}}), nil)
	ctx := context.Background()

	if _, err := h.sess.Submit(ctx, "first", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, h.provider, 0)
	if _, err := h.sess.Submit(ctx, "q1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sess.Submit(ctx, "q2", nil); err != nil {
		t.Fatal(err)
	}
	q2 := h.sess.Snapshot().Queue[1].ID

	ok, err := h.sess.SendNow(ctx, q2)
	if err != nil || !ok {
		t.Fatalf("SendNow ok=%v err=%v", ok, err)
	}
	// the natural finish of q2's run drains q1
	waitFor(t, "q1 drained", func() bool { return h.provider.count() == 3 && len(h.sess.Snapshot().Messages) == 6 && idle(h.sess)() })
	got := strings.Join(texts(h.sess.Snapshot().Messages), "|")
	want := "user:first|assistant:partial|user:q2|assistant:b|user:q1|assistant:ok"
	if got != want {
		t.Fatalf("transcript=%q, want %q", got, want)
	}
	if n := len(h.sess.Snapshot().Queue); n != 0 {
		t.Fatalf("queue len=%d, want 0", n)
	}
}

func TestSendNowWithoutRunIsNoop(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	ok, err := h.sess.SendNow(context.Background(), "q_missing")
	if ok || err != nil {
		t.Fatalf("SendNow ok=%v err=%v, want false nil", ok, err)
	}
	if h.provider.count() != 0 {
		t.Fatal("provider must not be called")
	}
}

func TestTokenLimitBlocksSubmit(t *testing.T) {
	h := newHarness(t, newProvider(), func(o *Options) { o.TokenLimit = 10 })
	_, err := h.sess.Submit(context.Background(), strings.Repeat("lorem ipsum ", 100), nil)
	var ue *chat.UserError
	if !errors.As(err, &ue) || ue.Key != KeyTokenLimit || !errors.Is(err, chat.ErrTokenLimit) {
		t.Fatalf("err=%v, want token limit user error", err)
	}
	if h.provider.count() != 0 || len(h.sess.Snapshot().Messages) != 0 {
		t.Fatal("nothing should be sent or appended")
	}
}

func TestSubmitRejectsEmpty(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	if _, err := h.sess.Submit(context.Background(), "   ", nil); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("err=%v, want ErrValidation", err)
	}
}

func TestToolCallFanOut(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	if err := h.sess.ensureChat(context.Background(), h.sess.ChatID(), "tools"); err != nil {
		t.Fatal(err)
	}

	todoInput := `{"merge":false,"todos":[{"id":"t1","content":"write tests","status":"in_progress"}]}`
	h.sess.OnToolCall("msg_a", chat.ToolCallPart{
		ToolCallID: "c1", ToolName: todo.ToolName, Input: todoInput, Output: `{"ok":true}`, State: chat.ToolCallOutput,
	})
	todos := h.sess.Snapshot().Todos
	if len(todos) != 1 || todos[0].Content != "write tests" || todos[0].SourceMessageID == nil || *todos[0].SourceMessageID != "msg_a" {
		t.Fatalf("todos=%+v", todos)
	}

	cases := []struct {
		name  string
		input string
		out   string
		state chat.ToolCallState
		pid   int
	}{
		{name: "background", input: `{"command":"sleep 30","is_background":true}`, out: `{"ok":true,"background":true,"pid":4242}`, state: chat.ToolCallOutput, pid: 4242},
		{name: "foreground", input: `{"command":"echo PID: 7"}`, out: "PID: 7", state: chat.ToolCallOutput},
		{name: "not yet run", input: `{"command":"sleep 1","is_background":true}`, state: chat.ToolCallInputAvailable},
	}
	for _, tc := range cases {
		h.sess.OnToolCall("msg_a", chat.ToolCallPart{ToolCallID: tc.name, ToolName: tools.TerminalToolName, Input: tc.input, Output: tc.out, State: tc.state})
	}
	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	if len(h.tracker.registered) != 1 || h.tracker.registered[4242] != "sleep 30" {
		t.Fatalf("registered=%v, want only 4242", h.tracker.registered)
	}
}

func TestSetModeFiltersTools(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	h.sess.SetMode(chat.ModeAsk)
	var names []string
	for _, d := range h.registry.Definitions() {
		names = append(names, d.Function.Name)
	}
	if strings.Join(names, ",") != tools.ReadToolName {
		t.Fatalf("ask tools=%v, want only %s", names, tools.ReadToolName)
	}
	h.sess.SetMode(chat.ModeAgent)
	if n := len(h.registry.Definitions()); n != 3 {
		t.Fatalf("agent tools=%d, want 3", n)
	}
}

func seedChat(t *testing.T, store *storage.SQLiteStore, chatID string, msgs ...chat.Message) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateChat(ctx, storage.ChatMeta{ID: chatID, Title: "seed"}); err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if err := store.AppendMessage(ctx, chatID, m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenResumesInterruptedRun(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	ctx := context.Background()
	const chatID = "chat_resume"
	seedChat(t, h.store, chatID, chat.NewUserMessage("still there?", nil))

	// another client is producing the answer
	h.hub.Begin(chatID, "run_other")
	frame, err := relay.PartFrame("run_other", "msg_answer", chat.TextPart{Text: "resumed answer"})
	if err != nil {
		t.Fatal(err)
	}
	h.hub.Publish(chatID, frame)
	answer := chat.Message{ID: "msg_answer", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart{Text: "resumed answer"}}}
	if err := h.store.AppendMessage(ctx, chatID, answer); err != nil {
		t.Fatal(err)
	}
	h.hub.Publish(chatID, relay.Frame{Type: relay.FrameFinish, RunID: "run_other", MessageID: "msg_answer"})

	if err := h.sess.Open(ctx, chatID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFor(t, "resumed answer", func() bool {
		msgs := h.sess.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Text() == "resumed answer" && idle(h.sess)()
	})
	if h.provider.count() != 0 {
		t.Fatal("resume must not call the provider")
	}
}

func TestOpenWithoutStreamStaysPut(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	ctx := context.Background()
	seedChat(t, h.store, "chat_idle", chat.NewUserMessage("hello?", nil))

	if err := h.sess.Open(ctx, "chat_idle"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := h.sess.Snapshot()
	if snap.Streaming || len(snap.Messages) != 1 || snap.ChatID != "chat_idle" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if err := h.sess.Open(ctx, "chat_missing"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("Open missing err=%v, want ErrNotFound", err)
	}
}

func TestEditThroughSession(t *testing.T) {
	h := newHarness(t, newProvider(step{chunks: []string{"one"}}, step{chunks: []string{"two"}}), nil)
	ctx := context.Background()
	if _, err := h.sess.Submit(ctx, "draft", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first answer", func() bool { return len(h.sess.Snapshot().Messages) == 2 && idle(h.sess)() })

	userID := h.sess.Snapshot().Messages[0].ID
	if err := h.sess.Edit(ctx, userID, "final"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	waitFor(t, "regenerated answer", func() bool {
		msgs := h.sess.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Text() == "two" && idle(h.sess)()
	})
	if got := h.sess.Snapshot().Messages[0].Text(); got != "final" {
		t.Fatalf("user text=%q, want final", got)
	}
}

func TestKillProcessWrapsFailure(t *testing.T) {
	h := newHarness(t, newProvider(), nil)
	h.tracker.killErr = chat.ErrNotFound
	err := h.sess.KillProcess(context.Background(), 99)
	var ue *chat.UserError
	if !errors.As(err, &ue) || ue.Key != KeyKillFailed {
		t.Fatalf("err=%v, want %s", err, KeyKillFailed)
	}
}

func TestToUserErrorKeys(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{chat.ErrRateLimit, KeyRateLimited},
		{chat.ErrNetwork, KeyNetwork},
		{chat.ErrNotAgentMode, KeyQueueAgentOnly},
		{errors.New("boom"), "toast.send_failed"},
		{chat.NewUserError("toast.custom", nil), "toast.custom"},
	}
	for _, tc := range cases {
		var ue *chat.UserError
		if !errors.As(toUserError("toast.send_failed", tc.err), &ue) || ue.Key != tc.want {
			t.Errorf("toUserError(%v) key=%v, want %s", tc.err, ue, tc.want)
		}
	}
}
