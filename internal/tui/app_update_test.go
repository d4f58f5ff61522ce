package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	"chatsync/internal/chat"
	"chatsync/internal/process"
	"chatsync/internal/session"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeController struct {
	mu        sync.Mutex
	snap      session.Snapshot
	submitted []string
	edits     map[string]string
	stops     int
	regens    int
	killed    []int
	loads     int
	submitErr error
	queued    bool
}

func (f *fakeController) Submit(_ context.Context, text string, _ []chat.FileRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	return f.queued, f.submitErr
}

func (f *fakeController) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return true
}

func (f *fakeController) Edit(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = map[string]string{}
	}
	f.edits[id] = text
	return nil
}

func (f *fakeController) Regenerate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regens++
	return nil
}

func (f *fakeController) KillProcess(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeController) SetMode(mode chat.Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Mode = mode
}

func (f *fakeController) LoadMore(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return 0, nil
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func newTestApp(ctrl *fakeController) App {
	app := NewApp(ctrl)
	app.width, app.height = 100, 30
	app.relayout()
	return app
}

func typeText(t *testing.T, app App, text string) App {
	t.Helper()
	m, _ := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return m.(App)
}

// press sends msg and runs the command it returns, feeding the result back.
func press(t *testing.T, app App, msg tea.Msg) App {
	t.Helper()
	m, cmd := app.Update(msg)
	app = m.(App)
	if cmd == nil {
		return app
	}
	if done, ok := cmd().(opDoneMsg); ok {
		m, _ = app.Update(done)
		app = m.(App)
	}
	return app
}

func TestAppSubmitAndModeSwitch(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{Mode: chat.ModeAgent, Model: "gpt"}}
	app := newTestApp(ctrl)

	app = typeText(t, app, "hello")
	app = press(t, app, tea.KeyMsg{Type: tea.KeyEnter})
	if len(ctrl.submitted) != 1 || ctrl.submitted[0] != "hello" {
		t.Fatalf("submitted=%v, want [hello]", ctrl.submitted)
	}
	if app.input.Value() != "" {
		t.Fatalf("input=%q, want empty", app.input.Value())
	}

	// blank input is ignored
	app = press(t, app, tea.KeyMsg{Type: tea.KeyEnter})
	if len(ctrl.submitted) != 1 {
		t.Fatalf("submitted=%v, want one entry", ctrl.submitted)
	}

	app = press(t, app, tea.KeyMsg{Type: tea.KeyTab})
	if app.snap.Mode != chat.ModeAsk || ctrl.snap.Mode != chat.ModeAsk {
		t.Fatalf("mode=%v/%v, want ask", app.snap.Mode, ctrl.snap.Mode)
	}
}

func TestAppStopOnlyWhileStreaming(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{Mode: chat.ModeAgent}}
	app := newTestApp(ctrl)

	app = press(t, app, tea.KeyMsg{Type: tea.KeyEsc})
	if ctrl.stops != 0 {
		t.Fatalf("stops=%d, want 0", ctrl.stops)
	}

	m, _ := app.Update(SnapshotMsg{Snap: session.Snapshot{Mode: chat.ModeAgent, Streaming: true}})
	app = m.(App)
	if app.input.Placeholder != app.locale.T("input.queue_placeholder") {
		t.Fatalf("placeholder=%q", app.input.Placeholder)
	}
	press(t, app, tea.KeyMsg{Type: tea.KeyEsc})
	if ctrl.stops != 1 {
		t.Fatalf("stops=%d, want 1", ctrl.stops)
	}
}

func TestAppEditLastUserMessage(t *testing.T) {
	msgs := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "first"}}, ServerPersisted: true},
		{ID: "a1", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart{Text: "reply"}}, ServerPersisted: true},
		{ID: "u2", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "second"}}, ServerPersisted: true},
	}
	ctrl := &fakeController{snap: session.Snapshot{Mode: chat.ModeAgent, Messages: msgs}}
	app := newTestApp(ctrl)

	app = press(t, app, tea.KeyMsg{Type: tea.KeyCtrlE})
	if app.editingID != "u2" || app.input.Value() != "second" {
		t.Fatalf("editing=%q input=%q, want u2/second", app.editingID, app.input.Value())
	}

	app.input.SetValue("changed")
	app = press(t, app, tea.KeyMsg{Type: tea.KeyEnter})
	if ctrl.edits["u2"] != "changed" {
		t.Fatalf("edits=%v, want u2=changed", ctrl.edits)
	}
	if app.editingID != "" || len(ctrl.submitted) != 0 {
		t.Fatalf("editing=%q submitted=%v, want edit only", app.editingID, ctrl.submitted)
	}

	// esc leaves edit mode without stopping anything
	app = press(t, app, tea.KeyMsg{Type: tea.KeyCtrlE})
	app = press(t, app, tea.KeyMsg{Type: tea.KeyEsc})
	if app.editingID != "" || app.input.Value() != "" || ctrl.stops != 0 {
		t.Fatalf("editing=%q input=%q stops=%d", app.editingID, app.input.Value(), ctrl.stops)
	}
}

func TestAppKillRegenerateLoadMore(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{
		Mode: chat.ModeAgent,
		Processes: []process.TrackedProcess{
			{PID: 10, Command: "old", Running: false},
			{PID: 20, Command: "npm run dev", Running: true},
		},
	}}
	app := newTestApp(ctrl)

	app = press(t, app, tea.KeyMsg{Type: tea.KeyCtrlK})
	if len(ctrl.killed) != 1 || ctrl.killed[0] != 20 {
		t.Fatalf("killed=%v, want [20]", ctrl.killed)
	}
	app = press(t, app, tea.KeyMsg{Type: tea.KeyCtrlR})
	press(t, app, tea.KeyMsg{Type: tea.KeyCtrlU})
	if ctrl.regens != 1 || ctrl.loads != 1 {
		t.Fatalf("regens=%d loads=%d, want 1/1", ctrl.regens, ctrl.loads)
	}
}

func TestAppToasts(t *testing.T) {
	ctrl := &fakeController{
		snap:      session.Snapshot{Mode: chat.ModeAsk},
		submitErr: &chat.UserError{Key: "toast.queue_agent_only", Err: chat.ErrNotAgentMode},
	}
	app := newTestApp(ctrl)

	app = typeText(t, app, "later")
	app = press(t, app, tea.KeyMsg{Type: tea.KeyEnter})
	if want := app.locale.T("toast.queue_agent_only"); app.toast != want {
		t.Fatalf("toast=%q, want %q", app.toast, want)
	}

	m, _ := app.Update(ToastMsg{Err: &chat.UserError{Key: "toast.rate_limited", Err: chat.ErrRateLimit}})
	app = m.(App)
	if want := app.locale.T("toast.rate_limited"); app.toast != want {
		t.Fatalf("toast=%q, want %q", app.toast, want)
	}
	if !strings.Contains(app.View(), app.toast) {
		t.Fatalf("view does not show the toast")
	}
}

func TestAppViewShowsSnapshot(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{Mode: chat.ModeAgent, Model: "gpt-test", TokenLimit: 100}}
	app := newTestApp(ctrl)

	m, _ := app.Update(SnapshotMsg{Snap: session.Snapshot{
		ChatID:     "chat_1",
		Mode:       chat.ModeAgent,
		Model:      "gpt-test",
		Tokens:     42,
		TokenLimit: 100,
		Todos:      []chat.Todo{{ID: "t1", Content: "write tests", Status: chat.TodoInProgress}},
		Messages: []chat.Message{
			{ID: "u1", Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart{Text: "question"}}},
		},
	}})
	view := m.(App).View()
	for _, want := range []string{"question", "gpt-test", "42 / 100", "[~] write tests"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q", want)
		}
	}
}
