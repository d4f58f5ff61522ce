package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/i18n"
	"chatsync/internal/session"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the session surface the TUI drives.
type Controller interface {
	Submit(ctx context.Context, text string, files []chat.FileRef) (bool, error)
	Stop() bool
	Edit(ctx context.Context, messageID, text string) error
	Regenerate(ctx context.Context) error
	KillProcess(ctx context.Context, pid int) error
	SetMode(mode chat.Mode)
	LoadMore(ctx context.Context) (int, error)
	Snapshot() session.Snapshot
}

// --- Tea Messages ---

// SnapshotMsg 会话状态更新
// SnapshotMsg carries fresh session state
type SnapshotMsg struct{ Snap session.Snapshot }

// ToastMsg 异步失败提示
// ToastMsg reports a failure raised outside a key press
type ToastMsg struct{ Err error }

// opDoneMsg ends an operation started from a key press.
type opDoneMsg struct {
	queued bool
	err    error
}

// App Bubble Tea 主 Model
// App is the main Bubble Tea model
type App struct {
	// 布局 / Layout
	width  int
	height int

	chatView viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	// 状态 / State
	snap      session.Snapshot
	editingID string
	toast     string

	// 配置 / Config
	ctrl   Controller
	theme  Theme
	keys   KeyMap
	locale *i18n.I18n
	md     markdownCache
}

// NewApp 创建 TUI 应用
// NewApp creates a new TUI application
func NewApp(ctrl Controller) App {
	ta := textarea.New()
	ta.Placeholder = i18n.T("input.placeholder")
	ta.CharLimit = 8192
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	a := App{
		chatView: viewport.New(80, 20),
		input:    ta,
		spinner:  sp,
		ctrl:     ctrl,
		theme:    DarkTheme(),
		keys:     DefaultKeyMap(),
		locale:   i18n.Global(),
		md:       markdownCache{},
	}
	if ctrl != nil {
		a.snap = ctrl.Snapshot()
	}
	return a
}

func (a App) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, a.spinner.Tick)
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if model, cmd, handled := a.handleKey(msg); handled {
			return model, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.relayout()
		return a, nil

	case SnapshotMsg:
		a.snap = msg.Snap
		a.refreshChat()
		a.syncPlaceholder()
		return a, nil

	case ToastMsg:
		a.toast = a.toastText(msg.Err)
		return a, nil

	case opDoneMsg:
		switch {
		case msg.err != nil:
			a.toast = a.toastText(msg.err)
		case msg.queued:
			a.toast = ""
		}
		if a.ctrl != nil {
			a.snap = a.ctrl.Snapshot()
			a.refreshChat()
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit, true

	case key.Matches(msg, a.keys.Stop):
		if a.editingID != "" {
			a.editingID = ""
			a.input.Reset()
			a.syncPlaceholder()
			return a, nil, true
		}
		if !a.snap.Streaming || a.ctrl == nil {
			return a, nil, true
		}
		ctrl := a.ctrl
		return a, func() tea.Msg {
			ctrl.Stop()
			return opDoneMsg{}
		}, true

	case key.Matches(msg, a.keys.SwitchMode):
		next := chat.ModeAgent
		if a.snap.Mode == chat.ModeAgent {
			next = chat.ModeAsk
		}
		if a.ctrl != nil {
			a.ctrl.SetMode(next)
		}
		a.snap.Mode = next
		a.toast = a.locale.T("mode.changed", a.locale.T("mode."+string(next)))
		return a, nil, true

	case key.Matches(msg, a.keys.Regenerate):
		return a, a.run(func(ctx context.Context, c Controller) (bool, error) {
			return false, c.Regenerate(ctx)
		}), true

	case key.Matches(msg, a.keys.EditLast):
		for i := len(a.snap.Messages) - 1; i >= 0; i-- {
			if m := a.snap.Messages[i]; m.Role == chat.RoleUser {
				a.editingID = m.ID
				a.input.SetValue(m.Text())
				a.syncPlaceholder()
				break
			}
		}
		return a, nil, true

	case key.Matches(msg, a.keys.KillFirst):
		for _, p := range a.snap.Processes {
			if p.Running && !p.IsKilling {
				pid := p.PID
				return a, a.run(func(ctx context.Context, c Controller) (bool, error) {
					return false, c.KillProcess(ctx, pid)
				}), true
			}
		}
		return a, nil, true

	case key.Matches(msg, a.keys.LoadMore):
		return a, a.run(func(ctx context.Context, c Controller) (bool, error) {
			_, err := c.LoadMore(ctx)
			return false, err
		}), true

	case key.Matches(msg, a.keys.PageUp):
		a.chatView.SetYOffset(a.chatView.YOffset - a.chatView.Height/2)
		return a, nil, true

	case key.Matches(msg, a.keys.PageDown):
		a.chatView.SetYOffset(a.chatView.YOffset + a.chatView.Height/2)
		return a, nil, true

	case key.Matches(msg, a.keys.Submit):
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			return a, nil, true
		}
		a.input.Reset()
		a.toast = ""
		if id := a.editingID; id != "" {
			a.editingID = ""
			a.syncPlaceholder()
			return a, a.run(func(ctx context.Context, c Controller) (bool, error) {
				return false, c.Edit(ctx, id, text)
			}), true
		}
		return a, a.run(func(ctx context.Context, c Controller) (bool, error) {
			return c.Submit(ctx, text, nil)
		}), true
	}
	return a, nil, false
}

// run executes op off the update loop.
func (a App) run(op func(ctx context.Context, c Controller) (bool, error)) tea.Cmd {
	if a.ctrl == nil {
		return nil
	}
	ctrl := a.ctrl
	return func() tea.Msg {
		queued, err := op(context.Background(), ctrl)
		return opDoneMsg{queued: queued, err: err}
	}
}

func (a App) toastText(err error) string {
	if err == nil {
		return ""
	}
	var ue *chat.UserError
	if errors.As(err, &ue) {
		return a.locale.T(ue.Key)
	}
	return a.locale.T("error.provider", err.Error())
}

func (a *App) syncPlaceholder() {
	switch {
	case a.editingID != "":
		a.input.Placeholder = a.locale.T("input.edit_placeholder")
	case a.snap.Streaming:
		a.input.Placeholder = a.locale.T("input.queue_placeholder")
	default:
		a.input.Placeholder = a.locale.T("input.placeholder")
	}
}

// --- 布局 / Layout ---

const (
	inputHeight  = 5
	statusHeight = 1
	headerHeight = 1
	toastHeight  = 1
)

func (a App) sidebarWidth() int {
	if a.width < 80 {
		return 0
	}
	w := a.width * 30 / 100
	if w < 24 {
		w = 24
	}
	if w > 44 {
		w = 44
	}
	return w
}

func (a App) mainWidth() int {
	w := a.width - a.sidebarWidth()
	if a.sidebarWidth() > 0 {
		w-- // border
	}
	return w
}

func (a *App) relayout() {
	panelHeight := a.height - inputHeight - statusHeight - headerHeight - toastHeight
	if panelHeight < 3 {
		panelHeight = 3
	}
	a.chatView.Width = a.mainWidth()
	a.chatView.Height = panelHeight
	a.input.SetWidth(a.mainWidth() - 2)
	a.refreshChat()
}

func (a *App) refreshChat() {
	atBottom := a.chatView.AtBottom()
	var b strings.Builder
	if a.snap.HasMore {
		b.WriteString(a.theme.MutedStyle.Render(a.locale.T("label.load_more")) + "\n\n")
	}
	b.WriteString(renderTranscript(a.snap.Messages, a.snap.Streaming, a.chatView.Width-2, a.theme, a.md))
	a.chatView.SetContent(b.String())
	if atBottom || a.snap.Streaming {
		a.chatView.GotoBottom()
	}
}

func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "Initializing..."
	}

	mainWidth := a.mainWidth()
	header := a.renderHeader(mainWidth)
	panel := lipgloss.NewStyle().Width(mainWidth).Height(a.chatView.Height).Render(a.chatView.View())
	toast := ""
	if a.toast != "" {
		toast = a.theme.ToastStyle.Render(truncate(a.toast, mainWidth-2))
	}
	inputBox := a.theme.InputStyle.Width(mainWidth).Render(a.input.View())

	main := lipgloss.JoinVertical(lipgloss.Left, header, panel, toast, inputBox)
	if w := a.sidebarWidth(); w > 0 {
		main = lipgloss.JoinHorizontal(lipgloss.Top, main, a.renderSidebar(w, a.height-statusHeight))
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, a.renderStatusBar(a.width))
}

func (a App) renderHeader(width int) string {
	var parts []string
	for _, m := range []chat.Mode{chat.ModeAsk, chat.ModeAgent} {
		style := a.theme.InactiveTabStyle
		if m == a.snap.Mode {
			style = a.theme.ActiveTabStyle
		}
		parts = append(parts, style.Render(a.locale.T("mode."+string(m))))
	}
	title := a.theme.MutedStyle.Render("  " + truncate(a.snap.ChatID, width/2))
	return lipgloss.JoinHorizontal(lipgloss.Top, append(parts, title)...)
}

func (a App) renderSidebar(width, height int) string {
	var parts []string
	section := func(titleKey string, lines []string) {
		parts = append(parts, a.theme.TitleStyle.Render(" "+a.locale.T(titleKey)))
		parts = append(parts, lines...)
		parts = append(parts, "")
	}
	section("panel.queue", renderQueue(a.snap.Queue, width))
	section("panel.todo", renderTodos(a.snap.Todos, width))
	section("panel.processes", renderProcesses(a.snap.Processes, width))

	style := a.theme.SidebarStyle.
		Width(width).
		Height(height)
	return style.Render(strings.Join(parts, "\n"))
}

func (a App) renderStatusBar(width int) string {
	status := a.locale.T("status.ready")
	if a.snap.Streaming {
		status = a.spinner.View() + a.locale.T("status.streaming")
	}

	left := fmt.Sprintf(" %s · %s · %s", a.locale.T("mode."+string(a.snap.Mode)), a.snap.Model, status)
	right := fmt.Sprintf("%d / %d  ", a.snap.Tokens, a.snap.TokenLimit)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	bar := left + strings.Repeat(" ", gap) + right
	return a.theme.StatusBarStyle.Width(width).Render(bar)
}

// Run 启动 Bubble Tea TUI
// Run starts the Bubble Tea TUI on sess
func Run(sess *session.Session) error {
	p := tea.NewProgram(NewApp(sess), tea.WithAltScreen())

	done := make(chan struct{})
	defer close(done)

	// coalesce bursts of changes into one redraw of the latest state
	dirty := make(chan struct{}, 1)
	sess.Subscribe(func(session.Snapshot) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	sess.SubscribeToasts(func(ue *chat.UserError) {
		go p.Send(ToastMsg{Err: ue})
	})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-dirty:
				p.Send(SnapshotMsg{Snap: sess.Snapshot()})
			}
		}
	}()

	_, err := p.Run()
	return err
}
