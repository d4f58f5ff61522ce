package tui

import (
	"fmt"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/i18n"
	"chatsync/internal/process"
	"chatsync/internal/queue"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown 使用 Glamour 渲染 markdown 文本
// RenderMarkdown renders markdown text using Glamour
func RenderMarkdown(content string, width int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}

	rendered, err := r.Render(content)
	if err != nil {
		return content
	}

	return strings.TrimRight(rendered, "\n")
}

type cacheKey struct {
	id    string
	width int
	text  string
}

// markdownCache keeps rendered finished messages.
type markdownCache map[cacheKey]string

func (c markdownCache) render(id, text string, width int) string {
	key := cacheKey{id: id, width: width, text: text}
	if out, ok := c[key]; ok {
		return out
	}
	out := RenderMarkdown(text, width)
	c[key] = out
	return out
}

// renderTranscript lays out the messages. The in-flight message (not yet
// persisted) is shown as plain text while it grows.
func renderTranscript(msgs []chat.Message, streaming bool, width int, theme Theme, cache markdownCache) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		switch m.Role {
		case chat.RoleUser:
			b.WriteString(theme.UserStyle.Render("› "+i18n.T("label.user")) + "\n")
			b.WriteString(m.Text() + "\n")
		default:
			b.WriteString(theme.AssistantStyle.Render("◆ "+i18n.T("label.assistant")) + "\n")
			for _, call := range m.ToolCalls() {
				b.WriteString(theme.ToolStyle.Render("  🔧 "+i18n.T("label.tool", call.ToolName)+" "+toolState(call)) + "\n")
			}
			text := m.Text()
			live := streaming && i == len(msgs)-1 && !m.ServerPersisted
			if live || cache == nil {
				b.WriteString(text + "\n")
			} else if rendered := cache.render(m.ID, text, width); rendered != "" {
				b.WriteString(rendered + "\n")
			}
		}
	}
	return b.String()
}

func toolState(call chat.ToolCallPart) string {
	switch call.State {
	case chat.ToolCallOutput:
		return "✓"
	case chat.ToolCallError:
		return "✗"
	default:
		return "…"
	}
}

func renderQueue(entries []queue.QueuedMessage, width int) []string {
	if len(entries) == 0 {
		return []string{"  " + i18n.T("queue.empty")}
	}
	out := make([]string, 0, len(entries))
	for i, q := range entries {
		out = append(out, fmt.Sprintf("  %d. %s", i+1, truncate(q.Text, width-6)))
	}
	return out
}

func renderTodos(items []chat.Todo, width int) []string {
	if len(items) == 0 {
		return []string{"  " + i18n.T("todo.empty")}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		mark := "[ ]"
		switch item.Status {
		case chat.TodoInProgress:
			mark = "[~]"
		case chat.TodoCompleted:
			mark = "[x]"
		case chat.TodoCancelled:
			mark = "[-]"
		}
		out = append(out, "  "+mark+" "+truncate(item.Content, width-8))
	}
	return out
}

func renderProcesses(procs []process.TrackedProcess, width int) []string {
	if len(procs) == 0 {
		return []string{"  " + i18n.T("proc.empty")}
	}
	out := make([]string, 0, len(procs))
	for _, p := range procs {
		state := i18n.T("proc.running")
		switch {
		case p.IsKilling:
			state = i18n.T("proc.killing")
		case !p.Running:
			state = i18n.T("proc.exited")
		}
		out = append(out, fmt.Sprintf("  %d %s", p.PID, state))
		out = append(out, "    "+truncate(p.Command, width-6))
		if p.CommandMatches != nil && !*p.CommandMatches && p.ActualCommand != nil {
			out = append(out, "    "+truncate(i18n.T("proc.mismatch", *p.ActualCommand), width-6))
		}
	}
	return out
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if limit < 4 {
		limit = 4
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
