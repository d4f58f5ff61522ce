package repl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/process"
	"chatsync/internal/queue"
)

type command struct {
	name    string
	descKey string
}

var commands = []command{
	{"/help", "cmd.help"},
	{"/new", "cmd.new"},
	{"/chats", "cmd.chats"},
	{"/open", "cmd.open"},
	{"/stop", "cmd.stop"},
	{"/edit", "cmd.edit"},
	{"/regen", "cmd.regen"},
	{"/queue", "cmd.queue"},
	{"/sendnow", "cmd.sendnow"},
	{"/drop", "cmd.drop"},
	{"/todos", "cmd.todos"},
	{"/ps", "cmd.ps"},
	{"/kill", "cmd.kill"},
	{"/mode", "cmd.mode"},
	{"/more", "cmd.more"},
	{"/model", "cmd.model"},
	{"/exit", "cmd.exit"},
}

// handleLine runs one input line. It reports whether the loop should exit.
func (l *Loop) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		queued, err := l.sess.Submit(ctx, line, nil)
		if err != nil {
			return false, err
		}
		if queued {
			fmt.Fprintln(l.out, l.locale.T("queue.queued", fitWidth(line, 40)))
		}
		return false, nil
	}

	cmd, arg, rest := splitArgs(line)
	switch cmd {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		l.printHelp()
	case "/new":
		id := l.sess.NewChat()
		fmt.Fprintln(l.out, l.locale.T("repl.welcome", id, l.sess.Mode()))
	case "/chats":
		return false, l.listChats(ctx)
	case "/open":
		if arg == "" {
			return false, l.usage("/open <chat_id>")
		}
		if err := l.sess.Open(ctx, arg); err != nil {
			return false, err
		}
		snap := l.sess.Snapshot()
		l.printer.Seen(snap.Messages)
		l.printTranscript(snap.Messages)
	case "/stop":
		l.sess.Stop()
	case "/edit":
		if arg == "" || rest == "" {
			return false, l.usage("/edit <message_id> <text>")
		}
		return false, l.sess.Edit(ctx, arg, rest)
	case "/regen":
		return false, l.sess.Regenerate(ctx)
	case "/queue":
		l.printQueue(l.sess.Snapshot().Queue)
	case "/sendnow":
		if arg == "" {
			return false, l.usage("/sendnow <queue_id>")
		}
		_, err := l.sess.SendNow(ctx, arg)
		return false, err
	case "/drop":
		if arg == "" {
			return false, l.usage("/drop <queue_id>")
		}
		if !l.sess.DeleteQueued(arg) {
			return false, fmt.Errorf("queued message %s: %w", arg, chat.ErrNotFound)
		}
	case "/todos":
		l.printTodos(l.sess.Snapshot().Todos)
	case "/ps":
		l.printProcesses(l.sess.Snapshot().Processes)
	case "/kill":
		pid, err := strconv.Atoi(arg)
		if err != nil || pid <= 0 {
			return false, l.usage("/kill <pid>")
		}
		return false, l.sess.KillProcess(ctx, pid)
	case "/mode":
		mode, err := chat.ParseMode(arg)
		if err != nil {
			return false, l.usage("/mode ask|agent")
		}
		l.sess.SetMode(mode)
		fmt.Fprintln(l.out, l.locale.T("mode.changed", mode))
	case "/more":
		n, err := l.sess.LoadMore(ctx)
		if err != nil {
			return false, err
		}
		if n > 0 {
			msgs := l.sess.Snapshot().Messages
			l.printTranscript(msgs[:min(n, len(msgs))])
		}
	case "/model":
		return false, l.switchModel(arg)
	default:
		return false, errors.New(l.locale.T("error.unknown_command", cmd))
	}
	return false, nil
}

func (l *Loop) usage(form string) error {
	return fmt.Errorf("%w: %s", chat.ErrValidation, l.locale.T("error.usage", form))
}

func (l *Loop) switchModel(model string) error {
	if model == "" {
		fmt.Fprintf(l.out, "%s: %s\n", l.locale.T("label.model"), l.sess.Model())
		return nil
	}
	if err := l.sess.SetModel(model); err != nil {
		return err
	}
	if l.projectDir != "" {
		if err := config.WriteProviderModel(l.projectDir, model); err != nil {
			return fmt.Errorf("persist model: %w", err)
		}
	}
	fmt.Fprintf(l.out, "%s: %s\n", l.locale.T("label.model"), model)
	return nil
}

func (l *Loop) printHelp() {
	for _, c := range commands {
		fmt.Fprintf(l.out, "  %s %s\n", padRight(c.name, 10), l.locale.T(c.descKey))
	}
}

func (l *Loop) listChats(ctx context.Context) error {
	metas, err := l.sess.ListChats(ctx)
	if err != nil {
		return err
	}
	current := l.sess.ChatID()
	for _, m := range metas {
		mark := " "
		if m.ID == current {
			mark = "*"
		}
		fmt.Fprintf(l.out, "%s %s  %s  %s\n", mark, m.ID, padRight(fitWidth(m.Title, 40), 40), m.UpdatedAt)
	}
	return nil
}

func (l *Loop) printTranscript(msgs []chat.Message) {
	for _, m := range msgs {
		label := l.locale.T("label.assistant")
		if m.Role == chat.RoleUser {
			label = l.locale.T("label.user")
		}
		fmt.Fprintf(l.out, "%s %s\n", padRight(label, 10), m.ID)
		for _, call := range m.ToolCalls() {
			fmt.Fprintf(l.out, "  [%s] %s\n", call.ToolName, call.State)
		}
		if text := strings.TrimSpace(m.Text()); text != "" {
			fmt.Fprintln(l.out, text)
		}
		fmt.Fprintln(l.out)
	}
}

func (l *Loop) printQueue(entries []queue.QueuedMessage) {
	if len(entries) == 0 {
		fmt.Fprintln(l.out, l.locale.T("queue.empty"))
		return
	}
	for i, q := range entries {
		fmt.Fprintf(l.out, "%d. %s  %s\n", i+1, q.ID, fitWidth(q.Text, 60))
	}
}

func (l *Loop) printTodos(items []chat.Todo) {
	if len(items) == 0 {
		fmt.Fprintln(l.out, l.locale.T("todo.empty"))
		return
	}
	for _, item := range items {
		fmt.Fprintf(l.out, "%s %s\n", padRight(string(item.Status), 12), fitWidth(item.Content, 70))
	}
}

func (l *Loop) printProcesses(procs []process.TrackedProcess) {
	if len(procs) == 0 {
		fmt.Fprintln(l.out, l.locale.T("proc.empty"))
		return
	}
	for _, p := range procs {
		state := l.locale.T("proc.running")
		switch {
		case p.IsKilling:
			state = l.locale.T("proc.killing")
		case !p.Running:
			state = l.locale.T("proc.exited")
		}
		fmt.Fprintf(l.out, "%-8d %s %s\n", p.PID, padRight(state, 10), fitWidth(p.Command, 60))
		if p.CommandMatches != nil && !*p.CommandMatches && p.ActualCommand != nil {
			fmt.Fprintf(l.out, "         %s\n", l.locale.T("proc.mismatch", *p.ActualCommand))
		}
	}
}
