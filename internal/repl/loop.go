// Package repl is the line-oriented client: slash commands plus free text
// that is submitted to the active chat.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chatsync/internal/chat"
	"chatsync/internal/i18n"
	"chatsync/internal/session"
	"chatsync/internal/storage"

	"github.com/chzyer/readline"
)

// Session is the part of session.Session the REPL drives.
type Session interface {
	ChatID() string
	Mode() chat.Mode
	SetMode(mode chat.Mode)
	Model() string
	SetModel(model string) error
	NewChat() string
	Open(ctx context.Context, chatID string) error
	ListChats(ctx context.Context) ([]storage.ChatMeta, error)
	Submit(ctx context.Context, text string, files []chat.FileRef) (bool, error)
	Stop() bool
	Edit(ctx context.Context, messageID, text string) error
	Regenerate(ctx context.Context) error
	SendNow(ctx context.Context, id string) (bool, error)
	DeleteQueued(id string) bool
	KillProcess(ctx context.Context, pid int) error
	LoadMore(ctx context.Context) (int, error)
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot))
	SubscribeToasts(fn func(*chat.UserError))
}

// Options configures a Loop.
type Options struct {
	// ProjectDir receives the /model choice; empty skips persisting it.
	ProjectDir string
	// HistoryPath is the readline history file.
	HistoryPath string
}

// Loop 持有 REPL 状态：会话、输入与输出
// Loop holds REPL state: the session, input and output.
type Loop struct {
	sess       Session
	in         lineInput
	out        io.Writer
	locale     *i18n.I18n
	printer    *streamPrinter
	projectDir string
	color      bool
}

func newLoop(sess Session, in lineInput, out io.Writer, projectDir string, color bool) *Loop {
	l := &Loop{
		sess:       sess,
		in:         in,
		out:        out,
		locale:     i18n.Global(),
		printer:    newStreamPrinter(out, color),
		projectDir: projectDir,
		color:      color,
	}
	sess.Subscribe(l.printer.OnSnapshot)
	sess.SubscribeToasts(func(ue *chat.UserError) {
		l.printer.Toast(l.locale.T(ue.Key))
	})
	return l
}

// Run reads commands until /exit or end of input.
func Run(ctx context.Context, sess Session, opts Options) error {
	in, err := newLineInput(opts.HistoryPath)
	if err != nil {
		fmt.Fprintf(in.Stdout(), "line editor unavailable, fallback to basic input: %v\n", err)
	}
	defer in.Close()

	l := newLoop(sess, in, in.Stdout(), opts.ProjectDir, useColor())
	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	fmt.Fprintln(l.out, l.locale.T("repl.welcome", l.sess.ChatID(), l.sess.Mode()))
	for {
		line, err := l.in.ReadLine(l.prompt())
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				// ctrl+c stops a running reply; on an idle prompt it only clears the line
				l.sess.Stop()
				continue
			case errors.Is(err, io.EOF):
				fmt.Fprintln(l.out, l.locale.T("repl.bye"))
				return nil
			default:
				return fmt.Errorf("read input: %w", err)
			}
		}
		exit, err := l.handleLine(ctx, line)
		if err != nil {
			l.printError(err)
		}
		if exit {
			fmt.Fprintln(l.out, l.locale.T("repl.bye"))
			return nil
		}
	}
}

func (l *Loop) prompt() string {
	snap := l.sess.Snapshot()
	p := fmt.Sprintf("[%s] %s> ", snap.Mode, snap.Model)
	if snap.Streaming {
		p = fmt.Sprintf("[%s] %s …> ", snap.Mode, snap.Model)
	}
	if l.color {
		return ansiGreen + p + ansiReset
	}
	return p
}

func (l *Loop) printError(err error) {
	text := err.Error()
	var ue *chat.UserError
	if errors.As(err, &ue) {
		text = l.locale.T(ue.Key)
	}
	if l.color {
		fmt.Fprintf(l.out, "%serror: %s%s\n", ansiRed, text, ansiReset)
		return
	}
	fmt.Fprintf(l.out, "error: %s\n", text)
}
