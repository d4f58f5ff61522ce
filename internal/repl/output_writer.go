package repl

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/session"
)

// ANSI colors
const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[90m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// streamPrinter writes the assistant reply as it grows. It follows session
// snapshots and prints only the text not yet written for the live message.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	current string
	printed int
	tools   map[string]chat.ToolCallState
	done    map[string]bool
}

func newStreamPrinter(out io.Writer, color bool) *streamPrinter {
	return &streamPrinter{
		out:   out,
		color: color,
		tools: make(map[string]chat.ToolCallState),
		done:  make(map[string]bool),
	}
}

// Seen marks every message in msgs as already shown, e.g. after /open.
func (p *streamPrinter) Seen(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.ID != p.current {
			p.done[m.ID] = true
		}
	}
}

func (p *streamPrinter) OnSnapshot(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last *chat.Message
	if n := len(snap.Messages); n > 0 && snap.Messages[n-1].Role == chat.RoleAssistant {
		last = &snap.Messages[n-1]
	}

	if last != nil && !p.done[last.ID] {
		if last.ID != p.current && snap.Streaming {
			p.closeLocked()
			p.current = last.ID
			p.printed = 0
			clear(p.tools)
		}
		if last.ID == p.current {
			p.writeDeltaLocked(*last)
		}
	}
	if !snap.Streaming && p.current != "" {
		p.closeLocked()
	}
}

func (p *streamPrinter) writeDeltaLocked(m chat.Message) {
	for _, call := range m.ToolCalls() {
		if prev, ok := p.tools[call.ToolCallID]; ok && prev == call.State {
			continue
		}
		p.tools[call.ToolCallID] = call.State
		line := fmt.Sprintf("[%s] %s", call.ToolName, call.State)
		if p.color {
			line = ansiDim + line + ansiReset
		}
		fmt.Fprintf(p.out, "\n%s\n", line)
	}
	text := m.Text()
	if len(text) > p.printed {
		io.WriteString(p.out, text[p.printed:])
		p.printed = len(text)
	}
}

func (p *streamPrinter) closeLocked() {
	if p.current == "" {
		return
	}
	p.done[p.current] = true
	p.current = ""
	p.printed = 0
	io.WriteString(p.out, "\n")
}

// Toast prints a user-facing failure.
func (p *streamPrinter) Toast(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.color {
		fmt.Fprintf(p.out, "\n%s! %s%s\n", ansiYellow, text, ansiReset)
		return
	}
	fmt.Fprintf(p.out, "\n! %s\n", text)
}

func useColor() bool {
	if strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CHATSYNC_NO_COLOR")) != "" {
		return false
	}
	return strings.ToLower(strings.TrimSpace(os.Getenv("TERM"))) != "dumb"
}
