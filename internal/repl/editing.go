package repl

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// fitWidth 将 s 压成单行并按终端列宽截断
// fitWidth flattens s to one line and truncates it to width terminal cells
func fitWidth(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// padRight pads s with spaces to width terminal cells.
func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// splitArgs splits "/cmd a rest of line" into the command, its first
// argument and the remaining text with inner spacing kept.
func splitArgs(line string) (cmd, first, rest string) {
	line = strings.TrimSpace(line)
	cmd, tail, _ := strings.Cut(line, " ")
	tail = strings.TrimSpace(tail)
	first, rest, _ = strings.Cut(tail, " ")
	return cmd, first, strings.TrimSpace(rest)
}
