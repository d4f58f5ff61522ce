// Package security guards what assistant tool calls may touch.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"chatsync/internal/chat"
)

// 禁止助手直接执行的命令 / Commands the assistant may not run
var blockedPrograms = map[string]string{
	"rm":       "deletes files",
	"mv":       "moves files",
	"chmod":    "changes permissions",
	"chown":    "changes ownership",
	"dd":       "writes raw devices",
	"mkfs":     "formats filesystems",
	"shutdown": "stops the host",
	"reboot":   "restarts the host",
	"kill":     "signals processes; use the process panel",
	"pkill":    "signals processes; use the process panel",
}

var shellSeparators = map[string]bool{
	";": true, "&&": true, "||": true, "|": true, "&": true,
}

// CheckCommand refuses commands the terminal tool must not run. The error
// wraps chat.ErrValidation and names the reason.
func CheckCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("%w: command is empty", chat.ErrValidation)
	}
	if strings.Contains(trimmed, "$(") || strings.Contains(trimmed, "`") {
		return fmt.Errorf("%w: command substitution is not allowed", chat.ErrValidation)
	}
	words, err := splitShellWords(trimmed)
	if err != nil {
		return fmt.Errorf("%w: command does not parse: %v", chat.ErrValidation, err)
	}
	for _, prog := range programs(words) {
		if reason, ok := blockedPrograms[prog]; ok {
			return fmt.Errorf("%w: %s %s", chat.ErrValidation, prog, reason)
		}
	}
	return nil
}

// programs returns the program name of every pipeline segment.
func programs(words []string) []string {
	var out []string
	expect := true
	for _, w := range words {
		if shellSeparators[w] {
			expect = true
			continue
		}
		if !expect {
			continue
		}
		// leading VAR=value assignments are not the program
		if strings.Contains(w, "=") && !strings.HasPrefix(w, "=") {
			continue
		}
		name := w
		for _, sep := range []string{";", "&", "|"} {
			name = strings.TrimRight(name, sep)
		}
		if name == "sudo" || name == "env" || name == "nohup" {
			continue
		}
		out = append(out, filepath.Base(name))
		expect = strings.HasSuffix(w, ";") || strings.HasSuffix(w, "&") || strings.HasSuffix(w, "|")
	}
	return out
}

func splitShellWords(input string) ([]string, error) {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		quoted   bool
	)
	flush := func() {
		if cur.Len() > 0 || quoted {
			out = append(out, cur.String())
			cur.Reset()
			quoted = false
		}
	}

	for _, r := range input {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case (r == ' ' || r == '\t' || r == '\n') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
		}
	}

	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inSingle || inDouble {
		return nil, errors.New("unmatched quote")
	}
	flush()
	return out, nil
}
