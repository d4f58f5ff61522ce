// Package agent resolves the tool profile of each conversation mode.
package agent

import (
	"strings"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/todo"
	"chatsync/internal/tools"
)

type Profile struct {
	Mode        chat.Mode
	Description string
	ToolEnabled map[string]bool
	MaxSteps    int
}

// Builtins 内置模式：ask 只读，agent 可使用全部工具
// Builtins are the built-in modes: ask is read-only, agent gets every tool
func Builtins() map[chat.Mode]Profile {
	ask := Profile{
		Mode:        chat.ModeAsk,
		Description: "Answers questions; reads the workspace and the todo list only",
		ToolEnabled: defaultToolSet(false),
	}
	for _, name := range readOnlyTools {
		ask.ToolEnabled[name] = true
	}

	agent := Profile{
		Mode:        chat.ModeAgent,
		Description: "Runs commands and maintains the todo list",
		ToolEnabled: defaultToolSet(true),
	}

	return map[chat.Mode]Profile{
		ask.Mode:   ask,
		agent.Mode: agent,
	}
}

// Resolve returns the profile of mode with the configured overrides
// applied. Unknown modes resolve to agent.
func Resolve(mode chat.Mode, defs []config.ModeDefinition) Profile {
	profiles := Builtins()
	for _, d := range defs {
		m, err := chat.ParseMode(d.Name)
		if err != nil {
			continue
		}
		profiles[m] = applyDefinition(profiles[m], d)
	}
	if p, ok := profiles[mode]; ok {
		return p
	}
	return profiles[chat.ModeAgent]
}

func applyDefinition(base Profile, d config.ModeDefinition) Profile {
	enabled := make(map[string]bool, len(base.ToolEnabled))
	for k, v := range base.ToolEnabled {
		enabled[k] = v
	}
	for name, decision := range d.Tools {
		enabled[strings.TrimSpace(name)] = parseToolDecision(decision)
	}
	base.ToolEnabled = enabled
	if d.MaxSteps > 0 {
		base.MaxSteps = d.MaxSteps
	}
	return base
}

func parseToolDecision(raw string) bool {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "off", "deny", "disable", "disabled", "false", "0", "no":
		return false
	default:
		return true
	}
}

var readOnlyTools = []string{
	tools.ReadToolName,
	tools.ListDirToolName,
	tools.FileSearchToolName,
	tools.GrepToolName,
	tools.TodoReadToolName,
}

func defaultToolSet(v bool) map[string]bool {
	set := map[string]bool{
		todo.ToolName:          v,
		tools.TerminalToolName: v,
	}
	for _, name := range readOnlyTools {
		set[name] = v
	}
	return set
}
