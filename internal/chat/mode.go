package chat

import (
	"fmt"
	"strings"
)

// Mode 会话模式：ask 只读问答，agent 可调用工具并排队消息
// Mode is the session mode: ask answers read-only, agent runs tools and queues messages
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModeAgent Mode = "agent"
)

// ParseMode accepts ask or agent, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAsk:
		return ModeAsk, nil
	case ModeAgent:
		return ModeAgent, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q (want ask or agent)", ErrValidation, s)
}
