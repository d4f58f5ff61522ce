package contextmgr

import (
	"fmt"

	"chatsync/internal/chat"
)

// CheckLimit 估算发送 input 后的上下文大小，超过 limit 返回 chat.ErrTokenLimit
// CheckLimit estimates the context after sending input and fails with
// chat.ErrTokenLimit when it exceeds limit. A non-positive limit disables it.
func (t *Tokenizer) CheckLimit(history []chat.Message, input string, limit int) (int, error) {
	used := t.Count(history)
	if input != "" {
		used += 4 + t.CountText(input)
	}
	if limit > 0 && used > limit {
		return used, fmt.Errorf("%w: %d tokens > %d", chat.ErrTokenLimit, used, limit)
	}
	return used, nil
}
