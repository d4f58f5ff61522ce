package contextmgr

import (
	"errors"
	"strings"
	"testing"

	"chatsync/internal/chat"
)

func TestCheckLimit(t *testing.T) {
	tok := NewHeuristicTokenizer()
	history := []chat.Message{chat.NewUserMessage("hello there", nil)}

	cases := []struct {
		name    string
		input   string
		limit   int
		wantErr bool
	}{
		{name: "under", input: "short", limit: 1000},
		{name: "disabled", input: strings.Repeat("word ", 5000), limit: 0},
		{name: "over", input: strings.Repeat("word ", 5000), limit: 100, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			used, err := tok.CheckLimit(history, tc.input, tc.limit)
			if used <= 0 {
				t.Fatalf("used=%d, want > 0", used)
			}
			if tc.wantErr != (err != nil) {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, chat.ErrTokenLimit) {
				t.Fatalf("err=%v, want ErrTokenLimit", err)
			}
		})
	}
}
