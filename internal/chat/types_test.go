package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMessageWithTextKeepsNonTextParts(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Role: RoleUser,
		Parts: []Part{
			FilePart{File: FileRef{ID: "f1", Name: "a.txt"}},
			TextPart{Text: "hello "},
			TextPart{Text: "world"},
			ToolCallPart{ToolCallID: "c1", ToolName: "todo_write"},
		},
	}
	got := msg.WithText("edited")
	if got.Text() != "edited" {
		t.Fatalf("Text()=%q, want %q", got.Text(), "edited")
	}
	if len(got.Parts) != 3 {
		t.Fatalf("len(Parts)=%d, want 3", len(got.Parts))
	}
	if _, ok := got.Parts[0].(FilePart); !ok {
		t.Fatalf("parts[0]=%T, want FilePart", got.Parts[0])
	}
	if _, ok := got.Parts[2].(ToolCallPart); !ok {
		t.Fatalf("parts[2]=%T, want ToolCallPart", got.Parts[2])
	}
	if msg.Text() != "hello world" {
		t.Fatalf("original mutated: %q", msg.Text())
	}
}

func TestPartsRoundTrip(t *testing.T) {
	parts := []Part{
		TextPart{Text: "hi"},
		ReasoningPart{Text: "because"},
		ToolCallPart{ToolCallID: "c1", ToolName: "run_terminal_cmd", Input: `{"command":"sleep 10"}`, Output: `{"pid":42}`, State: ToolCallOutput},
		FilePart{File: FileRef{ID: "f", Name: "x.png", MediaType: "image/png"}},
	}
	data, err := MarshalParts(parts)
	if err != nil {
		t.Fatalf("MarshalParts: %v", err)
	}
	got, err := UnmarshalParts(data)
	if err != nil {
		t.Fatalf("UnmarshalParts: %v", err)
	}
	if len(got) != len(parts) {
		t.Fatalf("len=%d, want %d", len(got), len(parts))
	}
	for i := range parts {
		if got[i] != parts[i] {
			t.Fatalf("part %d = %#v, want %#v", i, got[i], parts[i])
		}
	}
}

func TestDecodePartRejectsUnknownType(t *testing.T) {
	if _, err := DecodePart([]byte(`{"type":"video"}`)); err == nil {
		t.Fatal("expected error for unknown part type")
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]TodoStatus{
		"":            TodoPending,
		"IN_PROGRESS": TodoInProgress,
		" completed ": TodoCompleted,
		"cancelled":   TodoCancelled,
		"someday":     TodoPending,
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Fatalf("NormalizeStatus(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("pid: %w", ErrValidation), KindValidation},
		{ErrTokenLimit, KindValidation},
		{fmt.Errorf("provider: %w", ErrRateLimit), KindRateLimit},
		{NewUserError("toast.edit_failed", ErrPersistenceConflict), KindPersistence},
		{context.DeadlineExceeded, KindNetwork},
		{context.Canceled, KindCanceled},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v)=%q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestUserErrorRetryable(t *testing.T) {
	if !NewUserError("toast.rate_limited", ErrRateLimit).Retryable() {
		t.Fatal("rate limit should be retryable")
	}
	if NewUserError("toast.edit_failed", ErrPersistenceConflict).Retryable() {
		t.Fatal("persistence conflict should not offer retry")
	}
}

func TestLastAssistantID(t *testing.T) {
	msgs := []Message{{ID: "u1", Role: RoleUser}, {ID: "a1", Role: RoleAssistant}, {ID: "u2", Role: RoleUser}}
	if got := LastAssistantID(msgs); got != "a1" {
		t.Fatalf("LastAssistantID=%q, want a1", got)
	}
	if got := LastAssistantID(nil); got != "" {
		t.Fatalf("LastAssistantID(nil)=%q", got)
	}
}
