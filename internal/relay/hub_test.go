package relay

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"chatsync/internal/chat"
)

func mustFrame(t *testing.T, runID, text string) Frame {
	t.Helper()
	f, err := PartFrame(runID, "a1", chat.TextPart{Text: text})
	if err != nil {
		t.Fatalf("PartFrame: %v", err)
	}
	return f
}

func TestSubscribeUnknownChat(t *testing.T) {
	h := NewHub(time.Minute)
	if _, err := h.Subscribe("nope"); !errors.Is(err, chat.ErrStreamNotFound) {
		t.Fatalf("Subscribe err=%v, want ErrStreamNotFound", err)
	}
}

func TestSubscribeReplaysThenFollows(t *testing.T) {
	h := NewHub(time.Minute)
	h.Begin("chat_1", "run_1")
	h.Publish("chat_1", mustFrame(t, "run_1", "hel"))

	sub, err := h.Subscribe("chat_1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	part, err := f.DecodePart()
	if err != nil {
		t.Fatalf("DecodePart: %v", err)
	}
	if got := part.(chat.TextPart).Text; got != "hel" {
		t.Fatalf("replayed text=%q, want %q", got, "hel")
	}

	more := mustFrame(t, "run_1", "lo")
	go func() {
		h.Publish("chat_1", more)
		h.Publish("chat_1", Frame{Type: FrameFinish, RunID: "run_1", MessageID: "a1"})
	}()

	var types []FrameType
	for {
		f, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		types = append(types, f.Type)
	}
	if len(types) != 2 || types[0] != FrameData || types[1] != FrameFinish {
		t.Fatalf("followed frames=%v, want [data finish]", types)
	}
	if h.Active("chat_1") {
		t.Fatal("finished run should not be active")
	}
}

func TestPublishDropsOtherRuns(t *testing.T) {
	h := NewHub(time.Minute)
	h.Begin("chat_1", "run_2")
	h.Publish("chat_1", mustFrame(t, "run_1", "stale"))
	h.Publish("chat_1", Frame{Type: FrameFinish, RunID: "run_2"})

	sub, _ := h.Subscribe("chat_1")
	f, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Type != FrameFinish {
		t.Fatalf("first frame=%q, want finish", f.Type)
	}
}

func TestFinishedRunsExpire(t *testing.T) {
	h := NewHub(time.Minute)
	now := time.Unix(1000, 0)
	h.now = func() time.Time { return now }

	h.Begin("chat_1", "run_1")
	h.Publish("chat_1", Frame{Type: FrameError, RunID: "run_1", Error: "boom"})
	if _, err := h.Subscribe("chat_1"); err != nil {
		t.Fatalf("Subscribe within ttl: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := h.Subscribe("chat_1"); !errors.Is(err, chat.ErrStreamNotFound) {
		t.Fatalf("Subscribe after ttl err=%v, want ErrStreamNotFound", err)
	}
}
