package editor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"chatsync/internal/chat"
	"chatsync/internal/storage"
	"chatsync/internal/stream"
	"chatsync/internal/transcript"
)

type fakeRegen struct {
	active bool
	stops  int
	metas  []stream.Meta
	err    error
	onStop func()
}

func (f *fakeRegen) Active() bool { return f.active }

func (f *fakeRegen) Stop() bool {
	f.stops++
	was := f.active
	f.active = false
	if was && f.onStop != nil {
		f.onStop()
	}
	return was
}

func (f *fakeRegen) Regenerate(_ context.Context, meta stream.Meta) error {
	f.metas = append(f.metas, meta)
	return f.err
}

type failingStore struct{}

func (failingStore) TruncateAfter(context.Context, string, string, string) error {
	return errors.New("database is locked")
}

func (failingStore) DeleteLastAssistantMessage(context.Context, string) (string, error) {
	return "", errors.New("database is locked")
}

func setup(t *testing.T, n int) (*storage.SQLiteStore, *transcript.Reconciler, []string) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "edit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.CreateChat(ctx, storage.ChatMeta{ID: "c1"}); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		id := fmt.Sprintf("m%d", i)
		msg := chat.Message{ID: id, Role: role, Parts: []chat.Part{chat.TextPart{Text: fmt.Sprintf("text %d", i)}}}
		if err := store.AppendMessage(ctx, "c1", msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		ids = append(ids, id)
	}
	rec := transcript.New(store, 50, nil)
	rec.Reset("c1", true)
	if _, err := rec.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return store, rec, ids
}

func TestEditTruncatesToIndexPlusOne(t *testing.T) {
	for _, i := range []int{0, 2, 4} {
		t.Run(fmt.Sprintf("index %d", i), func(t *testing.T) {
			store, rec, ids := setup(t, 6)
			regen := &fakeRegen{}
			ed := New(store, rec, regen, func() string { return "gpt-4o" }, nil)

			if err := ed.Edit(context.Background(), ids[i], "rewritten"); err != nil {
				t.Fatalf("Edit: %v", err)
			}
			msgs := rec.Messages()
			if len(msgs) != i+1 {
				t.Fatalf("len=%d, want %d", len(msgs), i+1)
			}
			if msgs[i].Text() != "rewritten" {
				t.Fatalf("text=%q, want rewritten", msgs[i].Text())
			}
			if len(regen.metas) != 1 || len(regen.metas[0].History) != i+1 || regen.metas[0].Model != "gpt-4o" {
				t.Fatalf("regenerate meta=%+v", regen.metas)
			}

			page, err := store.GetMessagesPage(context.Background(), "c1", "", 50)
			if err != nil {
				t.Fatalf("GetMessagesPage: %v", err)
			}
			if len(page.Messages) != i+1 {
				t.Fatalf("persisted len=%d, want %d", len(page.Messages), i+1)
			}
		})
	}
}

func TestEditFailureLeavesTranscript(t *testing.T) {
	_, rec, ids := setup(t, 4)
	before := rec.Messages()
	regen := &fakeRegen{}
	ed := New(failingStore{}, rec, regen, nil, nil)

	err := ed.Edit(context.Background(), ids[1], "nope")
	var ue *chat.UserError
	if !errors.As(err, &ue) || ue.Key != KeyEditFailed {
		t.Fatalf("err=%v, want UserError %s", err, KeyEditFailed)
	}
	if !errors.Is(err, chat.ErrPersistenceConflict) {
		t.Fatalf("err=%v, want ErrPersistenceConflict", err)
	}
	after := rec.Messages()
	if len(after) != len(before) {
		t.Fatalf("len=%d, want %d", len(after), len(before))
	}
	if after[1].Text() != before[1].Text() {
		t.Fatalf("text=%q, want %q", after[1].Text(), before[1].Text())
	}
	if len(regen.metas) != 0 {
		t.Fatalf("Regenerate called after failed truncate")
	}
}

func TestEditUnknownMessage(t *testing.T) {
	store, rec, _ := setup(t, 2)
	ed := New(store, rec, &fakeRegen{}, nil, nil)
	if err := ed.Edit(context.Background(), "missing", "x"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestEditStopsActiveRunAfterTruncate(t *testing.T) {
	store, rec, ids := setup(t, 4)
	ctx := context.Background()
	regen := &fakeRegen{active: true}
	regen.onStop = func() {
		partial := chat.Message{ID: "partial", Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart{Text: "half an ans"}}}
		if err := store.AppendMessage(ctx, "c1", partial); err != nil {
			t.Errorf("AppendMessage: %v", err)
		}
	}
	ed := New(store, rec, regen, nil, nil)
	if err := ed.Edit(ctx, ids[2], "again"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if regen.stops != 1 {
		t.Fatalf("stops=%d, want 1", regen.stops)
	}
	page, err := store.GetMessagesPage(ctx, "c1", "", 50)
	if err != nil {
		t.Fatalf("GetMessagesPage: %v", err)
	}
	if len(page.Messages) != 3 || page.Messages[0].ID != ids[2] {
		t.Fatalf("persisted=%d newest=%q, want 3 ending at %s", len(page.Messages), page.Messages[0].ID, ids[2])
	}
}

func TestEditFailureKeepsActiveRun(t *testing.T) {
	_, rec, ids := setup(t, 4)
	before := rec.Messages()
	regen := &fakeRegen{active: true}
	ed := New(failingStore{}, rec, regen, nil, nil)

	if err := ed.Edit(context.Background(), ids[2], "nope"); !errors.Is(err, chat.ErrPersistenceConflict) {
		t.Fatalf("err=%v, want ErrPersistenceConflict", err)
	}
	if regen.stops != 0 || !regen.active {
		t.Fatalf("stops=%d active=%v, want the run untouched", regen.stops, regen.active)
	}
	if got := rec.Messages(); len(got) != len(before) {
		t.Fatalf("len=%d, want %d", len(got), len(before))
	}
}

func TestRegenerateDropsLastAnswer(t *testing.T) {
	store, rec, ids := setup(t, 4)
	regen := &fakeRegen{}
	ed := New(store, rec, regen, nil, nil)

	if err := ed.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	msgs := rec.Messages()
	if len(msgs) != 3 || msgs[len(msgs)-1].ID != ids[2] {
		t.Fatalf("transcript ids after regenerate=%v", msgs)
	}
	if len(regen.metas) != 1 || len(regen.metas[0].History) != 3 {
		t.Fatalf("regenerate meta=%+v", regen.metas)
	}
}

func TestRegenerateRejectsWhileStreaming(t *testing.T) {
	store, rec, _ := setup(t, 2)
	ed := New(store, rec, &fakeRegen{active: true}, nil, nil)
	if err := ed.Regenerate(context.Background()); !errors.Is(err, chat.ErrRunActive) {
		t.Fatalf("err=%v, want ErrRunActive", err)
	}
}
