package transcript

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"chatsync/internal/chat"
	"chatsync/internal/storage"
)

// pageServer serves newest-first pages over an in-memory chronological list.
type pageServer struct {
	mu    sync.Mutex
	msgs  []chat.Message
	gates []chan struct{}
	calls int
}

func newPageServer(n int) *pageServer {
	s := &pageServer{}
	for i := 0; i < n; i++ {
		s.msgs = append(s.msgs, textMessage(fmt.Sprintf("m%02d", i), chat.RoleUser, "hi"))
	}
	return s
}

func textMessage(id string, role chat.Role, text string) chat.Message {
	return chat.Message{ID: id, Role: role, Parts: []chat.Part{chat.TextPart{Text: text}}, ServerPersisted: true}
}

func (s *pageServer) GetMessagesPage(_ context.Context, _ string, cursor string, pageSize int) (storage.Page, error) {
	s.mu.Lock()
	var gate chan struct{}
	if s.calls < len(s.gates) {
		gate = s.gates[s.calls]
	}
	s.calls++
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	end := len(s.msgs)
	if cursor != "" {
		end, _ = strconv.Atoi(cursor)
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	var page storage.Page
	for i := end - 1; i >= start; i-- {
		page.Messages = append(page.Messages, s.msgs[i])
	}
	if start == 0 {
		page.Done = true
	} else {
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}

func messageIDs(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRefreshReversesPage(t *testing.T) {
	r := New(newPageServer(3), 10, nil)
	r.Reset("chat_1", true)

	applied, err := r.Refresh(context.Background())
	if err != nil || !applied {
		t.Fatalf("Refresh applied=%v err=%v", applied, err)
	}
	if got, want := messageIDs(r.Messages()), []string{"m00", "m01", "m02"}; !sameIDs(got, want) {
		t.Fatalf("ids=%v, want %v", got, want)
	}
	if r.HasMore() {
		t.Fatal("HasMore should be false after a complete page")
	}
}

func TestLoadMoreRoundTrip(t *testing.T) {
	src := newPageServer(7)
	r := New(src, 2, nil)
	r.Reset("chat_1", true)
	ctx := context.Background()

	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	for r.HasMore() {
		if _, err := r.LoadMore(ctx); err != nil {
			t.Fatalf("LoadMore: %v", err)
		}
	}
	paged := messageIDs(r.Messages())

	whole := New(src, 100, nil)
	whole.Reset("chat_1", true)
	if _, err := whole.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := messageIDs(whole.Messages()); !sameIDs(paged, got) {
		t.Fatalf("paged=%v, single page=%v", paged, got)
	}
	if len(paged) != 7 {
		t.Fatalf("loaded %d messages, want 7", len(paged))
	}
}

func TestLoadMoreSkipsDuplicates(t *testing.T) {
	src := newPageServer(4)
	r := New(src, 2, nil)
	r.Reset("chat_1", true)
	ctx := context.Background()
	_, _ = r.Refresh(ctx)

	// m01 appears locally before the older page arrives
	r.Update(func(msgs []chat.Message) []chat.Message {
		return append([]chat.Message{textMessage("m01", chat.RoleUser, "hi")}, msgs...)
	})
	added, err := r.LoadMore(ctx)
	if err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if added != 1 {
		t.Fatalf("added=%d, want 1", added)
	}
	if got, want := messageIDs(r.Messages()), []string{"m00", "m01", "m02", "m03"}; !sameIDs(got, want) {
		t.Fatalf("ids=%v, want %v", got, want)
	}
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	src := newPageServer(2)
	slow := make(chan struct{})
	src.gates = []chan struct{}{slow, nil}
	r := New(src, 10, nil)
	r.Reset("chat_1", true)
	ctx := context.Background()

	type result struct {
		applied bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		applied, err := r.Refresh(ctx)
		done <- result{applied, err}
	}()

	// wait until the slow fetch has been issued
	for {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls == 1 {
			break
		}
	}

	src.mu.Lock()
	src.msgs = append(src.msgs, textMessage("m02", chat.RoleAssistant, "newer"))
	src.mu.Unlock()
	if applied, err := r.Refresh(ctx); err != nil || !applied {
		t.Fatalf("newer Refresh applied=%v err=%v", applied, err)
	}

	close(slow)
	res := <-done
	if res.err != nil {
		t.Fatalf("slow Refresh: %v", res.err)
	}
	if res.applied {
		t.Fatal("slow fetch should have been discarded")
	}
	if r.Len() != 3 {
		t.Fatalf("len=%d, want 3 from the newer fetch", r.Len())
	}
}

func TestFetchIssuedBeforeLocalEditIsDiscarded(t *testing.T) {
	src := newPageServer(3)
	slow := make(chan struct{})
	src.gates = []chan struct{}{nil, slow}
	r := New(src, 10, nil)
	r.Reset("chat_1", true)
	ctx := context.Background()
	_, _ = r.Refresh(ctx)

	done := make(chan bool, 1)
	go func() {
		applied, _ := r.Refresh(ctx)
		done <- applied
	}()
	for {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls == 2 {
			break
		}
	}

	r.Update(func(msgs []chat.Message) []chat.Message {
		return []chat.Message{msgs[0].WithText("edited")}
	})
	close(slow)
	if <-done {
		t.Fatal("fetch issued before the edit should be discarded")
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Text() != "edited" {
		t.Fatalf("messages=%v, want the local edit", messageIDs(msgs))
	}
}

func TestRefreshIssuedBeforeLoadMoreIsDiscarded(t *testing.T) {
	src := newPageServer(6)
	slow := make(chan struct{})
	src.gates = []chan struct{}{nil, slow}
	r := New(src, 2, nil)
	r.Reset("chat_1", true)
	ctx := context.Background()
	if _, err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		applied, _ := r.Refresh(ctx)
		done <- applied
	}()
	for {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls == 2 {
			break
		}
	}

	if added, err := r.LoadMore(ctx); err != nil || added != 2 {
		t.Fatalf("LoadMore added=%d err=%v, want 2", added, err)
	}
	want := []string{"m02", "m03", "m04", "m05"}
	if got := messageIDs(r.Messages()); !sameIDs(got, want) {
		t.Fatalf("after LoadMore ids=%v, want %v", got, want)
	}

	close(slow)
	if <-done {
		t.Fatal("refresh issued before LoadMore should be discarded")
	}
	if got := messageIDs(r.Messages()); !sameIDs(got, want) {
		t.Fatalf("ids=%v, want %v kept", got, want)
	}
	if !r.HasMore() {
		t.Fatal("HasMore=false, want true: m00..m01 not loaded yet")
	}
	if added, err := r.LoadMore(ctx); err != nil || added != 2 {
		t.Fatalf("second LoadMore added=%d err=%v, want 2 from the kept cursor", added, err)
	}
}

func TestOptimisticChatKeepsUnpersistedTail(t *testing.T) {
	src := newPageServer(0)
	r := New(src, 10, nil)
	r.Reset("chat_new", false)
	local := chat.NewUserMessage("hello", nil)
	r.Update(func(msgs []chat.Message) []chat.Message { return append(msgs, local) })

	src.mu.Lock()
	src.msgs = []chat.Message{textMessage("srv_1", chat.RoleUser, "earlier")}
	src.mu.Unlock()
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got, want := messageIDs(r.Messages()), []string{"srv_1", local.ID}; !sameIDs(got, want) {
		t.Fatalf("ids=%v, want %v", got, want)
	}

	r.MarkExisting()
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got, want := messageIDs(r.Messages()), []string{"srv_1"}; !sameIDs(got, want) {
		t.Fatalf("ids=%v after MarkExisting, want %v", got, want)
	}
}

func TestViewAppendsInflightOnce(t *testing.T) {
	r := New(newPageServer(0), 10, nil)
	r.Reset("chat_1", false)
	r.Update(func(msgs []chat.Message) []chat.Message {
		return append(msgs, textMessage("u1", chat.RoleUser, "q"))
	})

	inflight := textMessage("a1", chat.RoleAssistant, "partial")
	if got := r.View(&inflight); len(got) != 2 || got[1].ID != "a1" {
		t.Fatalf("View=%v, want u1,a1", messageIDs(got))
	}
	r.Update(func(msgs []chat.Message) []chat.Message { return append(msgs, inflight) })
	if got := r.View(&inflight); len(got) != 2 {
		t.Fatalf("View=%v, want no duplicate a1", messageIDs(got))
	}
	if got := r.View(nil); len(got) != 2 {
		t.Fatalf("View(nil) len=%d, want 2", len(got))
	}
}

func TestUpdateDedupesIDs(t *testing.T) {
	r := New(newPageServer(0), 10, nil)
	r.Reset("chat_1", false)
	r.Update(func(msgs []chat.Message) []chat.Message {
		return append(msgs,
			textMessage("a", chat.RoleUser, "first"),
			textMessage("b", chat.RoleAssistant, "x"),
			textMessage("a", chat.RoleUser, "second"),
		)
	})
	msgs := r.Messages()
	if len(msgs) != 2 || msgs[0].Text() != "second" {
		t.Fatalf("messages=%v first=%q, want a(second),b", messageIDs(msgs), msgs[0].Text())
	}
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	r := New(newPageServer(3), 10, nil)
	var lens []int
	r.Subscribe(func(msgs []chat.Message) { lens = append(lens, len(msgs)) })

	r.Reset("chat_1", true)
	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.Update(func(msgs []chat.Message) []chat.Message { return msgs[:1] })

	if want := []int{0, 3, 1}; fmt.Sprint(lens) != fmt.Sprint(want) {
		t.Fatalf("notified lens=%v, want %v", lens, want)
	}
}
