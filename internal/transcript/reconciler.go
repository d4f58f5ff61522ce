// Package transcript keeps the ordered message list of the active chat and
// reconciles it with paginated fetches from the durable store.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
	"chatsync/internal/storage"
)

// DefaultPageSize is used when the caller passes a non-positive page size.
const DefaultPageSize = 50

// PageSource 分页读取消息（最新在前）
// PageSource reads message pages, newest first
type PageSource interface {
	GetMessagesPage(ctx context.Context, chatID, cursor string, pageSize int) (storage.Page, error)
}

// Reconciler 单个 chat 的消息列表；所有写入经过 Update
// Reconciler owns the transcript of one chat; every write goes through Update
//
// Each fetch takes a ticket from a monotonic version counter. Local updates,
// resets and installed LoadMore pages also take a ticket and become the
// applied version, so a fetch resolving after a newer fetch, a newer local
// edit or a newer prepend is discarded.
type Reconciler struct {
	mu       sync.Mutex
	chatID   string
	existing bool
	messages []chat.Message
	cursor   string
	hasMore  bool

	issued  uint64
	applied uint64

	source   PageSource
	pageSize int
	logger   *slog.Logger
	subs     []func([]chat.Message)
}

// New creates a reconciler reading pages from source.
func New(source PageSource, pageSize int, logger *slog.Logger) *Reconciler {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reconciler{source: source, pageSize: pageSize, logger: logging.OrDiscard(logger)}
}

// Reset switches to chatID with an empty transcript. existing marks a chat
// the server already knows; a fresh optimistic chat passes false.
func (r *Reconciler) Reset(chatID string, existing bool) {
	r.mu.Lock()
	r.chatID = chatID
	r.existing = existing
	r.messages = nil
	r.cursor = ""
	r.hasMore = existing
	r.issued++
	r.applied = r.issued
	r.mu.Unlock()
	r.notify(nil)
}

// MarkExisting records that the server confirmed the chat's identity; from
// now on fetch results replace the local transcript wholesale.
func (r *Reconciler) MarkExisting() {
	r.mu.Lock()
	r.existing = true
	r.mu.Unlock()
}

// Existing reports whether fetches are authoritative for this chat.
func (r *Reconciler) Existing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.existing
}

// ChatID returns the active chat.
func (r *Reconciler) ChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

// HasMore reports whether older pages remain.
func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

// Messages returns a snapshot of the transcript.
func (r *Reconciler) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return chat.CloneMessages(r.messages)
}

// Len returns the number of messages in the transcript.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// View returns the transcript to render: the reconciled messages plus the
// in-flight streaming message, unless its id is already present.
func (r *Reconciler) View(inflight *chat.Message) []chat.Message {
	out := r.Messages()
	if inflight == nil || chat.IndexOf(out, inflight.ID) >= 0 {
		return out
	}
	return append(out, inflight.Clone())
}

// Subscribe registers fn to receive the transcript after every change.
func (r *Reconciler) Subscribe(fn func([]chat.Message)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Update applies fn to a copy of the transcript and installs the result.
// fn always sees the latest state, so concurrent writers compose.
func (r *Reconciler) Update(fn func([]chat.Message) []chat.Message) {
	r.mu.Lock()
	next := dedupe(fn(chat.CloneMessages(r.messages)))
	r.messages = next
	r.issued++
	r.applied = r.issued
	snap := chat.CloneMessages(next)
	r.mu.Unlock()
	r.notify(snap)
}

// Refresh fetches the newest page covering the loaded window and applies it
// unless a newer fetch or local update has been applied meanwhile. It reports
// whether the result was applied.
func (r *Reconciler) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	chatID := r.chatID
	size := r.pageSize
	if n := len(r.messages); n > size {
		size = n
	}
	r.issued++
	ticket := r.issued
	r.mu.Unlock()

	if chatID == "" {
		return false, nil
	}
	page, err := r.source.GetMessagesPage(ctx, chatID, "", size)
	if err != nil {
		return false, fmt.Errorf("%w: fetch messages: %v", chat.ErrNetwork, err)
	}
	return r.apply(chatID, ticket, page), nil
}

// LoadMore fetches the next older page and prepends it. Already loaded
// messages keep their order; ids already present are skipped. An installed
// page supersedes every fetch issued before it.
func (r *Reconciler) LoadMore(ctx context.Context) (int, error) {
	r.mu.Lock()
	chatID := r.chatID
	cursor := r.cursor
	more := r.hasMore
	r.mu.Unlock()

	if chatID == "" || !more {
		return 0, nil
	}
	page, err := r.source.GetMessagesPage(ctx, chatID, cursor, r.pageSize)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch older messages: %v", chat.ErrNetwork, err)
	}
	older := chronological(page.Messages)

	r.mu.Lock()
	if r.chatID != chatID || r.cursor != cursor {
		r.mu.Unlock()
		metrics.FetchDiscarded.Inc()
		r.logger.Debug("discard stale page", "chat", chatID, "cursor", cursor)
		return 0, nil
	}
	added := 0
	merged := make([]chat.Message, 0, len(older)+len(r.messages))
	for _, m := range older {
		if chat.IndexOf(r.messages, m.ID) >= 0 || chat.IndexOf(merged, m.ID) >= 0 {
			continue
		}
		merged = append(merged, m)
		added++
	}
	r.messages = append(merged, r.messages...)
	r.cursor = page.NextCursor
	r.hasMore = !page.Done
	r.issued++
	r.applied = r.issued
	snap := chat.CloneMessages(r.messages)
	r.mu.Unlock()

	r.notify(snap)
	return added, nil
}

// apply installs a newest-first page fetched with ticket.
func (r *Reconciler) apply(chatID string, ticket uint64, page storage.Page) bool {
	server := chronological(page.Messages)

	r.mu.Lock()
	if r.chatID != chatID || ticket <= r.applied {
		r.mu.Unlock()
		metrics.FetchDiscarded.Inc()
		r.logger.Debug("discard stale fetch", "chat", chatID, "ticket", ticket)
		return false
	}
	if r.existing {
		r.messages = server
	} else {
		r.messages = mergeOptimistic(r.messages, server)
	}
	r.cursor = page.NextCursor
	r.hasMore = !page.Done
	r.applied = ticket
	snap := chat.CloneMessages(r.messages)
	r.mu.Unlock()

	r.notify(snap)
	return true
}

func (r *Reconciler) notify(msgs []chat.Message) {
	r.mu.Lock()
	subs := slices.Clone(r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(chat.CloneMessages(msgs))
	}
}

// chronological reverses a newest-first page.
func chronological(page []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		out = append(out, page[i])
	}
	return dedupe(out)
}

// mergeOptimistic takes the server messages and keeps every local message the
// server has not seen yet at the tail.
func mergeOptimistic(local, server []chat.Message) []chat.Message {
	out := append([]chat.Message(nil), server...)
	for _, m := range local {
		if chat.IndexOf(server, m.ID) >= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// dedupe keeps the first position of every id with the content of its last
// occurrence.
func dedupe(msgs []chat.Message) []chat.Message {
	seen := make(map[string]int, len(msgs))
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
