// Package queue holds user messages submitted while an agent run streams.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
)

// State 队列条目状态；sent 与 deleted 均为终态
// State of a queued entry; sent and deleted are terminal
type State string

const (
	StateQueued  State = "queued"
	StateSent    State = "sent"
	StateDeleted State = "deleted"
)

// QueuedMessage is one pending user message.
type QueuedMessage struct {
	ID        string
	Text      string
	Files     []chat.FileRef
	Timestamp int64
	State     State
}

// Control is the part of the streaming transport the queue drives.
type Control interface {
	Active() bool
	// Stop cancels the active run; its persistence is complete on return.
	Stop() bool
	Send(ctx context.Context, text string, files []chat.FileRef) error
}

// Manager 消息队列；条目按入队顺序保存
// Manager is the message queue; entries stay in FIFO order
type Manager struct {
	control Control
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	mode    chat.Mode
	entries []QueuedMessage
	lastTS  int64
	subs    []func([]QueuedMessage)
	settled []func(QueuedMessage)
}

// NewManager creates an empty queue in agent mode.
func NewManager(control Control, logger *slog.Logger) *Manager {
	return &Manager{
		control: control,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
		mode:    chat.ModeAgent,
	}
}

func (m *Manager) SetMode(mode chat.Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func (m *Manager) Mode() chat.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Enqueue appends a message. Only agent mode queues.
func (m *Manager) Enqueue(text string, files []chat.FileRef) (QueuedMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return QueuedMessage{}, fmt.Errorf("%w: empty message", chat.ErrValidation)
	}

	m.mu.Lock()
	if m.mode != chat.ModeAgent {
		m.mu.Unlock()
		return QueuedMessage{}, chat.ErrNotAgentMode
	}
	ts := m.now().UnixMilli()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	q := QueuedMessage{
		ID:        "q_" + strings.TrimPrefix(chat.NewMessageID(), "msg_"),
		Text:      text,
		Files:     append([]chat.FileRef(nil), files...),
		Timestamp: ts,
		State:     StateQueued,
	}
	m.entries = append(m.entries, q)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	metrics.QueueOps.WithLabelValues("enqueue").Inc()
	m.logger.Debug("message queued", "id", q.ID, "queued", len(snap))
	m.notify(snap)
	return q, nil
}

// SendNow stops the active run, removes id and submits its content. It
// reports false and does nothing when no run is streaming or id is unknown.
func (m *Manager) SendNow(ctx context.Context, id string) (bool, error) {
	if !m.control.Active() {
		return false, nil
	}
	m.mu.Lock()
	if m.indexLocked(id) < 0 {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	m.control.Stop()

	m.mu.Lock()
	q, ok := m.takeLocked(id)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if !ok {
		// deleted while the run was stopping
		return false, nil
	}
	m.notify(snap)
	m.settle(q)

	metrics.QueueOps.WithLabelValues("send_now").Inc()
	return true, m.control.Send(ctx, q.Text, q.Files)
}

// Delete removes id without touching the other entries.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	q := m.entries[i]
	q.State = StateDeleted
	m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	metrics.QueueOps.WithLabelValues("delete").Inc()
	m.notify(snap)
	m.settle(q)
	return true
}

// Drain sends the oldest entry once no run is streaming. It reports whether
// an entry was sent.
func (m *Manager) Drain(ctx context.Context) (bool, error) {
	if m.control.Active() {
		return false, nil
	}
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	q, _ := m.takeLocked(m.entries[0].ID)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	m.settle(q)

	metrics.QueueOps.WithLabelValues("drain").Inc()
	return true, m.control.Send(ctx, q.Text, q.Files)
}

// Snapshot returns the queued entries in FIFO order.
func (m *Manager) Snapshot() []QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every entry, e.g. on chat switch.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	m.notify(nil)
}

// Subscribe registers fn to receive the queue after every change.
func (m *Manager) Subscribe(fn func([]QueuedMessage)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// OnSettle registers fn to receive every entry that left the queue, with its
// terminal state (sent or deleted). Clear does not settle entries.
func (m *Manager) OnSettle(fn func(QueuedMessage)) {
	m.mu.Lock()
	m.settled = append(m.settled, fn)
	m.mu.Unlock()
}

func (m *Manager) settle(q QueuedMessage) {
	m.logger.Info("queued message settled", "id", q.ID, "state", q.State)
	m.mu.Lock()
	fns := slices.Clone(m.settled)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(q)
	}
}

func (m *Manager) indexLocked(id string) int {
	for i, q := range m.entries {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// takeLocked removes id and returns it marked sent.
func (m *Manager) takeLocked(id string) (QueuedMessage, bool) {
	i := m.indexLocked(id)
	if i < 0 {
		return QueuedMessage{}, false
	}
	q := m.entries[i]
	q.State = StateSent
	m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
	return q, true
}

func (m *Manager) snapshotLocked() []QueuedMessage {
	out := make([]QueuedMessage, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manager) notify(entries []QueuedMessage) {
	m.mu.Lock()
	subs := slices.Clone(m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(append([]QueuedMessage(nil), entries...))
	}
}
