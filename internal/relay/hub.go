// Package relay buffers the frames of active streaming runs so a client that
// reconnects can replay what it missed and follow the rest of the run.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"chatsync/internal/chat"
)

// DefaultTTL is how long a finished run stays replayable.
const DefaultTTL = 2 * time.Minute

// FrameType 帧类型 / Frame kind
type FrameType string

const (
	FrameData     FrameType = "data"
	FrameToolCall FrameType = "tool_call"
	FrameFinish   FrameType = "finish"
	FrameError    FrameType = "error"
)

// Frame is one relayed stream event.
type Frame struct {
	Type      FrameType       `json:"type"`
	RunID     string          `json:"run_id"`
	MessageID string          `json:"message_id"`
	Part      json.RawMessage `json:"part,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Terminal reports whether f ends a run.
func (f Frame) Terminal() bool {
	return f.Type == FrameFinish || f.Type == FrameError
}

// DecodePart decodes the frame's part payload.
func (f Frame) DecodePart() (chat.Part, error) {
	return chat.DecodePart(f.Part)
}

// PartFrame builds a data or tool_call frame carrying part.
func PartFrame(runID, messageID string, part chat.Part) (Frame, error) {
	raw, err := chat.EncodePart(part)
	if err != nil {
		return Frame{}, err
	}
	typ := FrameData
	if part.Type() == chat.PartToolCall {
		typ = FrameToolCall
	}
	return Frame{Type: typ, RunID: runID, MessageID: messageID, Part: raw}, nil
}

type runBuffer struct {
	runID      string
	frames     []Frame
	done       bool
	finishedAt time.Time
	changed    chan struct{}
}

// Hub 按 chat 缓存当前运行的帧
// Hub keeps the frames of the current run per chat
type Hub struct {
	mu   sync.Mutex
	runs map[string]*runBuffer
	ttl  time.Duration
	now  func() time.Time
}

// NewHub creates a hub; ttl <= 0 uses DefaultTTL.
func NewHub(ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Hub{runs: make(map[string]*runBuffer), ttl: ttl, now: time.Now}
}

// Begin starts a fresh buffer for chatID, dropping any previous run.
func (h *Hub) Begin(chatID, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gcLocked()
	if old, ok := h.runs[chatID]; ok && !old.done {
		old.done = true
		close(old.changed)
	}
	h.runs[chatID] = &runBuffer{runID: runID, changed: make(chan struct{})}
}

// Publish appends a frame to the chat's active run. Terminal frames close
// the run. Frames for an unknown or finished run are dropped.
func (h *Hub) Publish(chatID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.runs[chatID]
	if !ok || buf.done || (f.RunID != "" && f.RunID != buf.runID) {
		return
	}
	buf.frames = append(buf.frames, f)
	if f.Terminal() {
		buf.done = true
		buf.finishedAt = h.now()
	}
	close(buf.changed)
	buf.changed = make(chan struct{})
}

// Active reports whether chatID has a run that is still streaming.
func (h *Hub) Active(chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.runs[chatID]
	return ok && !buf.done
}

// Subscribe attaches to the chat's current run. It fails with
// chat.ErrStreamNotFound when there is nothing to replay.
func (h *Hub) Subscribe(chatID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gcLocked()
	buf, ok := h.runs[chatID]
	if !ok {
		return nil, chat.ErrStreamNotFound
	}
	return &Subscription{hub: h, buf: buf}, nil
}

func (h *Hub) gcLocked() {
	now := h.now()
	for id, buf := range h.runs {
		if buf.done && now.Sub(buf.finishedAt) > h.ttl {
			delete(h.runs, id)
		}
	}
}

// Subscription replays buffered frames and then follows new ones.
type Subscription struct {
	hub  *Hub
	buf  *runBuffer
	next int
}

// Next returns the next frame, blocking until one is published. It returns
// io.EOF once a terminal frame has been delivered.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		s.hub.mu.Lock()
		if s.next < len(s.buf.frames) {
			f := s.buf.frames[s.next]
			s.next++
			s.hub.mu.Unlock()
			return f, nil
		}
		if s.buf.done {
			s.hub.mu.Unlock()
			return Frame{}, io.EOF
		}
		changed := s.buf.changed
		s.hub.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-changed:
		}
	}
}
