// Package editor rewrites a past user message and regenerates from there.
package editor

import (
	"context"
	"fmt"
	"log/slog"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/stream"
)

// Toast keys for user-visible failures.
const (
	KeyEditFailed  = "toast.edit_failed"
	KeySendFailed  = "toast.send_failed"
	KeyRegenFailed = "toast.regenerate_failed"
)

// Store is the durable side of an edit.
type Store interface {
	TruncateAfter(ctx context.Context, chatID, messageID, newText string) error
	DeleteLastAssistantMessage(ctx context.Context, chatID string) (string, error)
}

// Transcript is the in-memory transcript the editor rewrites.
type Transcript interface {
	ChatID() string
	Messages() []chat.Message
	Update(fn func([]chat.Message) []chat.Message)
}

// Regenerator starts a fresh assistant run.
type Regenerator interface {
	Active() bool
	Stop() bool
	Regenerate(ctx context.Context, meta stream.Meta) error
}

// Editor 编辑截断引擎
// Editor is the edit-and-truncate engine
type Editor struct {
	store      Store
	transcript Transcript
	transport  Regenerator
	model      func() string
	logger     *slog.Logger
}

// New creates an editor. model supplies the model for regenerated runs and
// may be nil.
func New(store Store, transcript Transcript, transport Regenerator, model func() string, logger *slog.Logger) *Editor {
	if model == nil {
		model = func() string { return "" }
	}
	return &Editor{
		store:      store,
		transcript: transcript,
		transport:  transport,
		model:      model,
		logger:     logging.OrDiscard(logger),
	}
}

// Edit replaces the text of messageID, drops everything after it and
// regenerates. An active run is stopped only after the durable truncate
// succeeded; when it fails nothing changes locally, the run keeps streaming
// and the error is a *chat.UserError keyed toast.edit_failed.
func (e *Editor) Edit(ctx context.Context, messageID, newText string) error {
	chatID := e.transcript.ChatID()
	if chat.IndexOf(e.transcript.Messages(), messageID) < 0 {
		return chat.NewUserError(KeyEditFailed, fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound))
	}

	if err := e.store.TruncateAfter(ctx, chatID, messageID, newText); err != nil {
		e.logger.Warn("truncate failed; transcript left unchanged", "chat_id", chatID, "message_id", messageID, "err", err)
		return chat.NewUserError(KeyEditFailed, fmt.Errorf("%w: %v", chat.ErrPersistenceConflict, err))
	}

	// stopping persists the partial answer after messageID; truncate again
	// to drop it
	if e.transport.Active() && e.transport.Stop() {
		if err := e.store.TruncateAfter(ctx, chatID, messageID, newText); err != nil {
			e.logger.Warn("truncate after stop failed", "chat_id", chatID, "message_id", messageID, "err", err)
			return chat.NewUserError(KeyEditFailed, fmt.Errorf("%w: %v", chat.ErrPersistenceConflict, err))
		}
	}

	var history []chat.Message
	e.transcript.Update(func(cur []chat.Message) []chat.Message {
		i := chat.IndexOf(cur, messageID)
		if i < 0 {
			history = cur
			return cur
		}
		out := cur[:i+1]
		out[i] = out[i].WithText(newText)
		history = chat.CloneMessages(out)
		return out
	})
	e.logger.Info("message edited", "chat_id", chatID, "message_id", messageID, "len", len(history))

	if err := e.transport.Regenerate(ctx, stream.Meta{ChatID: chatID, Model: e.model(), History: history}); err != nil {
		return chat.NewUserError(KeySendFailed, err)
	}
	return nil
}

// Regenerate discards the last assistant answer and asks for a new one.
func (e *Editor) Regenerate(ctx context.Context) error {
	if e.transport.Active() {
		return chat.NewUserError(KeyRegenFailed, chat.ErrRunActive)
	}
	chatID := e.transcript.ChatID()
	deleted, err := e.store.DeleteLastAssistantMessage(ctx, chatID)
	if err != nil {
		return chat.NewUserError(KeyRegenFailed, fmt.Errorf("%w: %v", chat.ErrPersistenceConflict, err))
	}

	var history []chat.Message
	e.transcript.Update(func(cur []chat.Message) []chat.Message {
		if deleted != "" {
			if i := chat.IndexOf(cur, deleted); i >= 0 {
				cur = append(cur[:i], cur[i+1:]...)
			}
		}
		for len(cur) > 0 && cur[len(cur)-1].Role == chat.RoleAssistant {
			cur = cur[:len(cur)-1]
		}
		history = chat.CloneMessages(cur)
		return cur
	})
	if len(history) == 0 {
		return chat.NewUserError(KeyRegenFailed, fmt.Errorf("%w: nothing to regenerate", chat.ErrValidation))
	}

	if err := e.transport.Regenerate(ctx, stream.Meta{ChatID: chatID, Model: e.model(), History: history}); err != nil {
		return chat.NewUserError(KeyRegenFailed, err)
	}
	return nil
}
