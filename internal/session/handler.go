package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/internal/chat"
	"chatsync/internal/editor"
	"chatsync/internal/process"
	"chatsync/internal/stream"
	"chatsync/internal/todo"
	"chatsync/internal/tools"

	"golang.org/x/sync/errgroup"
)

// OnData redraws with the grown in-flight message.
func (s *Session) OnData(string, chat.Part) {
	s.publish()
}

// OnToolCall fans a tool-call event out to the todo list and the process
// tracker, independent of the transcript.
func (s *Session) OnToolCall(messageID string, call chat.ToolCallPart) {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		s.publish()
		return nil
	})
	if call.State == chat.ToolCallOutput {
		switch call.ToolName {
		case todo.ToolName:
			g.Go(func() error { return s.applyTodos(ctx, messageID, call) })
		case tools.TerminalToolName:
			g.Go(func() error { return s.trackBackground(call) })
		}
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("tool call side effect failed", "tool", call.ToolName, "call_id", call.ToolCallID, "err", err)
	}
}

func (s *Session) applyTodos(ctx context.Context, messageID string, call chat.ToolCallPart) error {
	p, err := todo.ParsePayload(call.Input)
	if err != nil {
		return err
	}
	_, err = s.todos.ApplyPayload(ctx, p, messageID, chat.LastAssistantID(s.transcript.Messages()))
	return err
}

type terminalArgs struct {
	Command      string `json:"command"`
	IsBackground bool   `json:"is_background"`
}

func (s *Session) trackBackground(call chat.ToolCallPart) error {
	if s.tracker == nil {
		return nil
	}
	var args terminalArgs
	if err := json.Unmarshal([]byte(call.Input), &args); err != nil {
		return fmt.Errorf("%w: terminal args: %v", chat.ErrValidation, err)
	}
	if !args.IsBackground {
		return nil
	}
	pid, ok := process.ParseBackgroundPID(call.Output)
	if !ok {
		s.logger.Debug("background output carries no pid", "call_id", call.ToolCallID)
		return nil
	}
	return s.tracker.Register(pid, args.Command)
}

// OnFinish folds the finished message into the transcript. A run that
// finished on its own is reconciled with the store and the oldest queued
// message is sent.
func (s *Session) OnFinish(f stream.Finish) {
	if f.ChatID != s.transcript.ChatID() {
		s.logger.Debug("finish for inactive chat", "chat_id", f.ChatID, "run", f.RunID)
		return
	}
	if len(f.Message.Parts) > 0 {
		msg := f.Message.Clone()
		s.transcript.Update(func(cur []chat.Message) []chat.Message {
			if i := chat.IndexOf(cur, msg.ID); i >= 0 {
				cur[i] = msg
				return cur
			}
			return append(cur, msg)
		})
	}
	if f.Reason != stream.FinishComplete {
		s.publish()
		return
	}

	ctx := context.Background()
	s.transcript.MarkExisting()
	if _, err := s.transcript.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after finish failed", "chat_id", f.ChatID, "err", err)
	}
	if _, err := s.queue.Drain(ctx); err != nil {
		s.toast(asUserError(toUserError(editor.KeySendFailed, err)))
	}
	s.publish()
}

// OnError surfaces a failed run.
func (s *Session) OnError(err error) {
	s.logger.Warn("run failed", "err", err)
	s.toast(asUserError(toUserError(editor.KeySendFailed, err)))
}

func asUserError(err error) *chat.UserError {
	var ue *chat.UserError
	if errors.As(err, &ue) {
		return ue
	}
	return chat.NewUserError(editor.KeySendFailed, err)
}

// queueControl lets the queue drive the transport through the session.
type queueControl struct {
	s *Session
}

func (c queueControl) Active() bool { return c.s.transport.Active() }
func (c queueControl) Stop() bool   { return c.s.transport.Stop() }

func (c queueControl) Send(ctx context.Context, text string, files []chat.FileRef) error {
	return c.s.send(ctx, text, files)
}
