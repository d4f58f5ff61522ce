// Package resume reattaches a freshly loaded chat to a run that was still
// streaming when the client went away.
package resume

import (
	"context"
	"log/slog"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/storage"
)

// Resumer is the streaming transport's reattach entry point.
type Resumer interface {
	Resume(ctx context.Context, chatID string) error
}

// RunTokens lets the controller retire run tokens nobody can follow anymore.
type RunTokens interface {
	ActiveRun(ctx context.Context, chatID string) (storage.RunToken, bool, error)
	FinishRun(ctx context.Context, runID string) error
}

// Controller 自动恢复控制器
// Controller is the auto-resume controller
type Controller struct {
	transport Resumer
	runs      RunTokens
	logger    *slog.Logger
}

// NewController creates a controller; runs may be nil.
func NewController(transport Resumer, runs RunTokens, logger *slog.Logger) *Controller {
	return &Controller{transport: transport, runs: runs, logger: logging.OrDiscard(logger)}
}

// ShouldResume reports whether initial looks like an interrupted run: the
// last message is the user's and no answer followed.
func ShouldResume(initial []chat.Message, autoResume bool) bool {
	if !autoResume || len(initial) == 0 {
		return false
	}
	return initial[len(initial)-1].Role == chat.RoleUser
}

// OnMount tries to reattach chatID and reports whether it did. Failures are
// logged and swallowed; the transcript stays as loaded.
func (c *Controller) OnMount(ctx context.Context, chatID string, initial []chat.Message, autoResume bool) bool {
	if !ShouldResume(initial, autoResume) {
		return false
	}
	if err := c.transport.Resume(ctx, chatID); err != nil {
		c.logger.Debug("auto-resume skipped", "chat_id", chatID, "err", err)
		c.retireStale(ctx, chatID)
		return false
	}
	c.logger.Info("resumed in-flight run", "chat_id", chatID)
	return true
}

func (c *Controller) retireStale(ctx context.Context, chatID string) {
	if c.runs == nil {
		return
	}
	run, ok, err := c.runs.ActiveRun(ctx, chatID)
	if err != nil || !ok {
		return
	}
	if err := c.runs.FinishRun(ctx, run.RunID); err != nil {
		c.logger.Debug("retire stale run", "run_id", run.RunID, "err", err)
	}
}
