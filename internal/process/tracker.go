// Package process tracks the liveness of detached background commands the
// assistant started, polling a checker until each one is confirmed gone.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/logging"
	"chatsync/internal/metrics"
)

// 默认时间参数 / Default timings
const (
	DefaultPollInterval = 5000 * time.Millisecond
	DefaultCheckTimeout = 5000 * time.Millisecond
	DefaultGraceWindow  = 2000 * time.Millisecond
	DefaultRemovalDelay = 2000 * time.Millisecond
)

// TrackedProcess 被跟踪的后台进程
// TrackedProcess is one tracked background process
type TrackedProcess struct {
	PID            int
	Command        string
	StartTime      time.Time
	Running        bool
	LastChecked    *time.Time
	IsKilling      bool
	ActualCommand  *string
	CommandMatches *bool
}

// Checker is the liveness/kill collaborator.
type Checker interface {
	Check(ctx context.Context, queries []Query) ([]Result, error)
	Kill(ctx context.Context, pid int) (bool, error)
}

// Options configures a Tracker. Zero durations take the defaults.
type Options struct {
	Clock        Clock
	Checker      Checker
	Logger       *slog.Logger
	PollInterval time.Duration
	CheckTimeout time.Duration
	GraceWindow  time.Duration
	RemovalDelay time.Duration
}

type entry struct {
	proc    TrackedProcess
	removal Timer
}

// Tracker 维护后台进程列表；刷新同一时刻至多一个
// Tracker keeps the process list; at most one refresh is in flight
type Tracker struct {
	clock        Clock
	checker      Checker
	logger       *slog.Logger
	checkTimeout time.Duration
	grace        time.Duration
	removalDelay time.Duration
	poller       *Poller

	refreshing atomic.Bool

	mu    sync.Mutex
	procs map[int]*entry
	order []int
	subs  []func([]TrackedProcess)
}

// NewTracker creates a tracker with its poller stopped.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.RemovalDelay <= 0 {
		opts.RemovalDelay = DefaultRemovalDelay
	}
	t := &Tracker{
		clock:        opts.Clock,
		checker:      opts.Checker,
		logger:       logging.OrDiscard(opts.Logger),
		checkTimeout: opts.CheckTimeout,
		grace:        opts.GraceWindow,
		removalDelay: opts.RemovalDelay,
		procs:        make(map[int]*entry),
	}
	t.poller = NewPoller(opts.Clock, opts.PollInterval, func() {
		if err := t.Refresh(context.Background()); err != nil {
			t.logger.Debug("scheduled refresh failed", "err", err)
		}
	})
	return t
}

// Polling reports whether the liveness poll is scheduled.
func (t *Tracker) Polling() bool {
	return t.poller.Running()
}

// Register starts tracking pid. Invalid input and already tracked pids are
// rejected with chat.ErrValidation and logged. A pid whose removal is pending
// is tracked afresh and its removal canceled.
func (t *Tracker) Register(pid int, command string) error {
	command = strings.TrimSpace(command)
	if pid <= 0 || command == "" {
		err := fmt.Errorf("%w: register pid=%d command=%q", chat.ErrValidation, pid, command)
		t.logger.Warn("reject process registration", "err", err)
		return err
	}

	t.mu.Lock()
	if e, ok := t.procs[pid]; ok {
		if e.removal == nil {
			t.mu.Unlock()
			err := fmt.Errorf("%w: pid %d already tracked", chat.ErrValidation, pid)
			t.logger.Warn("reject process registration", "err", err)
			return err
		}
		e.removal.Stop()
	} else {
		t.order = append(t.order, pid)
	}
	t.procs[pid] = &entry{proc: TrackedProcess{
		PID:       pid,
		Command:   command,
		StartTime: t.clock.Now(),
		Running:   true,
	}}
	t.countChangedLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Info("tracking process", "pid", pid, "command", command)
	t.notify(snap)
	return nil
}

// Refresh runs one liveness check over every tracked process. A call while
// another refresh is in flight returns immediately. On timeout or failure the
// tracked state is left as it was.
func (t *Tracker) Refresh(ctx context.Context) error {
	if !t.refreshing.CompareAndSwap(false, true) {
		metrics.ProcessPolls.WithLabelValues("skipped").Inc()
		return nil
	}
	defer t.refreshing.Store(false)

	t.mu.Lock()
	queries := make([]Query, 0, len(t.order))
	for _, pid := range t.order {
		e := t.procs[pid]
		if e.removal != nil {
			continue
		}
		queries = append(queries, Query{PID: pid, Command: e.proc.Command})
	}
	t.mu.Unlock()
	if len(queries) == 0 || t.checker == nil {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, t.checkTimeout)
	defer cancel()
	results, err := t.checker.Check(cctx, queries)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ProcessPolls.WithLabelValues(outcome).Inc()
		t.logger.Warn("process check failed; keeping last known state", "outcome", outcome, "err", err)
		return fmt.Errorf("%w: process check: %v", chat.ErrNetwork, err)
	}
	metrics.ProcessPolls.WithLabelValues("ok").Inc()

	now := t.clock.Now()
	t.mu.Lock()
	for _, res := range results {
		e, ok := t.procs[res.PID]
		if !ok {
			continue
		}
		if !res.Running && now.Sub(e.proc.StartTime) < t.grace {
			t.logger.Debug("ignore not-running inside grace window", "pid", res.PID)
			continue
		}
		checked := now
		e.proc.Running = res.Running
		e.proc.ActualCommand = res.ActualCommand
		e.proc.CommandMatches = res.CommandMatches
		e.proc.LastChecked = &checked

		switch {
		case !res.Running && e.removal == nil:
			t.scheduleRemovalLocked(res.PID, e)
		case res.Running && e.removal != nil:
			e.removal.Stop()
			e.removal = nil
		}
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snap)
	return nil
}

func (t *Tracker) scheduleRemovalLocked(pid int, e *entry) {
	e.removal = t.clock.AfterFunc(t.removalDelay, func() {
		t.remove(pid, e)
	})
}

// remove drops e if it is still the entry tracked for pid.
func (t *Tracker) remove(pid int, e *entry) {
	t.mu.Lock()
	if cur, ok := t.procs[pid]; !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.procs, pid)
	for i, p := range t.order {
		if p == pid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.countChangedLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.logger.Info("process removed", "pid", pid)
	t.notify(snap)
}

// Kill asks the checker to terminate pid and refreshes on success.
// IsKilling is set for the duration of the call.
func (t *Tracker) Kill(ctx context.Context, pid int) error {
	t.mu.Lock()
	e, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("process %d: %w", pid, chat.ErrNotFound)
	}
	e.proc.IsKilling = true
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(snap)

	defer func() {
		t.mu.Lock()
		e.proc.IsKilling = false
		snap := t.snapshotLocked()
		t.mu.Unlock()
		t.notify(snap)
	}()

	if t.checker == nil {
		return fmt.Errorf("%w: no process checker configured", chat.ErrNetwork)
	}
	killed, err := t.checker.Kill(ctx, pid)
	if err != nil {
		t.logger.Warn("kill request failed", "pid", pid, "err", err)
		return fmt.Errorf("%w: kill %d: %v", chat.ErrNetwork, pid, err)
	}
	if !killed {
		t.logger.Warn("kill refused", "pid", pid)
		return fmt.Errorf("kill %d: refused by checker", pid)
	}
	return t.Refresh(ctx)
}

// Get returns the tracked state of pid.
func (t *Tracker) Get(pid int) (TrackedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.procs[pid]
	if !ok {
		return TrackedProcess{}, false
	}
	return e.proc, true
}

// Snapshot returns the tracked processes in registration order.
func (t *Tracker) Snapshot() []TrackedProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe registers fn to receive the list after every change.
func (t *Tracker) Subscribe(fn func([]TrackedProcess)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Clear stops tracking everything, e.g. when switching chats.
func (t *Tracker) Clear() {
	t.mu.Lock()
	for _, e := range t.procs {
		if e.removal != nil {
			e.removal.Stop()
		}
	}
	t.procs = make(map[int]*entry)
	t.order = nil
	t.countChangedLocked()
	t.mu.Unlock()
	t.notify(nil)
}

// Close stops the poller.
func (t *Tracker) Close() {
	t.poller.Stop()
}

// countChangedLocked starts the poll on the first tracked process and stops
// it when the last one goes.
func (t *Tracker) countChangedLocked() {
	count := len(t.procs)
	metrics.ProcessTracked.Set(float64(count))
	if count > 0 {
		t.poller.Start()
	} else {
		t.poller.Stop()
	}
}

func (t *Tracker) snapshotLocked() []TrackedProcess {
	out := make([]TrackedProcess, 0, len(t.order))
	for _, pid := range t.order {
		out = append(out, t.procs[pid].proc)
	}
	return out
}

func (t *Tracker) notify(procs []TrackedProcess) {
	t.mu.Lock()
	subs := slices.Clone(t.subs)
	t.mu.Unlock()
	for _, fn := range subs {
		fn(append([]TrackedProcess(nil), procs...))
	}
}
