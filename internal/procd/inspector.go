//go:build !windows

// Package procd answers liveness and kill requests for local processes.
package procd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"chatsync/internal/logging"
	"chatsync/internal/process"
)

// Inspector 检查本机进程状态
// Inspector checks processes on this host
type Inspector struct {
	procRoot string
	logger   *slog.Logger
}

// NewInspector reads command lines from /proc.
func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{procRoot: "/proc", logger: logging.OrDiscard(logger)}
}

// Check reports every queried pid. Invalid pids are reported as not running.
func (in *Inspector) Check(queries []process.Query) []process.Result {
	out := make([]process.Result, 0, len(queries))
	for _, q := range queries {
		res := process.Result{PID: q.PID, Running: alive(q.PID)}
		if res.Running {
			if actual, ok := in.cmdline(q.PID); ok {
				match := commandMatches(q.Command, actual)
				res.ActualCommand = &actual
				res.CommandMatches = &match
			}
		}
		out = append(out, res)
	}
	return out
}

// Kill sends SIGTERM to the process group of pid, then to pid itself.
// It reports false when pid does not exist.
func (in *Inspector) Kill(pid int) (bool, error) {
	if pid <= 1 {
		return false, fmt.Errorf("refusing to signal pid %d", pid)
	}
	if !alive(pid) {
		return false, nil
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 1 && pgid != unix.Getpgrp() {
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			in.logger.Debug("signal process group", "pgid", pgid, "err", err)
		}
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return false, fmt.Errorf("signal %d: %w", pid, err)
	}
	in.logger.Info("terminated process", "pid", pid)
	return true, nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 probes existence; EPERM means it exists under another user
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (in *Inspector) cmdline(pid int) (string, bool) {
	raw, err := os.ReadFile(in.procRoot + "/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil || len(raw) == 0 {
		return "", false
	}
	args := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, " "), true
}

// commandMatches reports whether the running command line is the one that
// was launched. Shell wrappers make exact comparison too strict, so either
// side containing the other counts.
func commandMatches(expected, actual string) bool {
	expected = strings.Join(strings.Fields(expected), " ")
	actual = strings.Join(strings.Fields(actual), " ")
	if expected == "" || actual == "" {
		return false
	}
	return strings.Contains(actual, expected) || strings.Contains(expected, actual)
}
