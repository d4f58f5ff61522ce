// Package bootstrap wires the storage, transport, tools and process tracking
// into a ready session for the front-ends.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/process"
	"chatsync/internal/procd"
	"chatsync/internal/relay"
	"chatsync/internal/server"
	"chatsync/internal/session"
	"chatsync/internal/storage"
	"chatsync/internal/stream"
)

// BuildResult 与 UI 无关的构建结果，供前端使用
// BuildResult is UI-agnostic; the front-ends drive Session
type BuildResult struct {
	Session       *session.Session
	Store         *storage.SQLiteStore
	Hub           *relay.Hub
	Server        *server.Server
	Logger        *slog.Logger
	WorkspaceRoot string
	ToolNames     []string

	closers []func() error
}

// Close releases everything Build opened, newest first.
func (r *BuildResult) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build 初始化并返回 BuildResult；调用方负责 defer result.Close()
// Build initializes the engine and returns BuildResult; the caller must defer result.Close()
func Build(cfg config.Config, workspaceRoot string) (res *BuildResult, err error) {
	root, err := resolveWorkspaceRoot(cfg, workspaceRoot)
	if err != nil {
		return nil, err
	}
	mode, err := chat.ParseMode(cfg.Sync.Mode)
	if err != nil {
		return nil, err
	}

	res = &BuildResult{}
	defer func() {
		if err != nil {
			_ = res.Close()
			res = nil
		}
	}()

	logger, closeLog, err := logging.Init(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	res.Logger = logger
	res.closers = append(res.closers, closeLog)

	store, err := storage.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	res.Store = store
	res.closers = append(res.closers, store.Close)

	todos := &todoSource{}
	registry, ws, err := buildToolRegistry(cfg, root, todos)
	if err != nil {
		return nil, err
	}
	res.WorkspaceRoot = ws.Root()
	res.ToolNames = registry.Names()

	res.Hub = relay.NewHub(relay.DefaultTTL)
	runner := stream.NewRunner(stream.RunnerOptions{
		Provider: stream.NewOpenAIProvider(stream.OpenAIConfig{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			Model:     cfg.Provider.Model,
			TimeoutMS: cfg.Provider.TimeoutMS,
		}),
		Tools:     registry,
		Store:     store,
		Publisher: res.Hub,
		Resumer:   buildResumer(cfg, res.Hub),
		Logger:    logger.With("component", "runner"),
		MaxSteps:  cfg.Tools.MaxSteps,
	})

	tracker := process.NewTracker(process.Options{
		Checker:      process.NewHTTPChecker(cfg.Server.URL, nil),
		Logger:       logger.With("component", "process"),
		PollInterval: millis(cfg.Process.PollIntervalMS),
		CheckTimeout: millis(cfg.Process.CheckTimeoutMS),
		GraceWindow:  millis(cfg.Process.RegisterGraceMS),
		RemovalDelay: millis(cfg.Process.RemovalDelayMS),
	})

	sess := session.New(session.Options{
		Store:      store,
		Transport:  runner,
		Registry:   registry,
		Tracker:    tracker,
		Modes:      cfg.Modes,
		Mode:       mode,
		Model:      cfg.Provider.Model,
		PageSize:   cfg.Sync.PageSize,
		TokenLimit: cfg.Sync.TokenLimit,
		AutoResume: cfg.Sync.AutoResume,
		Logger:     logger.With("component", "session"),
	})
	todos.bind(sess)
	res.Session = sess
	res.closers = append(res.closers, func() error {
		sess.Close()
		return nil
	})

	res.Server = server.New(res.Hub, procd.NewInspector(logger.With("component", "procd")), server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, logger.With("component", "server"))

	logger.Info("engine ready",
		"workspace", res.WorkspaceRoot,
		"db", cfg.DBPath(),
		"model", cfg.Provider.Model,
		"mode", mode,
		"tools", len(res.ToolNames),
	)
	return res, nil
}

// BuildServer wires only the relay server and process inspector, for the
// standalone serve command.
func BuildServer(cfg config.Config) (*server.Server, func() error, error) {
	logger, closeLog, err := logging.Init(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	srv := server.New(relay.NewHub(relay.DefaultTTL), procd.NewInspector(logger.With("component", "procd")), server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, logger.With("component", "server"))
	return srv, closeLog, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// HistoryPath is where the line client keeps its input history.
func HistoryPath(cfg config.Config) string {
	return filepath.Join(cfg.Storage.BaseDir, "repl.history")
}
