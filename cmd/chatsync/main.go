package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatsync/internal/bootstrap"
	"chatsync/internal/config"
	"chatsync/internal/i18n"
	"chatsync/internal/repl"
	"chatsync/internal/tui"

	"github.com/spf13/cobra"
)

var errMissingAPIKey = errors.New("no API key: set provider.api_key, CHATSYNC_API_KEY or OPENAI_API_KEY")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "chatsync: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	workspace  string
	serve      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync is a terminal chat client with resumable streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrontEnd(cmd.Context(), opts, func(ctx context.Context, res *bootstrap.BuildResult, _ config.Config) error {
				return tui.Run(res.Session)
			})
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config JSON/JSONC")
	cmd.PersistentFlags().StringVar(&opts.workspace, "cwd", "", "Workspace root override")
	cmd.PersistentFlags().BoolVar(&opts.serve, "serve", true, "Also run the relay and process server in this process")

	cmd.AddCommand(newReplCmd(opts), newServeCmd(opts), newInitCmd())
	return cmd
}

func newReplCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Line-oriented client with slash commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrontEnd(cmd.Context(), opts, func(ctx context.Context, res *bootstrap.BuildResult, cfg config.Config) error {
				cwd, _ := os.Getwd()
				return repl.Run(ctx, res.Session, repl.Options{
					ProjectDir:  cwd,
					HistoryPath: bootstrap.HistoryPath(cfg),
				})
			})
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and process server only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			srv, closeLog, err := bootstrap.BuildServer(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync server listening on %s\n", srv.Addr())
			return srv.ListenAndServe(ctx)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a project config scaffold",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := config.InitProjectConfigScaffold(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project config: %s\n", path)
			return nil
		},
	}
}

type frontEnd func(ctx context.Context, res *bootstrap.BuildResult, cfg config.Config) error

func runFrontEnd(parent context.Context, opts *rootOptions, run frontEnd) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return errMissingAPIKey
	}

	root := strings.TrimSpace(opts.workspace)
	if root == "" {
		root = strings.TrimSpace(cfg.Tools.WorkspaceRoot)
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve cwd: %w", err)
		}
	}

	res, err := bootstrap.Build(cfg, root)
	if err != nil {
		return err
	}
	defer res.Close()

	ctx, cancel := context.WithCancel(contextOrBackground(parent))
	defer cancel()
	if opts.serve {
		go func() {
			// a second client finds the port taken and uses the running server
			if err := res.Server.ListenAndServe(ctx); err != nil {
				res.Logger.Warn("embedded server not started", "addr", res.Server.Addr(), "err", err)
			}
		}()
	}
	return run(ctx, res, cfg)
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	i18n.Init(cfg.Locale)
	return cfg, nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
