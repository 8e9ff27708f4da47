package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codementor/host/internal/chunker"
	"github.com/codementor/host/internal/config"
	"github.com/codementor/host/internal/diff"
	"github.com/codementor/host/internal/editor"
	"github.com/codementor/host/internal/server"
)

// shutdownTimeout bounds how long start waits for in-flight commands on exit.
const shutdownTimeout = 10 * time.Second

func newStartCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Serve the IDE command channel",
		Long: `Start restores the saved session and serves the WebSocket command
channel the IDE extension connects to. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, opts, func(ctx context.Context, a *app) error {
				return runStart(ctx, cmd, a)
			})
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "Address for the command channel (default: 127.0.0.1:7171)")
	f.String("workspace", "", "Workspace root to index and read files from")
	f.String("chunks-dir", "", "Directory for chunk artifacts")
	f.String("diff-mode", "", "How suggested edits are shown: native or annotated")
	f.String("diff-output", "", "File the annotated diff view is written to")
	f.Float64("command-rate", 0, "Maximum commands per second per client")
	for _, name := range []string{"addr", "workspace", "chunks-dir", "diff-mode", "diff-output", "command-rate"} {
		_ = opts.v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func runStart(ctx context.Context, cmd *cobra.Command, a *app) error {
	cfg := a.cfg
	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	renderer, closeRenderer := newRenderer(cfg, a.logger)
	defer closeRenderer()

	router := server.NewRouter(server.RouterConfig{
		Session: a.session,
		Backend: a.client,
		Chunker: &chunker.ScriptChunker{
			Command:   cfg.ChunkerCmd,
			OutputDir: cfg.ChunksDir,
			Timeout:   cfg.RequestTimeout(),
			Logger:    a.logger,
		},
		Editor:    editor.NewWorkspace(workspace),
		Renderer:  renderer,
		Syncs:     a.store,
		Workspace: workspace,
		Logger:    a.logger,
	})

	if ok, err := a.session.Restore(ctx); err != nil {
		a.logger.Warn("session restore failed", zap.Error(err))
	} else {
		a.logger.Info("session restored", zap.Bool("valid", ok))
	}

	srv := server.NewServer(server.Options{
		Addr:        cfg.Addr,
		Router:      router,
		Logger:      a.logger,
		CommandRate: cfg.CommandRate,
	})
	if err := <-srv.StartAsync(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "codementor %s listening on ws://%s/ws (workspace %s)\n", Version, srv.Addr(), workspace)

	<-ctx.Done()
	a.logger.Info("shutting down")

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}

// newRenderer builds the configured renderer and its cleanup func.
func newRenderer(cfg *config.Config, logger *zap.Logger) (diff.Renderer, func()) {
	if cfg.DiffMode == config.DiffModeNative {
		native := &diff.NativeRenderer{Command: cfg.DiffCmd, Logger: logger}
		return native, func() {
			if err := native.Close(); err != nil {
				logger.Warn("remove transient diff documents", zap.Error(err))
			}
		}
	}
	return &diff.AnnotatedRenderer{
		Format: diff.FormatForPath(cfg.DiffOutput),
		Path:   cfg.DiffOutput,
	}, func() {}
}
