package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grimoire-go/internal/broadcast"
	"grimoire-go/internal/config"
	"grimoire-go/internal/hub"
	"grimoire-go/internal/ledger"
	"grimoire-go/internal/proc"
	"grimoire-go/internal/run"
	"grimoire-go/internal/server"
	"grimoire-go/internal/transcript"
	"grimoire-go/internal/workdir"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.Defaults(v)

	rootCmd := &cobra.Command{
		Use:           "grimoire",
		Short:         "Web front for a line-oriented agent CLI",
		Long:          "grimoire fronts a long-running agent CLI with a multi-client web API: one process per request, live output fan-out over SSE and WebSocket, and race-safe interruption.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.String("bind", "127.0.0.1", "address to listen on")
	flags.Int("port", 3319, "port to listen on")
	flags.StringSlice("allow-cidr", nil, "client CIDRs allowed besides loopback (repeatable)")
	flags.String("base-path", "", "directory runs are confined to (default: home)")
	flags.String("agent-command", "claude", "agent CLI executable")
	flags.String("transcript-root", "", "agent transcript directory (default: ~/.claude/projects)")
	return rootCmd
}

func serve(cfg config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	basePath, err := workdir.SetRoot(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("base path: %w", err)
	}

	registry := proc.NewRegistry()
	ldg := ledger.New(registry, logger)
	outputHub := hub.New(logger)
	broadcaster := broadcast.New(logger)
	ldg.OnChange(broadcaster.Publish)

	locator := transcript.New(cfg.TranscriptRoot)
	coordinator := run.NewCoordinator(registry, ldg, outputHub, proc.ExecLauncher{}, locator, cfg.AgentCommand, logger)

	app := server.New(cfg, coordinator, broadcaster, outputHub, locator, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler: app.Handler(),
	}

	logger.Info("grimoire listening",
		"addr", httpServer.Addr,
		"basePath", basePath,
		"agent", cfg.AgentCommand,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	// Any run still in flight is lost by design; kill the processes so they
	// don't outlive their front.
	coordinator.InterruptAll()
	return nil
}
