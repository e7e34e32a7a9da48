package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattmo0re/viveye/agent/internal/agent"
	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/agent/internal/executor"
	"github.com/mattmo0re/viveye/agent/internal/tui/dashboard"
)

const defaultConfigPath = "viveye-agent.yaml"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the agent (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("dashboard", false, "show the live dashboard")
	cmd.Flags().String("log-file", "", "write logs to this file while the dashboard is shown")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath)
	showDashboard, _ := cmd.Flags().GetBool("dashboard")
	logFile, _ := cmd.Flags().GetString("log-file")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// The dashboard owns the terminal, so logs go to the bus and optionally a file.
	var out io.Writer = os.Stdout
	if showDashboard {
		out = io.Discard
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer func() { _ = f.Close() }()
			out = f
		}
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := slog.New(eventbus.NewSlogHandler(newHandler(out, cfg.Logging), bus))

	exec := executor.New(cfg.Executor, logger)
	a := agent.New(cfg, exec, version, bus, logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("viveye agent starting", "version", version, "config", configPath, "agent_id", cfg.Agent.ID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if showDashboard {
		g.Go(func() error {
			defer cancel()
			return dashboard.Run(gctx, bus, dashboard.Info{
				AgentID:      cfg.Agent.ID,
				HubURL:       cfg.Hub.URL,
				Capabilities: exec.Capabilities(),
				StartedAt:    time.Now(),
			})
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("agent error", "error", err)
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
