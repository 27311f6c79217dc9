// Command climpired is the task execution daemon: it supervises agent CLI
// subprocesses, serves the HTTP/WS control surface, and keeps task state in a
// local SQLite store.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/climpire/climpire/internal/audit"
	"github.com/climpire/climpire/internal/bus"
	"github.com/climpire/climpire/internal/config"
	"github.com/climpire/climpire/internal/control"
	"github.com/climpire/climpire/internal/gateway"
	"github.com/climpire/climpire/internal/hub"
	"github.com/climpire/climpire/internal/interrupt"
	"github.com/climpire/climpire/internal/maintenance"
	climpotel "github.com/climpire/climpire/internal/otel"
	"github.com/climpire/climpire/internal/persistence"
	"github.com/climpire/climpire/internal/supervisor"
	"github.com/climpire/climpire/internal/telemetry"
	"github.com/climpire/climpire/internal/worktree"
)

func main() {
	loadDotEnv(".env")

	homeDir := flag.String("home", defaultHomeDir(), "climpire home directory")
	quiet := flag.Bool("quiet", false, "suppress stdout logging")
	metricsEnabled := flag.Bool("metrics", false, "enable OpenTelemetry export")
	flag.Parse()

	if err := run(*homeDir, *quiet, *metricsEnabled); err != nil {
		fmt.Fprintf(os.Stderr, "climpired: %v\n", err)
		os.Exit(1)
	}
}

func defaultHomeDir() string {
	if v := os.Getenv("CLIMPIRE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".climpire"
	}
	return filepath.Join(home, ".climpire")
}

func run(homeDir string, quiet, metricsEnabled bool) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}

	// A piped stdout means we are under a service manager; stay quiet there
	// unless asked otherwise.
	if !quiet && !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CLIMPIRE_FORCE_STDOUT") == "" {
		quiet = true
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.Telemetry.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := climpotel.Init(ctx, climpotel.Config{
		Enabled:  metricsEnabled || cfg.Telemetry.MetricsEnabled,
		Exporter: os.Getenv("CLIMPIRE_OTEL_EXPORTER"),
		Endpoint: os.Getenv("CLIMPIRE_OTEL_ENDPOINT"),
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(homeDir, "climpire.db"), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(homeDir, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	broadcastHub := hub.New(logger.With("component", "hub"), cfg.BatchWindow())
	go broadcastHub.Run(ctx, eventBus)

	metrics, err := climpotel.NewMetrics(otelProvider.Meter, broadcastHub.DroppedCount)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	sessions := interrupt.NewRegistry(cfg.Engine.InterruptSecret)
	restoreSessions(ctx, logger, store, sessions)

	trees := worktree.NewManager(logger.With("component", "worktree"), cfg.GitTimeout(), worktree.PRConfig{
		APIBase: cfg.PullRequest.APIBase,
		Token:   cfg.PullRequest.Token,
	})

	procs := supervisor.New(supervisor.Config{
		Logger:      logger.With("component", "supervisor"),
		Bus:         eventBus,
		LogDir:      filepath.Join(homeDir, "logs", "tasks"),
		IdleTimeout: cfg.IdleTimeout(),
		HardTimeout: cfg.HardTimeout(),
	})

	plane := control.New(control.Config{
		Logger:   logger.With("component", "control"),
		Store:    store,
		Sessions: sessions,
		Trees:    trees,
		Procs:    procs,
		Bus:      eventBus,
		Audit:    auditLog,
		Metrics:  metrics,
	})

	sweeper, err := maintenance.New(logger.With("component", "maintenance"),
		cfg.Engine.SweepSchedule, store, trees, procs.StaleHandleTaskIDs, procs.RemoveHandle)
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}
	go sweeper.Run(ctx)

	var liveFingerprint atomic.Value
	liveFingerprint.Store(cfg.Fingerprint())
	go func() {
		err := config.Watch(ctx, homeDir, logger.With("component", "config"), func(next config.Config) {
			liveFingerprint.Store(next.Fingerprint())
		})
		if err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	gw := gateway.New(gateway.Config{
		Plane:             plane,
		Store:             store,
		Hub:               broadcastHub,
		AuthToken:         cfg.Server.AuthToken,
		AllowOrigins:      cfg.Server.AllowOrigins,
		ConfigFingerprint: func() string { return liveFingerprint.Load().(string) },
		ActiveProcesses:   procs.ActiveCount,
		Logger:            logger.With("component", "gateway"),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("climpired listening", "addr", cfg.Addr(), "fingerprint", cfg.Fingerprint())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Pause running tasks so agents flush session state, then drain the hub.
	plane.PauseAll(shutdownCtx, procs.HandleTaskIDs())
	broadcastHub.Flush()
	logger.Info("climpired stopped")
	return nil
}

// restoreSessions rehydrates the in-memory session registry from task rows so
// paused tasks keep their conversational continuity across a restart.
func restoreSessions(ctx context.Context, logger *slog.Logger, store *persistence.Store, sessions *interrupt.Registry) {
	restored := 0
	for _, status := range []persistence.TaskStatus{persistence.TaskStatusPending, persistence.TaskStatusCancelled, persistence.TaskStatusReview} {
		tasks, err := store.ListTasksByStatus(ctx, status, 500)
		if err != nil {
			logger.Warn("session restore: list tasks", "status", status, "error", err)
			continue
		}
		for _, t := range tasks {
			if t.SessionID == "" {
				continue
			}
			provider := ""
			if t.AssignedAgentID != "" {
				if agent, err := store.GetAgent(ctx, t.AssignedAgentID); err == nil {
					provider = agent.CLIProvider
				}
			}
			sessions.Restore(t.ID, t.SessionID, t.AssignedAgentID, provider)
			restored++
		}
	}
	if restored > 0 {
		logger.Info("session registry restored", "sessions", restored)
	}
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
