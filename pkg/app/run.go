// Package app wires the configuration, job store, recovery routine, and
// scheduler into a runnable unit, for the roost binary and for gateways that
// embed the scheduler.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/perchwork/roost/internal/config"
	"github.com/perchwork/roost/internal/cron"
	"github.com/perchwork/roost/internal/store/sqlite"
)

// Collaborators are the external components the scheduler drives. Nil fields
// fall back to logging stubs so the daemon can run standalone.
type Collaborators struct {
	Agent     cron.AgentRunner
	Events    cron.SystemEventQueue
	Heartbeat cron.HeartbeatWaker
	Delivery  cron.Deliverer
}

// RunParams configures the application.
type RunParams struct {
	// ConfigPath is the YAML configuration file. Empty means no file:
	// defaults apply.
	ConfigPath string

	// LogLevel overrides the configured log level when non-empty.
	LogLevel string

	// Version is injected at build time via ldflags.
	Version string

	Collaborators Collaborators
}

// App is a constructed scheduler instance with an explicit lifecycle.
type App struct {
	Service   *cron.Service
	Scheduler *cron.Scheduler

	logger *slog.Logger
	db     *sql.DB
}

// New loads configuration, opens the store, runs recovery, and builds the
// scheduler. The firing loop is not started yet; call Start.
func New(ctx context.Context, params RunParams) (*App, error) {
	cfg := &config.Config{}
	if params.ConfigPath != "" {
		loaded, err := config.Load(params.ConfigPath)
		if err != nil {
			return nil, err
		}
		if err := config.Validate(loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}

	level := cfg.LogLevel
	if params.LogLevel != "" {
		level = params.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	dbPath := cfg.Scheduler.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "jobs.db")
	}

	store, db, err := sqlite.OpenJobStore(dbPath)
	if err != nil {
		return nil, err
	}

	if err := cron.Recover(ctx, store, logger, time.Now); err != nil {
		_ = db.Close()
		return nil, err
	}

	collab := params.Collaborators.withStubs(logger)

	tick, err := cfg.Scheduler.Tick()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mainExec := &cron.MainExecutor{
		Queue:  collab.Events,
		Waker:  collab.Heartbeat,
		Logger: logger,
	}
	isolatedExec := &cron.IsolatedExecutor{
		Runner:     collab.Agent,
		Queue:      collab.Events,
		Deliverer:  collab.Delivery,
		Logger:     logger,
		SummaryLen: cfg.Scheduler.SummaryLength,
	}

	sched, err := cron.NewScheduler(cron.Config{
		TickInterval: tick,
		Logger:       logger,
	}, store, mainExec, isolatedExec)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &App{
		Service:   cron.NewService(store, sched, logger).WithTimezone(cfg.Scheduler.Timezone),
		Scheduler: sched,
		logger:    logger,
		db:        db,
	}, nil
}

// Start begins the firing loop.
func (a *App) Start(ctx context.Context) error {
	return a.Scheduler.Start(ctx)
}

// Stop drains in-flight executions and closes the store.
func (a *App) Stop(ctx context.Context) error {
	err := a.Scheduler.Stop(ctx)
	if closeErr := a.db.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("app: close store: %w", closeErr)
	}
	return err
}

// Run builds the app, starts the scheduler, and blocks until SIGINT or
// SIGTERM, then shuts down with a 30s grace period for in-flight runs.
func Run(params RunParams) error {
	ctx := context.Background()

	a, err := New(ctx, params)
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		_ = a.db.Close()
		return err
	}
	a.logger.Info("app: roost running", "version", params.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.logger.Info("app: shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roost"
	}
	return filepath.Join(home, ".roost")
}
