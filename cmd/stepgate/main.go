// Command stepgate runs the orchestration core as an MCP stdio server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dcastano/stepgate/internal/expressions"
	"github.com/dcastano/stepgate/internal/gate"
	"github.com/dcastano/stepgate/internal/logging"
	"github.com/dcastano/stepgate/internal/scheduler"
	"github.com/dcastano/stepgate/internal/store"
	"github.com/dcastano/stepgate/internal/validation"
	"github.com/dcastano/stepgate/pkg/mcp"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stepgate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	validator, err := validation.NewGraphValidator()
	if err != nil {
		return fmt.Errorf("build graph validator: %w", err)
	}
	exprs, err := expressions.NewRegistry()
	if err != nil {
		return fmt.Errorf("build expression registry: %w", err)
	}

	srv := mcp.NewStepgateServer(mcp.StepgateServerDeps{
		Store:       st,
		Validator:   validator,
		Expressions: exprs,
		Gate:        gate.NewPolicy(),
		Logger:      logger,
	})

	sched := scheduler.New(st, srv, logger, scheduler.Options{
		TickInterval: time.Duration(cfg.TickSeconds) * time.Second,
		PoolSize:     cfg.PoolSize,
	})
	if cfg.RecoverJobs {
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("stepgate serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.String("version", version),
	)
	return srv.Serve(ctx)
}

// newLogger builds the process logger: text on stderr (stdout carries the
// MCP transport), wrapped so workflow/node IDs flow in from contexts.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
