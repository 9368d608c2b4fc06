package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/lineage/internal/logging"
	"github.com/rendis/lineage/internal/store"
	"github.com/rendis/lineage/pkg/graph"
	"github.com/rendis/lineage/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(lineageDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	runs, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer runs.Close()

	if err := runs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating run store: %w", err)
	}

	g := graph.New()
	g.SetTrace(cfg.Tracing)

	srv := mcp.NewGraphServer(mcp.GraphServerDeps{
		Graph:  g,
		Runs:   runs,
		Logger: logger,
	})

	logger.Info("lineage starting",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Bool("tracing", cfg.Tracing),
	)
	return srv.Serve(ctx)
}

// newLogger builds the root logger. Logs go to stderr since stdout
// carries the MCP stdio transport.
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
