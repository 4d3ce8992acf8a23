package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jmallek/llamagate/internal/config"
	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/version"
)

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LLAMAGATE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, pool *keypool.Pool) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "🦙 llamagate %s - Multi-Credential LLM Gateway\n", version.Version)
	fmt.Fprintln(os.Stderr, "════════════════════════════════════════════════")
	fmt.Fprintf(os.Stderr, "Backend:     %s\n", cfg.BaseURL)
	fmt.Fprintf(os.Stderr, "Credentials: %d slot(s)\n", pool.Size())
	fmt.Fprintf(os.Stderr, "Data:        %s\n", config.DataDir())
	fmt.Fprintln(os.Stderr, "════════════════════════════════════════════════")
	fmt.Fprintln(os.Stderr, "Type a message, or /help for commands.")
	fmt.Fprintf(os.Stderr, "\n")
}
