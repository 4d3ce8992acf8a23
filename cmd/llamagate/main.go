package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jmallek/llamagate/internal/config"
	"github.com/jmallek/llamagate/internal/dispatch"
	"github.com/jmallek/llamagate/internal/events"
	"github.com/jmallek/llamagate/internal/identity"
	"github.com/jmallek/llamagate/internal/keypool"
	"github.com/jmallek/llamagate/internal/pipeline"
	"github.com/jmallek/llamagate/internal/ratelimit"
	"github.com/jmallek/llamagate/internal/upstream"
	"github.com/jmallek/llamagate/internal/usage"
	"github.com/jmallek/llamagate/internal/version"
)

func main() {
	_ = godotenv.Load()

	logger := setupLogger()
	slog.SetDefault(logger)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			if err := runKeygen(); err != nil {
				fatal(logger, "keygen failed", err)
			}
			return
		case "version":
			fmt.Println(version.Version)
			return
		}
	}

	modelFlag := flag.String("model", "", "model to request (default: each slot's bound model)")
	raceFlag := flag.Bool("race", false, "send each message to every credential, first success wins")
	parallelFlag := flag.Bool("parallel", false, "send each message to every credential, show all replies")
	statsFlag := flag.Bool("stats", false, "print 7-day usage and exit")
	flag.Parse()

	if err := config.EnsureConfigFile(); err != nil {
		fatal(logger, "failed to create config file", err)
	}
	cfg := config.Load()

	if len(cfg.Credentials) == 0 {
		fmt.Fprintln(os.Stderr, "No credentials configured.")
		fmt.Fprintf(os.Stderr, "Add [[credentials]] entries to %s or set LLAMAGATE_KEYS.\n", config.ConfigPath())
		os.Exit(1)
	}

	creds := make([]keypool.Credential, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		creds[i] = keypool.Credential{Secret: c.Secret, Model: c.Model}
	}
	pool := keypool.New(creds,
		keypool.WithCooldown(cfg.Cooldown),
		keypool.WithMaxFailures(cfg.MaxFailures),
		keypool.WithLogger(logger),
	)

	if err := config.EnsureDataDir(); err != nil {
		fatal(logger, "failed to create data directory", err)
	}
	store, err := usage.NewStore(usage.DefaultPath(config.DataDir()))
	if err != nil {
		fatal(logger, "failed to open usage database", err)
	}
	defer store.Close()

	ledger := usage.NewLedger(store, usage.Limits{
		Hourly: int64(cfg.QuotaHourly),
		Weekly: int64(cfg.QuotaWeekly),
		Daily:  int64(cfg.QuotaDaily),
	}, usage.WithFlushInterval(cfg.FlushInterval), usage.WithLogger(logger))
	defer ledger.Close()

	if err := ledger.Cleanup(cfg.RetentionDays); err != nil {
		logger.Warn("usage cleanup failed", "error", err)
	}

	if *statsFlag {
		records, err := ledger.DailyStats(7)
		if err != nil {
			fatal(logger, "failed to read usage stats", err)
		}
		for _, r := range records {
			fmt.Printf("%s  requests=%d tokens=%d errors=%d avg=%.0fms\n",
				r.Date, r.Requests, r.Tokens, r.Errors, r.AvgResponseMs)
		}
		return
	}

	modelCache, err := upstream.NewModelCache(5 * time.Minute)
	if err != nil {
		fatal(logger, "failed to create model cache", err)
	}
	defer modelCache.Close()

	sink := events.NewFanout(logger, events.SinkFunc(func(c events.Completion) {
		logger.Debug("request completed",
			"request_id", c.RequestID,
			"model", c.Model,
			"credential", c.CredentialID,
			"tokens", c.Tokens,
			"latency", c.Latency,
			"success", c.Success,
		)
	}))

	client := upstream.NewClient(cfg.BaseURL)
	p := pipeline.New(pool, ledger, client,
		pipeline.WithModelCache(modelCache),
		pipeline.WithSink(sink),
		pipeline.WithLogger(logger),
	)
	d := dispatch.New(pool, client, dispatch.WithLogger(logger))

	limiter := ratelimit.New(tierTable(cfg), ratelimit.TierFree)
	caller := identity.Anonymous("cli", ratelimit.TierFree)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printStartupBanner(cfg, pool)

	opts := chatOptions{model: *modelFlag}
	switch {
	case *raceFlag:
		opts.mode = "race"
	case *parallelFlag:
		opts.mode = "parallel"
	}

	if err := runChat(ctx, p, d, ledger, limiter, caller, cfg.MaxIterations, opts); err != nil && ctx.Err() == nil {
		fatal(logger, "chat session failed", err)
	}
}

// tierTable converts configured tiers, falling back to the built-in table
// when the config has none.
func tierTable(cfg *config.Config) map[string]ratelimit.TierLimits {
	if len(cfg.Tiers) == 0 {
		return nil
	}
	tiers := make(map[string]ratelimit.TierLimits, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = ratelimit.TierLimits{RPM: int64(t.RPM), TPM: int64(t.TPM)}
	}
	return tiers
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
