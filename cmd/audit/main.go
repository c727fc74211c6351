// Command audit checks the ledger invariants of a PostgreSQL-backed
// deployment and exits non-zero when any is violated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"curve-market/internal/audit"
	"curve-market/internal/config"
	"curve-market/internal/logging"
	pgstore "curve-market/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file")
	token := flag.String("token", "", "Audit a single token address instead of the whole ledger")
	replay := flag.Bool("replay", false, "Replay each token's trade history through the curve")
	concurrency := flag.Int("concurrency", audit.DefaultConcurrency, "Tokens checked in parallel")
	outputJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		fmt.Fprintln(os.Stderr, "audit requires storage.driver=postgres")
		os.Exit(2)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	auditor := audit.NewAuditor(audit.Options{
		Ledger:       pgstore.NewLedger(pool),
		Logger:       logger,
		Concurrency:  *concurrency,
		ReplayTrades: *replay,
	})

	var violations []audit.Violation
	if *token != "" {
		violations, err = auditor.CheckToken(ctx, *token)
	} else {
		var report *audit.Report
		report, err = auditor.CheckAll(ctx)
		if report != nil {
			violations = report.Violations
		}
	}
	if err != nil {
		logger.Error("Audit failed", zap.Error(err))
		os.Exit(2)
	}

	if *outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(violations); err != nil {
			logger.Error("Encode output", zap.Error(err))
			os.Exit(2)
		}
	} else {
		for _, v := range violations {
			fmt.Println(v.String())
		}
		fmt.Printf("%d violation(s)\n", len(violations))
	}

	if len(violations) > 0 {
		os.Exit(1)
	}
}
