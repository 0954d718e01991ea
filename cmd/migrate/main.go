package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"FundLedger/internal/config"
	"FundLedger/internal/observability"
	"FundLedger/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list applied migrations")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  FUND_CONFIG     - optional YAML config file")
	fmt.Println("  FUND_DB_DRIVER  - postgres or sqlite (default: sqlite)")
	fmt.Println("  FUND_DB_DSN     - connection string or SQLite file path")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, dialect, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, dialect, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.AppliedVersions(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read applied versions")
		}
		versions := make([]string, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
