package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"MarketLedger/internal/config"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Configuration is read from the file named by MLEDGER_CONFIG and MLEDGER_* variables,")
	fmt.Println("e.g. MLEDGER_POSTGRES_DSN and MLEDGER_POSTGRES_MIGRATIONS_DIR.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLoggerWithLevel("migrate", observability.ParseLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			switch {
			case s.Changed:
				state = "changed"
			case s.Applied:
				state = "applied"
			}
			fmt.Printf("%-8s %-7s %s\n", s.Version, state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
