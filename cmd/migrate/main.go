package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"TroveWatch/internal/observability"
	"TroveWatch/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list embedded migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  TROVE_POSTGRES_DSN - Postgres connection string")
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate")

	if os.Args[1] == "status" {
		names, err := persistence.ListMigrations(persistence.Migrations(), ".up.sql")
		if err != nil {
			logger.Fatal().Err(err).Msg("list migrations")
		}
		for _, n := range names {
			fmt.Println(persistence.MigrationVersion(n), n)
		}
		return
	}

	dsn := os.Getenv("TROVE_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/trovewatch?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if !rolled {
			logger.Info().Msg("nothing to roll back")
			return
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
