// Command migrate manages the walletguard schema.
//
//	migrate up            apply pending migrations
//	migrate up-by-one     apply the next pending migration
//	migrate up-to N       apply migrations up to version N
//	migrate down          roll back the latest migration
//	migrate down-to N     roll back to version N
//	migrate status        list migrations and when they were applied
//	migrate version       print the current schema version
//
// DATABASE_URL (or .env) selects the database.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/walletguard/internal/logging"
	"github.com/mbd888/walletguard/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|up-by-one|up-to N|down|down-to N|status|version")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		return report(p.Up(ctx))
	case "up-by-one":
		return reportOne(p.UpByOne(ctx))
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a target version", command)
		}
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if command == "up-to" {
			return report(p.UpTo(ctx, v))
		}
		return report(p.DownTo(ctx, v))
	case "down":
		return reportOne(p.Down(ctx))
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "pending"
			if st.State == goose.StateApplied {
				applied = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%5d  %-20s  %s\n", st.Source.Version, applied, st.Source.Path)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func report(results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		printResult(r)
	}
	if errors.Is(err, goose.ErrNoNextVersion) {
		fmt.Println("no migrations to apply")
		return nil
	}
	return err
}

func reportOne(r *goose.MigrationResult, err error) error {
	if r != nil {
		printResult(r)
	}
	return report(nil, err)
}

func printResult(r *goose.MigrationResult) {
	fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
}
