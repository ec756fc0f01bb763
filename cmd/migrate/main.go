package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bizdesk.io/internal/migrate"
	"bizdesk.io/internal/obs"
)

func main() {
	log := obs.Logger()
	var (
		dsn     = flag.String("dsn", os.Getenv("BIZDESK_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
		table   = flag.String("table", "", "Migrations bookkeeping table (default schema_migrations)")
		timeout = flag.Duration("timeout", time.Minute, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BIZDESK_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithMigrationsTable(*table)}
	if *dir != "" {
		opts = append(opts, migrate.WithFiles(os.DirFS(*dir)))
	}
	mgr := migrate.NewManager(db, opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		if applied, err = mgr.Up(ctx); err == nil {
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			if len(applied) == 0 {
				fmt.Println("nothing to apply")
			}
		}
	case "down":
		var reverted string
		if reverted, err = mgr.Down(ctx); err == nil {
			fmt.Println("reverted", reverted)
		}
	case "status", "pending":
		var names []string
		if cmd == "status" {
			names, err = mgr.Status(ctx)
		} else {
			names, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, name := range names {
				fmt.Println(name)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		db.Close()
		log.WithError(err).Fatalf("migrate %s", cmd)
	}
}
