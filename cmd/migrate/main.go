package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mediaart.org/internal/migrate"
	"mediaart.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("MEDIAART_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Directory of SQL seed files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEDIAART_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, pg.Migrations(), seeds)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seeds == nil {
			log.Fatal("seed requires -seeds")
		}
		err = mgr.Seed(ctx)
	case "status":
		var applied []migrate.Record
		applied, err = mgr.Status(ctx)
		for _, r := range applied {
			fmt.Printf("%s\t%s\n", r.AppliedAt.Format(time.RFC3339), r.Name)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
