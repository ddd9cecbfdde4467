package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peopleland.ai/internal/persistence/indexdb"
)

// dbCmd queries the sqlite index directly: snapshot records and row counts.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fail("open", err)
	}

	db, err := indexdb.OpenSQLite(path)
	if err != nil {
		fail("open", err)
	}
	defer db.Close()
	ctx := context.Background()

	switch q {
	case "snapshots":
		recs, err := db.Snapshots(ctx)
		if err != nil {
			fail("query", err)
		}
		if *limit > 0 && len(recs) > *limit {
			recs = recs[:*limit]
		}
		for _, r := range recs {
			printJSON(r)
		}
	case "counts":
		cells, owners, err := db.Counts(ctx)
		if err != nil {
			fail("query", err)
		}
		cur, err := db.Cursor(ctx)
		if err != nil {
			fail("query", err)
		}
		printJSON(map[string]any{"cells": cells, "owners": owners, "cursor": cur})
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] snapshots|counts")
		os.Exit(2)
	}
}
