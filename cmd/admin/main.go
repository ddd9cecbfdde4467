package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"peopleland.ai/internal/backend"
	"peopleland.ai/internal/config"
	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/snapshot"
)

const usage = "usage: admin cell|owner|verify|export|import|snapshots|db|state|snapshot [flags] [args]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "cell":
		cellCmd(args)
	case "owner":
		ownerCmd(args)
	case "verify":
		verifyCmd(args)
	case "export":
		exportCmd(args)
	case "import":
		importCmd(args)
	case "snapshots":
		snapshotsCmd(args)
	case "db":
		dbCmd(args)
	case "state":
		stateCmd(args)
	case "snapshot":
		snapshotCmd(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

type storeFlags struct {
	config *string
	db     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		config: fs.String("config", "./configs/indexer.yaml", "config path"),
		db:     fs.String("db", "", "sqlite index path (overrides the configured store)"),
	}
}

// open returns the configured store. A -db path skips the config file, so
// an index can be inspected without chain settings.
func (f storeFlags) open(ctx context.Context) (*backend.Store, config.Config) {
	cfg := config.Defaults()
	if p := strings.TrimSpace(*f.db); p != "" {
		cfg.Store = config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: p}
	} else {
		var err error
		cfg, err = config.Load(*f.config)
		if err != nil {
			fail("load config", err)
		}
	}
	s, err := backend.OpenStore(ctx, cfg.Store, nil)
	if err != nil {
		fail("open store", err)
	}
	return s, cfg
}

func cellCmd(args []string) {
	fs := flag.NewFlagSet("cell", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin cell [-db PATH] X-Y")
		os.Exit(2)
	}
	key := fs.Arg(0)
	if _, _, err := land.ParseCellKey(key); err != nil {
		fail("bad cell key", err)
	}

	ctx := context.Background()
	s, _ := sf.open(ctx)
	defer s.Close()
	c, ok, err := s.Cell(ctx, key)
	if err != nil {
		fail("read cell", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no cell", key)
		os.Exit(1)
	}
	printJSON(c)
}

func ownerCmd(args []string) {
	fs := flag.NewFlagSet("owner", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin owner [-db PATH] 0xADDRESS")
		os.Exit(2)
	}
	key, err := land.OwnerKey(fs.Arg(0))
	if err != nil {
		fail("bad address", err)
	}

	ctx := context.Background()
	s, _ := sf.open(ctx)
	defer s.Close()
	o, ok, err := s.Owner(ctx, key)
	if err != nil {
		fail("read owner", err)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no owner", key)
		os.Exit(1)
	}
	printJSON(o)
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)

	ctx := context.Background()
	s, _ := sf.open(ctx)
	defer s.Close()
	cur, err := s.Cursor(ctx)
	if err != nil {
		fail("read cursor", err)
	}
	vs, err := land.Verify(ctx, s)
	if err != nil {
		fail("verify", err)
	}
	for _, v := range vs {
		printJSON(v)
	}
	fmt.Printf("verify: cursor=%d:%d violations=%d\n", cur.Block, cur.LogIndex, len(vs))
	if len(vs) > 0 {
		s.Close()
		os.Exit(1)
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	sf := addStoreFlags(fs)
	out := fs.String("out", "", "output path (default: <data>/snapshots/<cursor>.snap.zst)")
	_ = fs.Parse(args)

	ctx := context.Background()
	s, cfg := sf.open(ctx)
	defer s.Close()
	snap, err := snapshot.Export(ctx, s, cfg.ChainID)
	if err != nil {
		fail("export", err)
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		path = filepath.Join(cfg.DataDir, "snapshots", snapshot.FileName(snap.Header.Position()))
	}
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		fail("write snapshot", err)
	}
	fmt.Printf("export ok: %s block=%d log_index=%d cells=%d owners=%d\n",
		path, snap.Header.Block, snap.Header.LogIndex, snap.Header.Cells, snap.Header.Owners)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin import [-db PATH] SNAPSHOT")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(fs.Arg(0))
	if err != nil {
		fail("read snapshot", err)
	}

	ctx := context.Background()
	s, _ := sf.open(ctx)
	defer s.Close()
	if err := snapshot.Import(ctx, s, snap); err != nil {
		fail("import", err)
	}
	fmt.Printf("import ok: block=%d log_index=%d cells=%d owners=%d\n",
		snap.Header.Block, snap.Header.LogIndex, snap.Header.Cells, snap.Header.Owners)
}

// snapshotsCmd lists snapshot files on disk with their headers.
func snapshotsCmd(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := filepath.Glob(filepath.Join(*dataDir, "snapshots", "*.snap.zst"))
	if err != nil {
		fail("list snapshots", err)
	}
	for _, p := range paths {
		hdr, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(p), err)
			continue
		}
		printJSON(struct {
			Path string `json:"path"`
			snapshot.Header
		}{p, hdr})
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
