package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"peopleland.ai/internal/backend"
	"peopleland.ai/internal/config"
	"peopleland.ai/internal/ingest"
	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/snapshot"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/indexer.yaml", "config path (chain source and store)")
		snapPath   = flag.String("snapshot", "", "snapshot to start from (optional)")
		eventsDir  = flag.String("events", "", "events dir containing events-*.jsonl.zst (default: <data>/events)")
		into       = flag.String("into", config.BackendMemory, "store to rebuild into: memory, or config to use the configured store")
		toBlock    = flag.Uint64("to_block", 0, "stop after this block (inclusive, optional)")
		outPath    = flag.String("out", "", "write a snapshot of the rebuilt index here (optional)")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("load config", err)
	}
	if *into != "config" {
		cfg.Store.Backend = *into
	}
	dir := *eventsDir
	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "events")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := backend.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		fail("open store", err)
	}
	defer store.Close()

	chain, release, err := backend.OpenChain(ctx, cfg.Chain, logger)
	if err != nil {
		fail("open chain reader", err)
	}
	defer release()

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fail("read snapshot", err)
		}
		if err := snapshot.Import(ctx, store, snap); err != nil {
			fail("import snapshot", err)
		}
		fmt.Printf("snapshot v%d chain=%s block=%d log_index=%d cells=%d owners=%d\n",
			snap.Header.Version, snap.Header.ChainID, snap.Header.Block, snap.Header.LogIndex, snap.Header.Cells, snap.Header.Owners)
	}

	ix := land.NewIndexer(store, chain, logger, nil)
	st, err := ingest.Replay(ctx, ix, dir, *toBlock)
	if err != nil {
		fail("replay", err)
	}

	vs, err := land.Verify(ctx, store)
	if err != nil {
		fail("verify", err)
	}
	for _, v := range vs {
		fmt.Fprintln(os.Stderr, "violation:", v)
	}

	if *outPath != "" {
		snap, err := snapshot.Export(ctx, store, cfg.ChainID)
		if err != nil {
			fail("export", err)
		}
		if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
			fail("write snapshot", err)
		}
		fmt.Printf("wrote %s cells=%d owners=%d\n", *outPath, snap.Header.Cells, snap.Header.Owners)
	}

	fmt.Printf("replay done: applied=%d noop=%d skipped=%d last=%d:%d violations=%d\n",
		st.Applied, st.Noop, st.Skipped, st.Last.Block, st.Last.LogIndex, len(vs))
	if len(vs) > 0 {
		os.Exit(1)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
