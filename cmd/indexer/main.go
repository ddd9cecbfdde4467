package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peopleland.ai/internal/backend"
	"peopleland.ai/internal/config"
	"peopleland.ai/internal/ingest"
	"peopleland.ai/internal/land"
	"peopleland.ai/internal/metrics"
	persistlog "peopleland.ai/internal/persistence/log"
	"peopleland.ai/internal/persistence/r2s3"
	"peopleland.ai/internal/persistence/snapshot"
	"peopleland.ai/internal/transport/httpapi"
	"peopleland.ai/internal/transport/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "./configs/indexer.yaml", "config path (optional)")
		addr        = flag.String("addr", "", "http listen address (overrides config listen)")
		dev         = flag.Bool("dev", false, "human-readable development logging")
		restore     = flag.String("restore", "", "snapshot to import before starting (store must be empty)")
		enableAdmin = flag.Bool("admin_http", defaultEnableAdminHTTP(), "enable loopback-only /admin/v1 endpoints")
		enablePprof = flag.Bool("pprof", false, "enable /debug/pprof endpoints")
	)
	flag.Parse()

	logger := newLogger(*dev)
	defer func() { _ = logger.Sync() }()

	path := *configPath
	if _, err := os.Stat(path); err != nil && errors.Is(err, os.ErrNotExist) {
		logger.Warn("config file not found; using defaults", zap.String("path", path))
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Listen = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := backend.OpenStore(ctx, cfg.Store, logger.Named("store"))
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	chain, releaseChain, err := backend.OpenChain(ctx, cfg.Chain, logger.Named("chain"))
	if err != nil {
		logger.Fatal("open chain reader", zap.Error(err))
	}
	defer releaseChain()

	if p := strings.TrimSpace(*restore); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatal("read snapshot", zap.Error(err))
		}
		if snap.Header.ChainID != "" && snap.Header.ChainID != cfg.ChainID {
			logger.Fatal("snapshot chain id mismatch", zap.String("config", cfg.ChainID), zap.String("snapshot", snap.Header.ChainID))
		}
		if err := snapshot.Import(ctx, store, snap); err != nil {
			logger.Fatal("import snapshot", zap.Error(err))
		}
		logger.Info("restored snapshot", zap.String("path", p), zap.Uint64("block", snap.Header.Block))
	}

	m := metrics.New()

	var mirror *r2s3.Mirror
	if cfg.Mirror.Enabled() {
		client, err := r2s3.New(cfg.Mirror.Config)
		if err != nil {
			logger.Fatal("init r2 mirror", zap.Error(err))
		}
		mirror = r2s3.NewMirror(client, cfg.DataDir, cfg.Mirror.Prefix, r2s3.MirrorOptions{
			Workers:       cfg.Mirror.Workers,
			QueueCapacity: cfg.Mirror.QueueCapacity,
			EnqueueWait:   cfg.Mirror.EnqueueWait,
		}, logger.Named("mirror"))
		defer mirror.Close()
		m.WatchMirror(mirror)
	}

	deps := ingest.Deps{
		Indexer: land.NewIndexer(store, chain, logger.Named("land"), m),
		Reader:  store,
		Hooks:   m,
		Logger:  logger.Named("ingest"),
	}
	if cfg.Ingest.EventLog {
		eventLog := persistlog.NewEventLogger(cfg.DataDir)
		defer eventLog.Close()
		deps.EventLog = eventLog
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	if store.SQLite != nil {
		deps.Recorder = store.SQLite
	}

	proc, err := ingest.New(ingest.Options{
		ChainID:             cfg.ChainID,
		DataDir:             cfg.DataDir,
		QueueSize:           cfg.Ingest.QueueSize,
		EventTimeout:        cfg.Chain.ReadTimeout,
		SnapshotEveryBlocks: cfg.Ingest.SnapshotEveryBlocks,
		ArchiveEpochBlocks:  cfg.Ingest.ArchiveEpochBlocks,
	}, deps)
	if err != nil {
		logger.Fatal("init processor", zap.Error(err))
	}
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("processor stopped", zap.Error(err))
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	api := &httpapi.Server{Reader: store, Proc: proc, ChainID: cfg.ChainID, Logger: logger.Named("http"), Admin: *enableAdmin}
	api.Register(mux)
	if !*enableAdmin {
		logger.Info("admin endpoints disabled")
	}
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	wsSrv := ws.NewServer(proc, ws.Options{ChainID: cfg.ChainID, Token: cfg.Ingest.Token}, logger.Named("ws"), m)
	mux.HandleFunc("/v1/ingest", wsSrv.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening",
		zap.String("addr", cfg.Listen),
		zap.String("chain_id", cfg.ChainID),
		zap.String("store", store.Backend),
		zap.String("chain", cfg.Chain.Source),
		zap.Bool("mirror", mirror != nil))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", zap.Error(err))
	}
	<-procDone
}

func newLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
