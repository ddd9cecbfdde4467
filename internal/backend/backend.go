// Package backend opens the store and chain reader named by the config. The
// binaries share it so they agree on what a backend name means.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"peopleland.ai/internal/chain/ethreader"
	"peopleland.ai/internal/chain/fixture"
	"peopleland.ai/internal/config"
	"peopleland.ai/internal/land"
	"peopleland.ai/internal/persistence/indexdb"
	"peopleland.ai/internal/persistence/pgstore"
)

type Store struct {
	land.Store
	land.Reader

	// Set only for the sqlite backend.
	SQLite *indexdb.SQLiteStore
	// Set only for the postgres backend.
	Postgres *pgstore.Store

	Backend string
	closeFn func()
}

func (s *Store) Close() {
	if s != nil && s.closeFn != nil {
		s.closeFn()
	}
}

func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendMemory:
		m := land.NewMemStore()
		return &Store{Store: m, Reader: m, Backend: cfg.Backend}, nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		s, err := indexdb.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("store opened", zap.String("backend", cfg.Backend), zap.String("path", cfg.SQLitePath))
		return &Store{Store: s, Reader: s, SQLite: s, Backend: cfg.Backend, closeFn: func() { _ = s.Close() }}, nil
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", zap.String("backend", cfg.Backend))
		return &Store{Store: s, Reader: s, Postgres: s, Backend: cfg.Backend, closeFn: s.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// OpenChain returns the chain reader and a func that releases it.
func OpenChain(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (land.ChainReader, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Source {
	case config.ChainFixture:
		r, err := fixture.Load(cfg.FixturePath)
		if err != nil {
			return nil, nil, fmt.Errorf("load chain fixture: %w", err)
		}
		logger.Info("chain fixture loaded", zap.String("path", cfg.FixturePath), zap.Int("cells", len(r.Keys())))
		return r, func() {}, nil
	case config.ChainRPC:
		r, err := ethreader.Dial(ctx, ethreader.Config{RPCURL: cfg.RPCURL, Contract: cfg.Contract, ABIPath: cfg.ABIPath}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported chain source %q", cfg.Source)
	}
}
