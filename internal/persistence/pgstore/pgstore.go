// Package pgstore keeps the land index in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"peopleland.ai/internal/land"
)

// writerLockID is the advisory lock key that serializes indexers sharing a
// database.
const writerLockID int64 = 0x6c616e64

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	wmu sync.Mutex
}

var (
	_ land.Store  = (*Store)(nil)
	_ land.Reader = (*Store)(nil)
)

func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to postgres",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database))
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS land_meta (
			key TEXT PRIMARY KEY,
			block BIGINT NOT NULL,
			log_index BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cells (
			key TEXT PRIMARY KEY,
			x BIGINT NOT NULL,
			y BIGINT NOT NULL,
			owner TEXT,
			minted_by TEXT,
			token_id TEXT UNIQUE,
			rendered_metadata TEXT NOT NULL DEFAULT '',
			slogan TEXT NOT NULL DEFAULT '',
			neighbors TEXT[] NOT NULL DEFAULT '{}',
			created_block BIGINT NOT NULL,
			created_ts BIGINT NOT NULL,
			granted_block BIGINT,
			granted_ts BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cells_owner ON cells(owner)`,
		`CREATE TABLE IF NOT EXISTS owners (
			key TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS owner_cells (
			owner TEXT NOT NULL REFERENCES owners(key),
			cell TEXT NOT NULL,
			seq INT NOT NULL,
			PRIMARY KEY (owner, cell)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_owner_cells_seq ON owner_cells(owner, seq)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (land.Tx, error) {
	s.wmu.Lock()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		s.wmu.Unlock()
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockID); err != nil {
		_ = tx.Rollback(ctx)
		s.wmu.Unlock()
		return nil, fmt.Errorf("writer lock: %w", err)
	}
	return &pgTx{s: s, tx: tx, ctx: ctx}, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const cellColumns = `key,x,y,owner,minted_by,token_id,rendered_metadata,slogan,neighbors,created_block,created_ts,granted_block,granted_ts`

func scanCell(row pgx.Row) (land.Cell, error) {
	var (
		c                      land.Cell
		owner, minted, tokenID *string
		createdBlock, created  int64
		grantedBlock, granted  *int64
	)
	if err := row.Scan(&c.Key, &c.X, &c.Y, &owner, &minted, &tokenID, &c.RenderedMetadata, &c.Slogan, &c.Neighbors, &createdBlock, &created, &grantedBlock, &granted); err != nil {
		return land.Cell{}, err
	}
	if owner != nil {
		c.Owner = land.Concrete(*owner)
	}
	if minted != nil {
		c.MintedBy = land.Concrete(*minted)
	}
	if tokenID != nil {
		c.TokenID = *tokenID
	}
	if len(c.Neighbors) == 0 {
		c.Neighbors = nil
	}
	c.CreatedAt = land.Provenance{Block: uint64(createdBlock), Timestamp: uint64(created)}
	if grantedBlock != nil && granted != nil {
		c.GrantedAt = &land.Provenance{Block: uint64(*grantedBlock), Timestamp: uint64(*granted)}
	}
	return c, nil
}

func loadCell(ctx context.Context, q querier, key string) (land.Cell, bool, error) {
	c, err := scanCell(q.QueryRow(ctx, `SELECT `+cellColumns+` FROM cells WHERE key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return land.Cell{}, false, nil
	}
	if err != nil {
		return land.Cell{}, false, err
	}
	return c, true, nil
}

func loadOwner(ctx context.Context, q querier, key string) (land.Owner, bool, error) {
	var k string
	err := q.QueryRow(ctx, `SELECT key FROM owners WHERE key=$1`, key).Scan(&k)
	if errors.Is(err, pgx.ErrNoRows) {
		return land.Owner{}, false, nil
	}
	if err != nil {
		return land.Owner{}, false, err
	}
	rows, err := q.Query(ctx, `SELECT cell FROM owner_cells WHERE owner=$1 ORDER BY seq`, key)
	if err != nil {
		return land.Owner{}, false, err
	}
	cells, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return land.Owner{}, false, err
	}
	return land.Owner{Key: k, Cells: land.NewKeySet(cells...)}, true, nil
}

func loadCursor(ctx context.Context, q querier) (land.Position, bool, error) {
	var block, li int64
	err := q.QueryRow(ctx, `SELECT block, log_index FROM land_meta WHERE key='cursor'`).Scan(&block, &li)
	if errors.Is(err, pgx.ErrNoRows) {
		return land.Position{}, false, nil
	}
	if err != nil {
		return land.Position{}, false, err
	}
	return land.Position{Block: uint64(block), LogIndex: uint32(li)}, true, nil
}

func refArg(r land.OwnerRef) *string {
	if !r.Assigned() {
		return nil
	}
	k := r.Key()
	return &k
}

type pgTx struct {
	s    *Store
	tx   pgx.Tx
	ctx  context.Context
	done bool
}

var errTxDone = errors.New("transaction already finished")

func (t *pgTx) Cell(ctx context.Context, key string) (land.Cell, bool, error) {
	if t.done {
		return land.Cell{}, false, errTxDone
	}
	return loadCell(ctx, t.tx, key)
}

func (t *pgTx) PutCell(ctx context.Context, c land.Cell) error {
	if t.done {
		return errTxDone
	}
	var tokenID *string
	if c.TokenID != "" {
		tokenID = &c.TokenID
	}
	var grantedBlock, granted *int64
	if c.GrantedAt != nil {
		b, ts := int64(c.GrantedAt.Block), int64(c.GrantedAt.Timestamp)
		grantedBlock, granted = &b, &ts
	}
	neighbors := c.Neighbors
	if neighbors == nil {
		neighbors = []string{}
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO cells(key,x,y,owner,minted_by,token_id,rendered_metadata,slogan,neighbors,created_block,created_ts,granted_block,granted_ts)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (key) DO UPDATE SET
			owner=EXCLUDED.owner, minted_by=EXCLUDED.minted_by, token_id=EXCLUDED.token_id,
			rendered_metadata=EXCLUDED.rendered_metadata, slogan=EXCLUDED.slogan, neighbors=EXCLUDED.neighbors,
			created_block=EXCLUDED.created_block, created_ts=EXCLUDED.created_ts,
			granted_block=EXCLUDED.granted_block, granted_ts=EXCLUDED.granted_ts`,
		c.Key, c.X, c.Y, refArg(c.Owner), refArg(c.MintedBy), tokenID,
		c.RenderedMetadata, c.Slogan, neighbors,
		int64(c.CreatedAt.Block), int64(c.CreatedAt.Timestamp), grantedBlock, granted)
	return err
}

func (t *pgTx) Owner(ctx context.Context, key string) (land.Owner, bool, error) {
	if t.done {
		return land.Owner{}, false, errTxDone
	}
	return loadOwner(ctx, t.tx, key)
}

func (t *pgTx) PutOwner(ctx context.Context, o land.Owner) error {
	if t.done {
		return errTxDone
	}
	b := &pgx.Batch{}
	b.Queue(`INSERT INTO owners(key) VALUES($1) ON CONFLICT DO NOTHING`, o.Key)
	b.Queue(`DELETE FROM owner_cells WHERE owner=$1`, o.Key)
	for i, cell := range o.Cells.Keys() {
		b.Queue(`INSERT INTO owner_cells(owner,cell,seq) VALUES($1,$2,$3)`, o.Key, cell, i)
	}
	return t.tx.SendBatch(ctx, b).Close()
}

func (t *pgTx) CellKeyByToken(ctx context.Context, tokenID string) (string, bool, error) {
	if t.done {
		return "", false, errTxDone
	}
	if tokenID == "" {
		return "", false, nil
	}
	var key string
	err := t.tx.QueryRow(ctx, `SELECT key FROM cells WHERE token_id=$1`, tokenID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (t *pgTx) Cursor(ctx context.Context) (land.Position, bool, error) {
	if t.done {
		return land.Position{}, false, errTxDone
	}
	return loadCursor(ctx, t.tx)
}

func (t *pgTx) SetCursor(ctx context.Context, p land.Position) error {
	if t.done {
		return errTxDone
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO land_meta(key,block,log_index) VALUES('cursor',$1,$2)
		ON CONFLICT (key) DO UPDATE SET block=EXCLUDED.block, log_index=EXCLUDED.log_index`,
		int64(p.Block), int64(p.LogIndex))
	return err
}

func (t *pgTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.s.wmu.Unlock()
	return t.tx.Commit(t.ctx)
}

func (t *pgTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.wmu.Unlock()
	// The Begin context may already be cancelled; the rollback still has to run.
	return t.tx.Rollback(context.WithoutCancel(t.ctx))
}

func (s *Store) Cell(ctx context.Context, key string) (land.Cell, bool, error) {
	return loadCell(ctx, s.pool, key)
}

func (s *Store) Owner(ctx context.Context, key string) (land.Owner, bool, error) {
	return loadOwner(ctx, s.pool, key)
}

func (s *Store) Cursor(ctx context.Context) (land.Position, error) {
	p, _, err := loadCursor(ctx, s.pool)
	return p, err
}

func (s *Store) Cells(ctx context.Context, fn func(land.Cell) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY key COLLATE "C"`)
	if err != nil {
		return err
	}
	cells, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (land.Cell, error) { return scanCell(r) })
	if err != nil {
		return err
	}
	for _, c := range cells {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Owners(ctx context.Context, fn func(land.Owner) error) error {
	rows, err := s.pool.Query(ctx, `SELECT o.key, oc.cell FROM owners o LEFT JOIN owner_cells oc ON oc.owner = o.key ORDER BY o.key COLLATE "C", oc.seq`)
	if err != nil {
		return err
	}
	var out []land.Owner
	var key string
	var cell *string
	_, err = pgx.ForEachRow(rows, []any{&key, &cell}, func() error {
		if len(out) == 0 || out[len(out)-1].Key != key {
			out = append(out, land.Owner{Key: key, Cells: land.NewKeySet()})
		}
		if cell != nil {
			out[len(out)-1].Cells.Add(*cell)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, o := range out {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// Truncate empties every table. Tests and `admin import` use it.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE owner_cells, owners, cells, land_meta`)
	return err
}
