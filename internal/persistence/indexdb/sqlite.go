package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"peopleland.ai/internal/land"
)

const schemaVersion = "1"

// SQLiteStore is a land.Store and land.Reader over a single SQLite file.
type SQLiteStore struct {
	db *sql.DB

	// wmu serializes writers; it is held from Begin until Commit/Rollback.
	wmu  sync.Mutex
	once sync.Once
}

var (
	_ land.Store  = (*SQLiteStore)(nil)
	_ land.Reader = (*SQLiteStore)(nil)
)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cells (
			key TEXT PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			owner TEXT,
			minted_by TEXT,
			token_id TEXT,
			rendered_metadata TEXT NOT NULL DEFAULT '',
			slogan TEXT NOT NULL DEFAULT '',
			neighbors TEXT NOT NULL DEFAULT '[]',
			created_block INTEGER NOT NULL,
			created_ts INTEGER NOT NULL,
			granted_block INTEGER,
			granted_ts INTEGER
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cells_token ON cells(token_id) WHERE token_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_cells_owner ON cells(owner);`,
		`CREATE TABLE IF NOT EXISTS owners (
			key TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS owner_cells (
			owner TEXT NOT NULL REFERENCES owners(key),
			cell TEXT NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (owner, cell)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_owner_cells_seq ON owner_cells(owner, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			block INTEGER NOT NULL,
			log_index INTEGER NOT NULL,
			path TEXT NOT NULL,
			cells INTEGER NOT NULL,
			owners INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (block, log_index)
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) Begin(ctx context.Context) (land.Tx, error) {
	s.wmu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.wmu.Unlock()
		return nil, err
	}
	return &sqliteTx{s: s, tx: tx}, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const cellColumns = `key,x,y,owner,minted_by,token_id,rendered_metadata,slogan,neighbors,created_block,created_ts,granted_block,granted_ts`

type scanner interface {
	Scan(dest ...any) error
}

func scanCell(sc scanner) (land.Cell, error) {
	var (
		c                      land.Cell
		owner, minted, tokenID sql.NullString
		neighbors              string
		createdBlock, created  int64
		grantedBlock, granted  sql.NullInt64
	)
	if err := sc.Scan(&c.Key, &c.X, &c.Y, &owner, &minted, &tokenID, &c.RenderedMetadata, &c.Slogan, &neighbors, &createdBlock, &created, &grantedBlock, &granted); err != nil {
		return land.Cell{}, err
	}
	if owner.Valid {
		c.Owner = land.Concrete(owner.String)
	}
	if minted.Valid {
		c.MintedBy = land.Concrete(minted.String)
	}
	c.TokenID = tokenID.String
	if err := json.Unmarshal([]byte(neighbors), &c.Neighbors); err != nil {
		return land.Cell{}, fmt.Errorf("cell %s neighbors: %w", c.Key, err)
	}
	if len(c.Neighbors) == 0 {
		c.Neighbors = nil
	}
	c.CreatedAt = land.Provenance{Block: uint64(createdBlock), Timestamp: uint64(created)}
	if grantedBlock.Valid {
		c.GrantedAt = &land.Provenance{Block: uint64(grantedBlock.Int64), Timestamp: uint64(granted.Int64)}
	}
	return c, nil
}

func loadCell(ctx context.Context, q queryer, key string) (land.Cell, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cellColumns+` FROM cells WHERE key=?`, key)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Cell{}, false, nil
	}
	if err != nil {
		return land.Cell{}, false, err
	}
	return c, true, nil
}

func loadOwner(ctx context.Context, q queryer, key string) (land.Owner, bool, error) {
	var k string
	err := q.QueryRowContext(ctx, `SELECT key FROM owners WHERE key=?`, key).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Owner{}, false, nil
	}
	if err != nil {
		return land.Owner{}, false, err
	}
	rows, err := q.QueryContext(ctx, `SELECT cell FROM owner_cells WHERE owner=? ORDER BY seq`, key)
	if err != nil {
		return land.Owner{}, false, err
	}
	defer rows.Close()
	o := land.Owner{Key: k, Cells: land.NewKeySet()}
	for rows.Next() {
		var cell string
		if err := rows.Scan(&cell); err != nil {
			return land.Owner{}, false, err
		}
		o.Cells.Add(cell)
	}
	return o, true, rows.Err()
}

func loadCursor(ctx context.Context, q queryer) (land.Position, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='cursor'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return land.Position{}, false, nil
	}
	if err != nil {
		return land.Position{}, false, err
	}
	p, err := parseCursor(v)
	return p, err == nil, err
}

func formatCursor(p land.Position) string {
	return strconv.FormatUint(p.Block, 10) + ":" + strconv.FormatUint(uint64(p.LogIndex), 10)
}

func parseCursor(v string) (land.Position, error) {
	for i := 0; i < len(v); i++ {
		if v[i] != ':' {
			continue
		}
		b, err := strconv.ParseUint(v[:i], 10, 64)
		if err != nil {
			return land.Position{}, fmt.Errorf("cursor %q: %w", v, err)
		}
		li, err := strconv.ParseUint(v[i+1:], 10, 32)
		if err != nil {
			return land.Position{}, fmt.Errorf("cursor %q: %w", v, err)
		}
		return land.Position{Block: b, LogIndex: uint32(li)}, nil
	}
	return land.Position{}, fmt.Errorf("cursor %q: missing separator", v)
}

func nullRef(r land.OwnerRef) sql.NullString {
	return sql.NullString{String: r.Key(), Valid: r.Assigned()}
}

type sqliteTx struct {
	s    *SQLiteStore
	tx   *sql.Tx
	done bool
}

var errTxDone = errors.New("transaction already finished")

func (t *sqliteTx) Cell(ctx context.Context, key string) (land.Cell, bool, error) {
	if t.done {
		return land.Cell{}, false, errTxDone
	}
	return loadCell(ctx, t.tx, key)
}

func (t *sqliteTx) PutCell(ctx context.Context, c land.Cell) error {
	if t.done {
		return errTxDone
	}
	neighbors := c.Neighbors
	if neighbors == nil {
		neighbors = []string{}
	}
	nb, err := json.Marshal(neighbors)
	if err != nil {
		return err
	}
	var grantedBlock, granted sql.NullInt64
	if c.GrantedAt != nil {
		grantedBlock = sql.NullInt64{Int64: int64(c.GrantedAt.Block), Valid: true}
		granted = sql.NullInt64{Int64: int64(c.GrantedAt.Timestamp), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx, `INSERT OR REPLACE INTO cells(`+cellColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Key, c.X, c.Y,
		nullRef(c.Owner), nullRef(c.MintedBy),
		sql.NullString{String: c.TokenID, Valid: c.TokenID != ""},
		c.RenderedMetadata, c.Slogan, string(nb),
		int64(c.CreatedAt.Block), int64(c.CreatedAt.Timestamp),
		grantedBlock, granted,
	)
	return err
}

func (t *sqliteTx) Owner(ctx context.Context, key string) (land.Owner, bool, error) {
	if t.done {
		return land.Owner{}, false, errTxDone
	}
	return loadOwner(ctx, t.tx, key)
}

func (t *sqliteTx) PutOwner(ctx context.Context, o land.Owner) error {
	if t.done {
		return errTxDone
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO owners(key) VALUES(?)`, o.Key); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM owner_cells WHERE owner=?`, o.Key); err != nil {
		return err
	}
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO owner_cells(owner,cell,seq) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, cell := range o.Cells.Keys() {
		if _, err := stmt.ExecContext(ctx, o.Key, cell, i); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) CellKeyByToken(ctx context.Context, tokenID string) (string, bool, error) {
	if t.done {
		return "", false, errTxDone
	}
	var key string
	err := t.tx.QueryRowContext(ctx, `SELECT key FROM cells WHERE token_id=?`, tokenID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (t *sqliteTx) Cursor(ctx context.Context) (land.Position, bool, error) {
	if t.done {
		return land.Position{}, false, errTxDone
	}
	return loadCursor(ctx, t.tx)
}

func (t *sqliteTx) SetCursor(ctx context.Context, p land.Position) error {
	if t.done {
		return errTxDone
	}
	_, err := t.tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('cursor',?)`, formatCursor(p))
	return err
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.s.wmu.Unlock()
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.wmu.Unlock()
	return t.tx.Rollback()
}

func (s *SQLiteStore) Cell(ctx context.Context, key string) (land.Cell, bool, error) {
	return loadCell(ctx, s.db, key)
}

func (s *SQLiteStore) Owner(ctx context.Context, key string) (land.Owner, bool, error) {
	return loadOwner(ctx, s.db, key)
}

func (s *SQLiteStore) Cursor(ctx context.Context) (land.Position, error) {
	p, _, err := loadCursor(ctx, s.db)
	return p, err
}

// Cells loads every row before calling fn, so fn may query the store again.
func (s *SQLiteStore) Cells(ctx context.Context, fn func(land.Cell) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cellColumns+` FROM cells ORDER BY key`)
	if err != nil {
		return err
	}
	var out []land.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			rows.Close()
			return err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, c := range out {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Owners(ctx context.Context, fn func(land.Owner) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT o.key, oc.cell FROM owners o LEFT JOIN owner_cells oc ON oc.owner = o.key ORDER BY o.key, oc.seq`)
	if err != nil {
		return err
	}
	var out []land.Owner
	for rows.Next() {
		var key string
		var cell sql.NullString
		if err := rows.Scan(&key, &cell); err != nil {
			rows.Close()
			return err
		}
		if len(out) == 0 || out[len(out)-1].Key != key {
			out = append(out, land.Owner{Key: key, Cells: land.NewKeySet()})
		}
		if cell.Valid {
			out[len(out)-1].Cells.Add(cell.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, o := range out {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// Counts returns the number of cell and owner rows.
func (s *SQLiteStore) Counts(ctx context.Context) (cells, owners int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&cells); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners`).Scan(&owners); err != nil {
		return 0, 0, err
	}
	return cells, owners, nil
}

// SnapshotRecord describes one snapshot file written from this store.
type SnapshotRecord struct {
	Pos        land.Position `json:"position"`
	Path       string        `json:"path"`
	Cells      int           `json:"cells"`
	Owners     int           `json:"owners"`
	RecordedAt time.Time     `json:"recorded_at"`
}

func (s *SQLiteStore) RecordSnapshot(ctx context.Context, r SnapshotRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO snapshots(block,log_index,path,cells,owners,recorded_at) VALUES(?,?,?,?,?,?)`,
		int64(r.Pos.Block), int64(r.Pos.LogIndex), r.Path, r.Cells, r.Owners, r.RecordedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// Snapshots lists recorded snapshots, newest first.
func (s *SQLiteStore) Snapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT block,log_index,path,cells,owners,recorded_at FROM snapshots ORDER BY block DESC, log_index DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRecord
	for rows.Next() {
		var (
			r          SnapshotRecord
			block, li  int64
			recordedAt string
		)
		if err := rows.Scan(&block, &li, &r.Path, &r.Cells, &r.Owners, &recordedAt); err != nil {
			return nil, err
		}
		r.Pos = land.Position{Block: uint64(block), LogIndex: uint32(li)}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
