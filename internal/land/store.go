package land

import "context"

// Tx is one event's unit of work against a Store. Writes become visible to
// Readers only on Commit; Rollback after Commit is a no-op so callers can
// defer it.
type Tx interface {
	Cell(ctx context.Context, key string) (Cell, bool, error)
	PutCell(ctx context.Context, c Cell) error
	Owner(ctx context.Context, key string) (Owner, bool, error)
	PutOwner(ctx context.Context, o Owner) error

	// CellKeyByToken resolves a token id through cells already granted.
	CellKeyByToken(ctx context.Context, tokenID string) (string, bool, error)

	// Cursor reports the last committed position; ok is false until the
	// first SetCursor commits. Position{} is a valid cursor.
	Cursor(ctx context.Context) (p Position, ok bool, err error)
	SetCursor(ctx context.Context, p Position) error

	Commit() error
	Rollback() error
}

// Store hands out transactions. Implementations serialize writers: a second
// Begin blocks until the first Tx is finished.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Reader is the read-only view downstream consumers get.
type Reader interface {
	Cell(ctx context.Context, key string) (Cell, bool, error)
	Owner(ctx context.Context, key string) (Owner, bool, error)
	// Cells and Owners visit records ordered by key.
	Cells(ctx context.Context, fn func(Cell) error) error
	Owners(ctx context.Context, fn func(Owner) error) error
	Cursor(ctx context.Context) (Position, error)
}

// Repository owns the lifecycle of Cell and Owner records inside a Tx.
type Repository struct {
	tx Tx
}

func NewRepository(tx Tx) *Repository { return &Repository{tx: tx} }

// GetOrCreateOwner loads the owner or creates and saves an empty one, so later
// loads in the same transaction observe it.
func (r *Repository) GetOrCreateOwner(ctx context.Context, key string) (*Owner, error) {
	o, ok, err := r.tx.Owner(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return &o, nil
	}
	o = Owner{Key: key, Cells: NewKeySet()}
	if err := r.tx.PutOwner(ctx, o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) LoadOwner(ctx context.Context, key string) (*Owner, bool, error) {
	o, ok, err := r.tx.Owner(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &o, true, nil
}

func (r *Repository) LoadCell(ctx context.Context, key string) (*Cell, bool, error) {
	c, ok, err := r.tx.Cell(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return &c, true, nil
}

func (r *Repository) CellKeyByToken(ctx context.Context, tokenID string) (string, bool, error) {
	return r.tx.CellKeyByToken(ctx, tokenID)
}

// SaveCell overwrites the whole record.
func (r *Repository) SaveCell(ctx context.Context, c *Cell) error {
	return r.tx.PutCell(ctx, *c)
}

// SaveOwner overwrites the whole record.
func (r *Repository) SaveOwner(ctx context.Context, o *Owner) error {
	return r.tx.PutOwner(ctx, *o)
}
