package land

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeSkipped Outcome = "skipped"
)

// Observer receives counters from the indexer. All methods must be cheap.
type Observer interface {
	EventApplied(kind Kind, outcome Outcome, pos Position)
	EventFailed(kind Kind, class FaultClass)
	ChainRead(op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) EventApplied(Kind, Outcome, Position)  {}
func (nopObserver) EventFailed(Kind, FaultClass)          {}
func (nopObserver) ChainRead(string, time.Duration, error) {}

// Indexer applies events to a Store one at a time. It is not safe for
// concurrent use; the ingest loop owns it.
type Indexer struct {
	store Store
	chain ChainReader
	log   *zap.Logger
	obs   Observer
}

func NewIndexer(store Store, chain ChainReader, logger *zap.Logger, obs Observer) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Indexer{store: store, chain: chain, log: logger, obs: obs}
}

// Apply runs the reducer for ev inside a single transaction together with the
// cursor update. Events at or behind the stored cursor are skipped. On any
// error nothing is written and the error is a *Fault.
func (ix *Indexer) Apply(ctx context.Context, ev Event) (Outcome, error) {
	out, err := ix.apply(ctx, ev)
	if err != nil {
		var f *Fault
		if !errors.As(err, &f) {
			f = newFault(FaultStorage, ev, "", err)
			err = f
		}
		ix.obs.EventFailed(ev.Kind(), f.Class)
		return "", err
	}
	ix.obs.EventApplied(ev.Kind(), out, ev.EventMeta().Position())
	return out, nil
}

func (ix *Indexer) apply(ctx context.Context, ev Event) (Outcome, error) {
	pos := ev.EventMeta().Position()

	tx, err := ix.store.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, hasCur, err := tx.Cursor(ctx)
	if err != nil {
		return "", fmt.Errorf("cursor: %w", err)
	}
	if hasCur && !pos.After(cur) {
		ix.log.Debug("skip applied event",
			zap.String("event", Describe(ev)),
			zap.Uint64("cursor_block", cur.Block),
			zap.Uint32("cursor_log_index", cur.LogIndex))
		return OutcomeSkipped, nil
	}

	repo := NewRepository(tx)
	var out Outcome
	switch e := ev.(type) {
	case Create:
		out, err = ix.applyCreate(ctx, repo, e)
	case Grant:
		out, err = ix.applyGrant(ctx, repo, e)
	case Transfer:
		out, err = ix.applyTransfer(ctx, repo, e)
	case Annotate:
		out, err = ix.applyAnnotate(ctx, repo, e)
	default:
		err = newFault(FaultInvalidEvent, ev, "", fmt.Errorf("unsupported event %T", ev))
	}
	if err != nil {
		return "", err
	}

	if err := tx.SetCursor(ctx, pos); err != nil {
		return "", fmt.Errorf("set cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	ix.log.Debug("event applied", zap.String("event", Describe(ev)), zap.String("outcome", string(out)))
	return out, nil
}

// applyCreate records a new cell. An existing cell is left as it is, except
// that a cell first created by a Transfer gets its missing MintedBy set.
func (ix *Indexer) applyCreate(ctx context.Context, repo *Repository, e Create) (Outcome, error) {
	key := CellKey(e.X, e.Y)
	minter, err := OwnerRefFor(e.Minter)
	if err != nil {
		return "", newFault(FaultInvalidEvent, e, key, err)
	}

	cell, ok, err := repo.LoadCell(ctx, key)
	if err != nil {
		return "", storageFault(e, key, err)
	}
	if ok {
		// A transfer seen before the mint created the cell without a minter;
		// the mint fills that one field in and nothing else.
		if cell.MintedBy.Assigned() || !minter.Assigned() {
			ix.log.Debug("duplicate create", zap.String("cell", key), zap.Uint64("block", e.Block))
			return OutcomeNoop, nil
		}
		if _, err := repo.GetOrCreateOwner(ctx, minter.Key()); err != nil {
			return "", storageFault(e, key, err)
		}
		cell.MintedBy = minter
		if err := repo.SaveCell(ctx, cell); err != nil {
			return "", storageFault(e, key, err)
		}
		return OutcomeApplied, nil
	}

	if minter.Assigned() {
		if _, err := repo.GetOrCreateOwner(ctx, minter.Key()); err != nil {
			return "", storageFault(e, key, err)
		}
	}
	cell = &Cell{
		Key:       key,
		X:         e.X,
		Y:         e.Y,
		Owner:     Unassigned,
		MintedBy:  minter,
		CreatedAt: e.provenance(),
	}
	if err := repo.SaveCell(ctx, cell); err != nil {
		return "", storageFault(e, key, err)
	}
	return OutcomeApplied, nil
}

func (ix *Indexer) applyGrant(ctx context.Context, repo *Repository, e Grant) (Outcome, error) {
	key := CellKey(e.X, e.Y)
	to, err := OwnerRefFor(e.Recipient)
	if err != nil {
		return "", newFault(FaultInvalidEvent, e, key, err)
	}

	cell, ok, err := repo.LoadCell(ctx, key)
	if err != nil {
		return "", storageFault(e, key, err)
	}
	if !ok {
		return "", newFault(FaultIntegrity, e, key, errMissingCell)
	}

	// Every read happens before the first write.
	var (
		tokenID   string
		uri       string
		state     CellState
		neighbors []string
	)
	if err := ix.read(ctx, e, key, "token_id", func(ctx context.Context) (err error) {
		tokenID, err = ix.chain.TokenID(ctx, e.Block, e.X, e.Y)
		if err == nil && tokenID == "" {
			err = errors.New("empty token id")
		}
		return err
	}); err != nil {
		return "", err
	}
	if err := ix.read(ctx, e, key, "token_uri", func(ctx context.Context) (err error) {
		uri, err = ix.chain.TokenURI(ctx, e.Block, tokenID)
		return err
	}); err != nil {
		return "", err
	}
	if err := ix.read(ctx, e, key, "cell_state", func(ctx context.Context) (err error) {
		state, err = ix.chain.CellState(ctx, e.Block, e.X, e.Y)
		return err
	}); err != nil {
		return "", err
	}
	if err := ix.read(ctx, e, key, "neighbors", func(ctx context.Context) (err error) {
		neighbors, err = ix.chain.Neighbors(ctx, e.Block, e.X, e.Y)
		return err
	}); err != nil {
		return "", err
	}

	cell.TokenID = tokenID
	cell.RenderedMetadata = uri
	cell.Slogan = state.Slogan
	cell.Neighbors = presentNeighbors(neighbors)
	if cell.GrantedAt == nil {
		p := e.provenance()
		cell.GrantedAt = &p
	}
	if err := Reassign(ctx, repo, cell, to); err != nil {
		return "", storageFault(e, key, err)
	}
	if err := repo.SaveCell(ctx, cell); err != nil {
		return "", storageFault(e, key, err)
	}
	return OutcomeApplied, nil
}

func (ix *Indexer) applyTransfer(ctx context.Context, repo *Repository, e Transfer) (Outcome, error) {
	from, err := OwnerRefFor(e.From)
	if err != nil {
		return "", newFault(FaultInvalidEvent, e, "", err)
	}
	to, err := OwnerRefFor(e.To)
	if err != nil {
		return "", newFault(FaultInvalidEvent, e, "", err)
	}

	key, indexed, err := repo.CellKeyByToken(ctx, e.TokenID)
	if err != nil {
		return "", storageFault(e, "", err)
	}
	var x, y int64
	if indexed {
		if x, y, err = ParseCellKey(key); err != nil {
			return "", newFault(FaultIntegrity, e, key, err)
		}
	} else {
		if err := ix.read(ctx, e, "", "coordinates", func(ctx context.Context) (err error) {
			x, y, err = ix.chain.Coordinates(ctx, e.Block, e.TokenID)
			return err
		}); err != nil {
			return "", err
		}
		key = CellKey(x, y)
	}

	cell, ok, err := repo.LoadCell(ctx, key)
	if err != nil {
		return "", storageFault(e, key, err)
	}
	if !ok {
		if indexed {
			return "", newFault(FaultIntegrity, e, key, fmt.Errorf("token %s indexed to missing cell", e.TokenID))
		}
		ix.log.Info("transfer before create; creating cell without minter",
			zap.String("cell", key), zap.String("token_id", e.TokenID), zap.Uint64("block", e.Block))
		cell = &Cell{
			Key:       key,
			X:         x,
			Y:         y,
			Owner:     Unassigned,
			CreatedAt: e.provenance(),
		}
	}

	for _, ref := range []OwnerRef{from, to} {
		if !ref.Assigned() {
			continue
		}
		if _, err := repo.GetOrCreateOwner(ctx, ref.Key()); err != nil {
			return "", storageFault(e, key, err)
		}
	}
	if err := Reassign(ctx, repo, cell, to); err != nil {
		return "", storageFault(e, key, err)
	}
	// The recorded owner may be stale relative to the event; the event's
	// sender must not keep the key either way.
	if from != to {
		if _, err := Release(ctx, repo, from, key); err != nil {
			return "", storageFault(e, key, err)
		}
	}
	if err := repo.SaveCell(ctx, cell); err != nil {
		return "", storageFault(e, key, err)
	}
	return OutcomeApplied, nil
}

func (ix *Indexer) applyAnnotate(ctx context.Context, repo *Repository, e Annotate) (Outcome, error) {
	key := CellKey(e.X, e.Y)
	cell, ok, err := repo.LoadCell(ctx, key)
	if err != nil {
		return "", storageFault(e, key, err)
	}
	if !ok {
		return "", newFault(FaultIntegrity, e, key, errMissingCell)
	}
	cell.Slogan = e.Slogan
	if err := repo.SaveCell(ctx, cell); err != nil {
		return "", storageFault(e, key, err)
	}
	return OutcomeApplied, nil
}

func (ix *Indexer) read(ctx context.Context, ev Event, key, op string, fn func(context.Context) error) error {
	if ix.chain == nil {
		return newFault(FaultChainRead, ev, key, fmt.Errorf("%s: no chain reader configured", op))
	}
	start := time.Now()
	err := fn(ctx)
	ix.obs.ChainRead(op, time.Since(start), err)
	if err != nil {
		return newFault(FaultChainRead, ev, key, fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

func presentNeighbors(slots []string) []string {
	out := make([]string, 0, len(slots))
	for _, n := range slots {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func newFault(class FaultClass, ev Event, key string, err error) *Fault {
	return &Fault{Class: class, Kind: ev.Kind(), Key: key, Pos: ev.EventMeta().Position(), Err: err}
}

func storageFault(ev Event, key string, err error) *Fault {
	return newFault(FaultStorage, ev, key, err)
}
