package land

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errTxDone = errors.New("transaction already finished")

// MemStore keeps both collections in memory. It backs tests, replay
// verification and the "memory" store backend.
type MemStore struct {
	wmu sync.Mutex // held by the open Tx

	mu     sync.RWMutex
	cells  map[string]Cell
	owners map[string]Owner
	tokens map[string]string
	cursor Position
	hasCur bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		cells:  map[string]Cell{},
		owners: map[string]Owner{},
		tokens: map[string]string{},
	}
}

func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.wmu.Lock()
	return &memTx{
		s:      s,
		cells:  map[string]Cell{},
		owners: map[string]Owner{},
		tokens: map[string]string{},
	}, nil
}

func (s *MemStore) Cell(_ context.Context, key string) (Cell, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cells[key]
	if !ok {
		return Cell{}, false, nil
	}
	return c.Clone(), true, nil
}

func (s *MemStore) Owner(_ context.Context, key string) (Owner, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[key]
	if !ok {
		return Owner{}, false, nil
	}
	return o.Clone(), true, nil
}

func (s *MemStore) Cells(_ context.Context, fn func(Cell) error) error {
	s.mu.RLock()
	keys := sortedKeys(s.cells)
	out := make([]Cell, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.cells[k].Clone())
	}
	s.mu.RUnlock()
	for _, c := range out {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Owners(_ context.Context, fn func(Owner) error) error {
	s.mu.RLock()
	keys := sortedKeys(s.owners)
	out := make([]Owner, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.owners[k].Clone())
	}
	s.mu.RUnlock()
	for _, o := range out {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Cursor(context.Context) (Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// Counts returns the number of cell and owner records.
func (s *MemStore) Counts() (cells, owners int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells), len(s.owners)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type memTx struct {
	s    *MemStore
	done bool

	cells     map[string]Cell
	owners    map[string]Owner
	tokens    map[string]string
	cursor    Position
	cursorSet bool
}

func (t *memTx) Cell(_ context.Context, key string) (Cell, bool, error) {
	if t.done {
		return Cell{}, false, errTxDone
	}
	if c, ok := t.cells[key]; ok {
		return c.Clone(), true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	c, ok := t.s.cells[key]
	if !ok {
		return Cell{}, false, nil
	}
	return c.Clone(), true, nil
}

func (t *memTx) PutCell(_ context.Context, c Cell) error {
	if t.done {
		return errTxDone
	}
	t.cells[c.Key] = c.Clone()
	if c.TokenID != "" {
		t.tokens[c.TokenID] = c.Key
	}
	return nil
}

func (t *memTx) Owner(_ context.Context, key string) (Owner, bool, error) {
	if t.done {
		return Owner{}, false, errTxDone
	}
	if o, ok := t.owners[key]; ok {
		return o.Clone(), true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.owners[key]
	if !ok {
		return Owner{}, false, nil
	}
	return o.Clone(), true, nil
}

func (t *memTx) PutOwner(_ context.Context, o Owner) error {
	if t.done {
		return errTxDone
	}
	t.owners[o.Key] = o.Clone()
	return nil
}

func (t *memTx) CellKeyByToken(_ context.Context, tokenID string) (string, bool, error) {
	if t.done {
		return "", false, errTxDone
	}
	if k, ok := t.tokens[tokenID]; ok {
		return k, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	k, ok := t.s.tokens[tokenID]
	return k, ok, nil
}

func (t *memTx) Cursor(context.Context) (Position, bool, error) {
	if t.done {
		return Position{}, false, errTxDone
	}
	if t.cursorSet {
		return t.cursor, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.cursor, t.s.hasCur, nil
}

func (t *memTx) SetCursor(_ context.Context, p Position) error {
	if t.done {
		return errTxDone
	}
	t.cursor = p
	t.cursorSet = true
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.s.mu.Lock()
	for k, c := range t.cells {
		t.s.cells[k] = c
	}
	for k, o := range t.owners {
		t.s.owners[k] = o
	}
	for id, k := range t.tokens {
		t.s.tokens[id] = k
	}
	if t.cursorSet {
		t.s.cursor, t.s.hasCur = t.cursor, true
	}
	t.s.mu.Unlock()
	t.s.wmu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.wmu.Unlock()
	return nil
}
