package landtest

import (
	"context"
	"testing"

	"peopleland.ai/internal/land"
)

// Well-known addresses. Checksummed on purpose: keys must come out lowercase.
const (
	Minter = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	Alice  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	Bob    = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
	Zero   = "0x0000000000000000000000000000000000000000"
)

// Key normalizes an address or fails the test.
func Key(t testing.TB, address string) string {
	t.Helper()
	k, err := land.OwnerKey(address)
	if err != nil {
		t.Fatalf("OwnerKey(%s): %v", address, err)
	}
	return k
}

// Harness wires an indexer to a store and a fake chain and hands out
// monotonically increasing event positions.
type Harness struct {
	T       testing.TB
	Store   land.Store
	Reader  land.Reader
	Chain   *Chain
	Indexer *land.Indexer

	block uint64
}

// New builds a harness over a fresh MemStore.
func New(t testing.TB) *Harness {
	s := land.NewMemStore()
	return NewWith(t, s, s)
}

// NewWith builds a harness over any store backend.
func NewWith(t testing.TB, store land.Store, reader land.Reader) *Harness {
	chain := NewChain()
	return &Harness{
		T:       t,
		Store:   store,
		Reader:  reader,
		Chain:   chain,
		Indexer: land.NewIndexer(store, chain, nil, nil),
		block:   100,
	}
}

// Next returns metadata for the next block.
func (h *Harness) Next() land.Meta {
	h.block++
	return land.Meta{Block: h.block, Timestamp: 1_600_000_000 + h.block*12, TxHash: "0x00"}
}

func (h *Harness) Apply(ev land.Event) (land.Outcome, error) {
	return h.Indexer.Apply(context.Background(), ev)
}

// MustApply fails the test on any error.
func (h *Harness) MustApply(ev land.Event) land.Outcome {
	h.T.Helper()
	out, err := h.Apply(ev)
	if err != nil {
		h.T.Fatalf("apply %s: %v", land.Describe(ev), err)
	}
	return out
}

func (h *Harness) Cell(key string) (land.Cell, bool) {
	h.T.Helper()
	c, ok, err := h.Reader.Cell(context.Background(), key)
	if err != nil {
		h.T.Fatalf("Cell(%s): %v", key, err)
	}
	return c, ok
}

func (h *Harness) Owner(address string) (land.Owner, bool) {
	h.T.Helper()
	o, ok, err := h.Reader.Owner(context.Background(), Key(h.T, address))
	if err != nil {
		h.T.Fatalf("Owner(%s): %v", address, err)
	}
	return o, ok
}

// OwnedKeys returns the owner's cell keys, or nil when there is no record.
func (h *Harness) OwnedKeys(address string) []string {
	h.T.Helper()
	o, ok := h.Owner(address)
	if !ok {
		return nil
	}
	return o.Cells.Keys()
}

// AssertConsistent fails the test if any cross-record invariant is broken.
func (h *Harness) AssertConsistent() {
	h.T.Helper()
	vs, err := land.Verify(context.Background(), h.Reader)
	if err != nil {
		h.T.Fatalf("Verify: %v", err)
	}
	for _, v := range vs {
		h.T.Errorf("violation: %s", v)
	}
	if len(vs) > 0 {
		h.T.FailNow()
	}
}
