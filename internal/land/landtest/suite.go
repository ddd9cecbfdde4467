package landtest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"peopleland.ai/internal/land"
)

// Opener returns a fresh, empty store and its read view.
type Opener func(t *testing.T) (land.Store, land.Reader)

// RunStoreSuite drives the indexer over a store backend and checks that the
// backend persists what the reducers wrote. Every backend runs it.
func RunStoreSuite(t *testing.T, open Opener) {
	t.Run("GrantTransferAnnotate", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		tok := h.Chain.Mint(-1, 5, 11)

		h.MustApply(land.Create{Meta: h.Next(), X: -1, Y: 5, Minter: Minter})
		g := land.Grant{Meta: h.Next(), X: -1, Y: 5, Recipient: Alice}
		h.MustApply(g)
		h.MustApply(land.Transfer{Meta: h.Next(), TokenID: tok, From: Alice, To: Bob})
		h.MustApply(land.Annotate{Meta: h.Next(), X: -1, Y: 5, Slogan: "gm"})

		c, ok := h.Cell("-1-5")
		if !ok {
			t.Fatalf("cell missing")
		}
		if c.X != -1 || c.Y != 5 || c.TokenID != tok || c.Slogan != "gm" {
			t.Fatalf("cell=%+v", c)
		}
		if c.Owner != land.Concrete(Key(t, Bob)) || c.MintedBy != land.Concrete(Key(t, Minter)) {
			t.Fatalf("owner=%s minted_by=%s", c.Owner, c.MintedBy)
		}
		if !slices.Equal(c.Neighbors, []string{"-2-5", "0-5"}) {
			t.Fatalf("neighbors=%v", c.Neighbors)
		}
		if c.GrantedAt == nil || *c.GrantedAt != (land.Provenance{Block: g.Block, Timestamp: g.Timestamp}) {
			t.Fatalf("granted_at=%+v", c.GrantedAt)
		}
		if got := h.OwnedKeys(Alice); len(got) != 0 {
			t.Fatalf("alice cells=%v", got)
		}
		if got := h.OwnedKeys(Bob); !slices.Equal(got, []string{"-1-5"}) {
			t.Fatalf("bob cells=%v", got)
		}
		if h.Chain.Calls["coordinates"] != 0 {
			t.Fatalf("transfer of a granted cell should use the token index")
		}
		h.AssertConsistent()
	})

	t.Run("OwnerKeepsInsertionOrder", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		coords := [][2]int64{{9, 9}, {1, 1}, {5, 0}}
		for i, xy := range coords {
			h.Chain.Mint(xy[0], xy[1], uint64(i+1))
			h.MustApply(land.Create{Meta: h.Next(), X: xy[0], Y: xy[1], Minter: Minter})
			h.MustApply(land.Grant{Meta: h.Next(), X: xy[0], Y: xy[1], Recipient: Alice})
		}
		if got := h.OwnedKeys(Alice); !slices.Equal(got, []string{"9-9", "1-1", "5-0"}) {
			t.Fatalf("alice cells=%v", got)
		}
		h.MustApply(land.Transfer{Meta: h.Next(), TokenID: "2", From: Alice, To: Bob})
		h.MustApply(land.Transfer{Meta: h.Next(), TokenID: "2", From: Bob, To: Alice})
		if got := h.OwnedKeys(Alice); !slices.Equal(got, []string{"9-9", "5-0", "1-1"}) {
			t.Fatalf("alice cells=%v", got)
		}
		h.AssertConsistent()
	})

	t.Run("DegradedTransfer", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		tok := h.Chain.Mint(3, -3, 99)
		h.MustApply(land.Transfer{Meta: h.Next(), TokenID: tok, From: Zero, To: Alice})

		c, ok := h.Cell("3--3")
		if !ok || c.MintedBy.Assigned() || c.Owner != land.Concrete(Key(t, Alice)) {
			t.Fatalf("cell=%+v ok=%v", c, ok)
		}
		if c.GrantedAt != nil {
			t.Fatalf("degraded cell should not be granted: %+v", c.GrantedAt)
		}
		if _, ok := h.Owner(Zero); ok {
			t.Fatalf("zero address got an owner record")
		}
		h.AssertConsistent()
	})

	t.Run("FaultRollsBack", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		h.Chain.Mint(0, 0, 1)
		h.MustApply(land.Create{Meta: h.Next(), X: 0, Y: 0, Minter: Minter})
		before, err := r.Cursor(context.Background())
		if err != nil {
			t.Fatalf("Cursor: %v", err)
		}

		h.Chain.Fail("neighbors", errors.New("rpc down"))
		if _, err := h.Apply(land.Grant{Meta: h.Next(), X: 0, Y: 0, Recipient: Alice}); !errors.Is(err, land.ErrChainRead) {
			t.Fatalf("err=%v want chain read fault", err)
		}
		if _, ok := h.Owner(Alice); ok {
			t.Fatalf("failed grant created an owner record")
		}
		c, _ := h.Cell("0-0")
		if c.Owner.Assigned() || c.TokenID != "" {
			t.Fatalf("failed grant wrote the cell: %+v", c)
		}
		after, _ := r.Cursor(context.Background())
		if after != before {
			t.Fatalf("cursor moved on fault: %+v -> %+v", before, after)
		}
	})

	t.Run("GenesisPositionIsRecorded", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		h.Chain.Mint(0, 0, 1)

		tx, err := s.Begin(context.Background())
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if _, ok, err := tx.Cursor(context.Background()); err != nil || ok {
			t.Fatalf("fresh store cursor ok=%v err=%v", ok, err)
		}
		_ = tx.Rollback()

		genesis := land.Meta{Block: 0, LogIndex: 0, Timestamp: 1}
		if out := h.MustApply(land.Create{Meta: genesis, X: 0, Y: 0, Minter: Minter}); out != land.OutcomeApplied {
			t.Fatalf("create outcome=%s", out)
		}
		if out := h.MustApply(land.Annotate{Meta: genesis, X: 0, Y: 0, Slogan: "again"}); out != land.OutcomeSkipped {
			t.Fatalf("redelivered genesis outcome=%s", out)
		}
		if c, _ := h.Cell("0-0"); c.Slogan != "" {
			t.Fatalf("redelivery changed the slogan: %q", c.Slogan)
		}
		next := land.Meta{Block: 0, LogIndex: 1, Timestamp: 1}
		if out := h.MustApply(land.Annotate{Meta: next, X: 0, Y: 0, Slogan: "gm"}); out != land.OutcomeApplied {
			t.Fatalf("next log index outcome=%s", out)
		}
	})

	t.Run("CursorPersists", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		h.Chain.Mint(4, 4, 4)
		m := h.Next()
		m.LogIndex = 7
		h.MustApply(land.Create{Meta: m, X: 4, Y: 4, Minter: Minter})

		got, err := r.Cursor(context.Background())
		if err != nil {
			t.Fatalf("Cursor: %v", err)
		}
		if got != (land.Position{Block: m.Block, LogIndex: 7}) {
			t.Fatalf("cursor=%+v", got)
		}
		if out := h.MustApply(land.Annotate{Meta: m, X: 4, Y: 4, Slogan: "again"}); out != land.OutcomeSkipped {
			t.Fatalf("replayed position outcome=%s", out)
		}
	})

	t.Run("OrderedIteration", func(t *testing.T) {
		s, r := open(t)
		h := NewWith(t, s, r)
		for i, xy := range [][2]int64{{2, 0}, {-1, 0}, {10, 3}} {
			h.Chain.Mint(xy[0], xy[1], uint64(i+1))
			h.MustApply(land.Create{Meta: h.Next(), X: xy[0], Y: xy[1], Minter: Minter})
		}
		var keys []string
		if err := r.Cells(context.Background(), func(c land.Cell) error {
			keys = append(keys, c.Key)
			return nil
		}); err != nil {
			t.Fatalf("Cells: %v", err)
		}
		if !slices.IsSorted(keys) || len(keys) != 3 {
			t.Fatalf("keys=%v", keys)
		}
		var owners []string
		if err := r.Owners(context.Background(), func(o land.Owner) error {
			owners = append(owners, o.Key)
			return nil
		}); err != nil {
			t.Fatalf("Owners: %v", err)
		}
		if !slices.Equal(owners, []string{Key(t, Minter)}) {
			t.Fatalf("owners=%v", owners)
		}
	})
}
