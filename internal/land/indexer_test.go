package land_test

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/land/landtest"
)

func create(h *landtest.Harness, x, y int64, minter string) land.Create {
	return land.Create{Meta: h.Next(), X: x, Y: y, Minter: minter}
}

func grant(h *landtest.Harness, x, y int64, to string) land.Grant {
	return land.Grant{Meta: h.Next(), X: x, Y: y, Recipient: to}
}

func transfer(h *landtest.Harness, tokenID, from, to string) land.Transfer {
	return land.Transfer{Meta: h.Next(), TokenID: tokenID, From: from, To: to}
}

func annotate(h *landtest.Harness, x, y int64, slogan string) land.Annotate {
	return land.Annotate{Meta: h.Next(), X: x, Y: y, Slogan: slogan}
}

func TestCreateThenGrant_OwnerListsCell(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(1, 2, 7)

	h.MustApply(create(h, 1, 2, landtest.Minter))
	g := grant(h, 1, 2, landtest.Alice)
	h.MustApply(g)

	c, ok := h.Cell("1-2")
	if !ok {
		t.Fatalf("cell missing")
	}
	if c.Owner != land.Concrete(landtest.Key(t, landtest.Alice)) {
		t.Fatalf("owner=%s", c.Owner)
	}
	if got := h.OwnedKeys(landtest.Alice); !slices.Equal(got, []string{"1-2"}) {
		t.Fatalf("alice cells=%v", got)
	}
	if got := h.OwnedKeys(landtest.Minter); len(got) != 0 {
		t.Fatalf("minter should not own anything, got %v", got)
	}
	if c.MintedBy != land.Concrete(landtest.Key(t, landtest.Minter)) {
		t.Fatalf("minted_by=%s", c.MintedBy)
	}
	if c.TokenID != "7" || c.RenderedMetadata != "data:image/svg+xml;token=7" || c.Slogan != "slogan 1-2" {
		t.Fatalf("chain fields not copied: %+v", c)
	}
	if !slices.Equal(c.Neighbors, []string{"0-2", "2-2"}) {
		t.Fatalf("neighbors=%v", c.Neighbors)
	}
	if c.GrantedAt == nil || c.GrantedAt.Block != g.Block || c.GrantedAt.Timestamp != g.Timestamp {
		t.Fatalf("granted_at=%+v want block %d", c.GrantedAt, g.Block)
	}
	for _, b := range h.Chain.Blocks {
		if b != g.Block {
			t.Fatalf("chain read at block %d, event block %d", b, g.Block)
		}
	}
	h.AssertConsistent()
}

func TestGrantThenTransfer_MovesCell(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(1, 2, 7)

	h.MustApply(create(h, 1, 2, landtest.Minter))
	h.MustApply(grant(h, 1, 2, landtest.Alice))
	h.MustApply(transfer(h, tok, landtest.Alice, landtest.Bob))

	if got := h.OwnedKeys(landtest.Alice); len(got) != 0 {
		t.Fatalf("alice cells=%v want none", got)
	}
	if got := h.OwnedKeys(landtest.Bob); !slices.Equal(got, []string{"1-2"}) {
		t.Fatalf("bob cells=%v", got)
	}
	c, _ := h.Cell("1-2")
	if c.Owner != land.Concrete(landtest.Key(t, landtest.Bob)) {
		t.Fatalf("owner=%s", c.Owner)
	}
	// Granted cells resolve through the token index, not the chain.
	if n := h.Chain.Calls["coordinates"]; n != 0 {
		t.Fatalf("coordinates called %d times", n)
	}
	h.AssertConsistent()
}

func TestAnnotateMissingCell_IsIntegrityFault(t *testing.T) {
	h := landtest.New(t)

	_, err := h.Apply(annotate(h, 1, 2, "hello"))
	if !errors.Is(err, land.ErrIntegrity) {
		t.Fatalf("err=%v want integrity fault", err)
	}
	if land.FaultClassOf(err) != land.FaultIntegrity {
		t.Fatalf("class=%q", land.FaultClassOf(err))
	}
	if _, ok := h.Cell("1-2"); ok {
		t.Fatalf("annotate must not create a cell")
	}
	mem := h.Store.(*land.MemStore)
	if cells, owners := mem.Counts(); cells != 0 || owners != 0 {
		t.Fatalf("state written: cells=%d owners=%d", cells, owners)
	}
}

func TestGrantMissingCell_IsIntegrityFault(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(1, 2, 7)

	_, err := h.Apply(grant(h, 1, 2, landtest.Alice))
	if !errors.Is(err, land.ErrIntegrity) {
		t.Fatalf("err=%v want integrity fault", err)
	}
	if _, ok := h.Owner(landtest.Alice); ok {
		t.Fatalf("recipient record must not survive a failed grant")
	}
	if n := h.Chain.Calls["token_id"]; n != 0 {
		t.Fatalf("chain read before precondition check")
	}
}

func TestDuplicateCreate_FirstWins(t *testing.T) {
	h := landtest.New(t)

	first := create(h, 1, 2, landtest.Minter)
	h.MustApply(first)
	before, _ := h.Cell("1-2")

	if out := h.MustApply(create(h, 1, 2, landtest.Alice)); out != land.OutcomeNoop {
		t.Fatalf("outcome=%s want noop", out)
	}
	after, _ := h.Cell("1-2")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("duplicate create changed cell:\nbefore=%+v\nafter=%+v", before, after)
	}
	if after.CreatedAt.Block != first.Block {
		t.Fatalf("created_at block=%d want %d", after.CreatedAt.Block, first.Block)
	}
	if _, ok := h.Owner(landtest.Alice); ok {
		t.Fatalf("duplicate create must not create the second minter")
	}
}

func TestAnnotate_OnlyChangesSlogan(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(3, 4, 9)
	h.MustApply(create(h, 3, 4, landtest.Minter))
	h.MustApply(grant(h, 3, 4, landtest.Alice))
	before, _ := h.Cell("3-4")

	h.MustApply(annotate(h, 3, 4, "hello"))
	after, _ := h.Cell("3-4")

	if after.Slogan != "hello" {
		t.Fatalf("slogan=%q", after.Slogan)
	}
	after.Slogan = before.Slogan
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("annotate touched other fields:\nbefore=%+v\nafter=%+v", before, after)
	}
}

func TestProvenance_SetOnce(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(5, 5, 11)
	c0 := create(h, 5, 5, landtest.Minter)
	h.MustApply(c0)
	g0 := grant(h, 5, 5, landtest.Alice)
	h.MustApply(g0)

	h.MustApply(transfer(h, tok, landtest.Alice, landtest.Bob))
	h.MustApply(annotate(h, 5, 5, "x"))
	h.MustApply(grant(h, 5, 5, landtest.Alice))

	c, _ := h.Cell("5-5")
	if c.CreatedAt.Block != c0.Block || c.CreatedAt.Timestamp != c0.Timestamp {
		t.Fatalf("created_at=%+v want block %d", c.CreatedAt, c0.Block)
	}
	if c.GrantedAt.Block != g0.Block {
		t.Fatalf("granted_at=%+v want block %d", c.GrantedAt, g0.Block)
	}
	if c.Owner != land.Concrete(landtest.Key(t, landtest.Alice)) {
		t.Fatalf("second grant should still move ownership, owner=%s", c.Owner)
	}
	h.AssertConsistent()
}

func TestTransferBeforeCreate_DegradedCreation(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(-3, 8, 42)

	tr := transfer(h, tok, landtest.Zero, landtest.Bob)
	h.MustApply(tr)

	c, ok := h.Cell("-3-8")
	if !ok {
		t.Fatalf("transfer should create the cell")
	}
	if c.MintedBy.Assigned() {
		t.Fatalf("degraded cell has minted_by=%s", c.MintedBy)
	}
	if c.CreatedAt.Block != tr.Block || c.X != -3 || c.Y != 8 {
		t.Fatalf("cell=%+v", c)
	}
	if got := h.OwnedKeys(landtest.Bob); !slices.Equal(got, []string{"-3-8"}) {
		t.Fatalf("bob cells=%v", got)
	}
	if _, ok := h.Owner(landtest.Zero); ok {
		t.Fatalf("zero address must never get an owner record")
	}

	// The late mint fills in the minter and nothing else.
	h.MustApply(create(h, -3, 8, landtest.Minter))
	late, _ := h.Cell("-3-8")
	if late.MintedBy != land.Concrete(landtest.Key(t, landtest.Minter)) {
		t.Fatalf("minted_by=%s", late.MintedBy)
	}
	if late.CreatedAt != c.CreatedAt || late.Owner != c.Owner {
		t.Fatalf("late mint changed provenance or owner: %+v", late)
	}
	h.AssertConsistent()
}

func TestTransfer_StaleRecordedOwner(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(1, 1, 1)
	h.MustApply(create(h, 1, 1, landtest.Minter))
	h.MustApply(grant(h, 1, 1, landtest.Alice))

	// The event claims Bob sent it even though the index says Alice holds it.
	h.MustApply(transfer(h, tok, landtest.Bob, landtest.Minter))

	if got := h.OwnedKeys(landtest.Alice); len(got) != 0 {
		t.Fatalf("alice cells=%v", got)
	}
	if got := h.OwnedKeys(landtest.Bob); len(got) != 0 {
		t.Fatalf("bob cells=%v", got)
	}
	if got := h.OwnedKeys(landtest.Minter); !slices.Equal(got, []string{"1-1"}) {
		t.Fatalf("minter cells=%v", got)
	}
	h.AssertConsistent()
}

func TestTransferToSelf_KeepsSingleEntry(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(2, 2, 2)
	h.MustApply(create(h, 2, 2, landtest.Minter))
	h.MustApply(grant(h, 2, 2, landtest.Alice))
	h.MustApply(transfer(h, tok, landtest.Alice, landtest.Alice))

	if got := h.OwnedKeys(landtest.Alice); !slices.Equal(got, []string{"2-2"}) {
		t.Fatalf("alice cells=%v", got)
	}
	h.AssertConsistent()
}

func TestTransferToZero_ReleasesCell(t *testing.T) {
	h := landtest.New(t)
	tok := h.Chain.Mint(2, 3, 5)
	h.MustApply(create(h, 2, 3, landtest.Minter))
	h.MustApply(grant(h, 2, 3, landtest.Alice))
	h.MustApply(transfer(h, tok, landtest.Alice, landtest.Zero))

	c, _ := h.Cell("2-3")
	if c.Owner.Assigned() {
		t.Fatalf("burned cell owner=%s", c.Owner)
	}
	if got := h.OwnedKeys(landtest.Alice); len(got) != 0 {
		t.Fatalf("alice cells=%v", got)
	}
	h.AssertConsistent()
}

func TestChainReadFailure_WritesNothing(t *testing.T) {
	h := landtest.New(t)
	h.Chain.Mint(1, 2, 7)
	h.MustApply(create(h, 1, 2, landtest.Minter))
	before, _ := h.Cell("1-2")

	h.Chain.Fail("neighbors", errors.New("rpc timeout"))
	_, err := h.Apply(grant(h, 1, 2, landtest.Alice))
	if !errors.Is(err, land.ErrChainRead) {
		t.Fatalf("err=%v want chain read fault", err)
	}
	after, _ := h.Cell("1-2")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("failed grant wrote partial state: %+v", after)
	}
	if _, ok := h.Owner(landtest.Alice); ok {
		t.Fatalf("failed grant created recipient record")
	}
}

func TestTransferUnknownToken_IsChainReadFault(t *testing.T) {
	h := landtest.New(t)
	_, err := h.Apply(transfer(h, "999", landtest.Alice, landtest.Bob))
	if !errors.Is(err, land.ErrChainRead) || !errors.Is(err, land.ErrUnknownToken) {
		t.Fatalf("err=%v", err)
	}
	if _, ok := h.Owner(landtest.Bob); ok {
		t.Fatalf("no record may be written")
	}
}

func TestInvalidAddress_IsInvalidEvent(t *testing.T) {
	h := landtest.New(t)
	_, err := h.Apply(create(h, 1, 1, "not-an-address"))
	if !errors.Is(err, land.ErrInvalidEvent) {
		t.Fatalf("err=%v want invalid event", err)
	}
}

func TestCursor_SkipsAlreadyApplied(t *testing.T) {
	h := landtest.New(t)
	ev := create(h, 1, 1, landtest.Minter)
	h.MustApply(ev)
	if out := h.MustApply(ev); out != land.OutcomeSkipped {
		t.Fatalf("outcome=%s want skipped", out)
	}
	older := land.Annotate{Meta: land.Meta{Block: ev.Block - 1}, X: 1, Y: 1, Slogan: "late"}
	if out := h.MustApply(older); out != land.OutcomeSkipped {
		t.Fatalf("outcome=%s want skipped", out)
	}
	c, _ := h.Cell("1-1")
	if c.Slogan != "" {
		t.Fatalf("skipped event changed slogan to %q", c.Slogan)
	}
}

func TestMixedSequence_StaysConsistent(t *testing.T) {
	h := landtest.New(t)
	addrs := []string{landtest.Alice, landtest.Bob, landtest.Minter}
	tokens := map[string]string{}
	for i := int64(0); i < 6; i++ {
		tokens[land.CellKey(i, -i)] = h.Chain.Mint(i, -i, uint64(100+i))
		h.MustApply(create(h, i, -i, landtest.Minter))
		h.MustApply(grant(h, i, -i, addrs[i%3]))
		h.AssertConsistent()
	}
	holder := map[string]string{}
	for i := int64(0); i < 6; i++ {
		holder[land.CellKey(i, -i)] = addrs[i%3]
	}
	for step := 0; step < 18; step++ {
		i := int64(step % 6)
		key := land.CellKey(i, -i)
		to := addrs[(step+1)%3]
		h.MustApply(transfer(h, tokens[key], holder[key], to))
		holder[key] = to
		h.AssertConsistent()

		// Exactly one owner lists the cell, and it is the new holder.
		listed := 0
		for _, a := range addrs {
			if slices.Contains(h.OwnedKeys(a), key) {
				listed++
				if landtest.Key(t, a) != landtest.Key(t, to) {
					t.Fatalf("%s listed under %s, holder %s", key, a, to)
				}
			}
		}
		if listed != 1 {
			t.Fatalf("%s listed %d times", key, listed)
		}
	}
}
