package land

import (
	"context"
	"slices"
	"testing"
)

func TestReassign(t *testing.T) {
	ctx := context.Background()
	const a, b = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	s := NewMemStore()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	repo := NewRepository(tx)
	cell := &Cell{Key: "1-2", X: 1, Y: 2}

	// Fresh cell with no previous owner.
	if err := Reassign(ctx, repo, cell, Concrete(a)); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	// Same owner again: list unchanged, owner field still written.
	if err := Reassign(ctx, repo, cell, Concrete(a)); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	oa, _, _ := repo.LoadOwner(ctx, a)
	if got := oa.Cells.Keys(); !slices.Equal(got, []string{"1-2"}) {
		t.Fatalf("a cells=%v", got)
	}

	if err := Reassign(ctx, repo, cell, Concrete(b)); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	oa, _, _ = repo.LoadOwner(ctx, a)
	ob, _, _ := repo.LoadOwner(ctx, b)
	if oa.Cells.Len() != 0 || !slices.Equal(ob.Cells.Keys(), []string{"1-2"}) {
		t.Fatalf("a=%v b=%v", oa.Cells.Keys(), ob.Cells.Keys())
	}
	if cell.Owner != Concrete(b) {
		t.Fatalf("cell owner=%s", cell.Owner)
	}

	if err := Reassign(ctx, repo, cell, Unassigned); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	ob, _, _ = repo.LoadOwner(ctx, b)
	if ob.Cells.Len() != 0 || cell.Owner.Assigned() {
		t.Fatalf("unassign left b=%v owner=%s", ob.Cells.Keys(), cell.Owner)
	}

	if changed, err := Release(ctx, repo, Concrete(a), "1-2"); err != nil || changed {
		t.Fatalf("release of absent key: changed=%v err=%v", changed, err)
	}
	if changed, err := Release(ctx, repo, Concrete("0xcccccccccccccccccccccccccccccccccccccccc"), "1-2"); err != nil || changed {
		t.Fatalf("release on missing owner: changed=%v err=%v", changed, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok, _ := s.Owner(ctx, a); ok {
		t.Fatalf("rolled back owner visible")
	}
}

func TestGetOrCreateOwner_VisibleInSameTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	tx, _ := s.Begin(ctx)
	repo := NewRepository(tx)
	if _, err := repo.GetOrCreateOwner(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Fatalf("GetOrCreateOwner: %v", err)
	}
	if _, ok, _ := repo.LoadOwner(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); !ok {
		t.Fatalf("owner not visible inside tx")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok, _ := s.Owner(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); !ok {
		t.Fatalf("owner not visible after commit")
	}
}

func TestVerify_ReportsBrokenLinks(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	tx, _ := s.Begin(ctx)
	_ = tx.PutCell(ctx, Cell{Key: "1-1", X: 1, Y: 1, Owner: Concrete("0xaa")})
	_ = tx.PutOwner(ctx, Owner{Key: "0xaa"})
	_ = tx.PutOwner(ctx, Owner{Key: "0xbb", Cells: NewKeySet("2-2")})
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	vs, err := Verify(ctx, s)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	rules := map[string]bool{}
	for _, v := range vs {
		rules[v.Rule] = true
	}
	if !rules["owner_listed"] || !rules["cell_exists"] {
		t.Fatalf("violations=%v", vs)
	}
}
