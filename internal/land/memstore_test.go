package land_test

import (
	"context"
	"testing"

	"peopleland.ai/internal/land"
	"peopleland.ai/internal/land/landtest"
)

func TestMemStore_Suite(t *testing.T) {
	landtest.RunStoreSuite(t, func(t *testing.T) (land.Store, land.Reader) {
		s := land.NewMemStore()
		return s, s
	})
}

func TestMemStore_WritesInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	s := land.NewMemStore()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.PutCell(ctx, land.Cell{Key: "1-1", X: 1, Y: 1}); err != nil {
		t.Fatalf("PutCell: %v", err)
	}
	if _, ok, _ := s.Cell(ctx, "1-1"); ok {
		t.Fatalf("uncommitted cell visible")
	}
	if _, ok, _ := tx.Cell(ctx, "1-1"); !ok {
		t.Fatalf("tx does not see its own write")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback after Commit: %v", err)
	}
	if _, ok, _ := s.Cell(ctx, "1-1"); !ok {
		t.Fatalf("committed cell missing")
	}
}

func TestMemStore_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := land.NewMemStore()
	tx, _ := s.Begin(ctx)
	_ = tx.PutOwner(ctx, land.Owner{Key: "0xabc", Cells: land.NewKeySet("1-1")})
	_ = tx.SetCursor(ctx, land.Position{Block: 9})
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok, _ := s.Owner(ctx, "0xabc"); ok {
		t.Fatalf("rolled back owner visible")
	}
	if p, _ := s.Cursor(ctx); !p.IsZero() {
		t.Fatalf("cursor=%+v", p)
	}
	// The writer lock must have been released.
	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after rollback: %v", err)
	}
	_ = tx2.Rollback()
}
