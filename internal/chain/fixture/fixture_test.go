package fixture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"peopleland.ai/internal/land"
)

const sample = `
cells:
  - x: 1
    y: -2
    token_id: "7"
    token_uri: "data:image/svg+xml;token=7"
    from_block: 100
    neighbors: ["0--2", "", "2--2", ""]
    slogans:
      100: "hello"
      150: "gm"
  - x: 0
    y: 0
    token_id: "1"
`

func TestReader_BlockPinnedReads(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx := context.Background()

	if _, err := r.TokenID(ctx, 99, 1, -2); err == nil {
		t.Fatalf("expected no cell before from_block")
	}
	id, err := r.TokenID(ctx, 100, 1, -2)
	if err != nil || id != "7" {
		t.Fatalf("TokenID = %q, %v", id, err)
	}
	st, _ := r.CellState(ctx, 120, 1, -2)
	if st.Slogan != "hello" {
		t.Fatalf("slogan@120 = %q", st.Slogan)
	}
	st, _ = r.CellState(ctx, 150, 1, -2)
	if st.Slogan != "gm" {
		t.Fatalf("slogan@150 = %q", st.Slogan)
	}
	n, _ := r.Neighbors(ctx, 100, 1, -2)
	if !reflect.DeepEqual(n, []string{"0--2", "", "2--2", ""}) {
		t.Fatalf("neighbors = %v", n)
	}
	x, y, err := r.Coordinates(ctx, 100, "7")
	if err != nil || x != 1 || y != -2 {
		t.Fatalf("Coordinates = %d,%d,%v", x, y, err)
	}
	if _, _, err := r.Coordinates(ctx, 100, "8"); !errors.Is(err, land.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if got := r.Keys(); !reflect.DeepEqual(got, []string{"0-0", "1--2"}) {
		t.Fatalf("Keys = %v", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"dup cell":  "cells:\n  - {x: 1, y: 1, token_id: \"1\"}\n  - {x: 1, y: 1, token_id: \"2\"}\n",
		"dup token": "cells:\n  - {x: 1, y: 1, token_id: \"1\"}\n  - {x: 2, y: 1, token_id: \"1\"}\n",
		"bad token": "cells:\n  - {x: 1, y: 1, token_id: \"abc\"}\n",
		"bad yaml":  "cells: [",
	}
	for name, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(p, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(r.Keys()) != 2 {
		t.Fatalf("keys = %v", r.Keys())
	}
}
