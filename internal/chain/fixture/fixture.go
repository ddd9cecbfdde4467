// Package fixture is a land.ChainReader backed by a YAML file. cmd/replay uses
// it to rebuild an index without an RPC endpoint.
package fixture

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"peopleland.ai/internal/land"
)

type File struct {
	Cells []Cell `yaml:"cells"`
}

type Cell struct {
	X         int64    `yaml:"x"`
	Y         int64    `yaml:"y"`
	TokenID   string   `yaml:"token_id"`
	TokenURI  string   `yaml:"token_uri"`
	Neighbors []string `yaml:"neighbors"`
	// FromBlock is the first block at which the cell's token exists.
	FromBlock uint64 `yaml:"from_block"`
	// Slogans maps a block to the slogan in effect from that block on.
	Slogans map[uint64]string `yaml:"slogans"`
}

func (c Cell) sloganAt(block uint64) string {
	var best uint64
	found := false
	for b := range c.Slogans {
		if b <= block && (!found || b > best) {
			best, found = b, true
		}
	}
	if !found {
		return ""
	}
	return c.Slogans[best]
}

type Reader struct {
	byKey   map[string]Cell
	byToken map[string]Cell
}

var _ land.ChainReader = (*Reader)(nil)

func Load(path string) (*Reader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Reader, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}
	r := &Reader{byKey: map[string]Cell{}, byToken: map[string]Cell{}}
	for i, c := range f.Cells {
		key := land.CellKey(c.X, c.Y)
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("fixture: cells[%d]: duplicate cell %s", i, key)
		}
		if id, ok := new(big.Int).SetString(c.TokenID, 10); !ok || id.Sign() < 0 {
			return nil, fmt.Errorf("fixture: cells[%d]: bad token_id %q", i, c.TokenID)
		}
		if _, dup := r.byToken[c.TokenID]; dup {
			return nil, fmt.Errorf("fixture: cells[%d]: duplicate token_id %s", i, c.TokenID)
		}
		r.byKey[key] = c
		r.byToken[c.TokenID] = c
	}
	return r, nil
}

func (r *Reader) cell(block uint64, x, y int64) (Cell, error) {
	key := land.CellKey(x, y)
	c, ok := r.byKey[key]
	if !ok || block < c.FromBlock {
		return Cell{}, fmt.Errorf("fixture: no cell %s at block %d", key, block)
	}
	return c, nil
}

func (r *Reader) token(block uint64, tokenID string) (Cell, error) {
	c, ok := r.byToken[tokenID]
	if !ok || block < c.FromBlock {
		return Cell{}, fmt.Errorf("fixture: token %s at block %d: %w", tokenID, block, land.ErrUnknownToken)
	}
	return c, nil
}

func (r *Reader) TokenID(_ context.Context, block uint64, x, y int64) (string, error) {
	c, err := r.cell(block, x, y)
	if err != nil {
		return "", err
	}
	return c.TokenID, nil
}

func (r *Reader) TokenURI(_ context.Context, block uint64, tokenID string) (string, error) {
	c, err := r.token(block, tokenID)
	if err != nil {
		return "", err
	}
	return c.TokenURI, nil
}

func (r *Reader) CellState(_ context.Context, block uint64, x, y int64) (land.CellState, error) {
	c, err := r.cell(block, x, y)
	if err != nil {
		return land.CellState{}, err
	}
	return land.CellState{Slogan: c.sloganAt(block)}, nil
}

func (r *Reader) Neighbors(_ context.Context, block uint64, x, y int64) ([]string, error) {
	c, err := r.cell(block, x, y)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.Neighbors...), nil
}

func (r *Reader) Coordinates(_ context.Context, block uint64, tokenID string) (int64, int64, error) {
	c, err := r.token(block, tokenID)
	if err != nil {
		return 0, 0, err
	}
	return c.X, c.Y, nil
}

// Keys lists fixture cells in key order.
func (r *Reader) Keys() []string {
	out := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
