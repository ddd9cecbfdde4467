// Package landtest provides an in-memory chain reader and a small harness for
// driving the indexer in tests.
package landtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"peopleland.ai/internal/land"
)

// Chain is a ChainReader backed by maps. It ignores the block argument but
// records it so tests can assert reads were pinned to the event block.
type Chain struct {
	mu sync.Mutex

	cells  map[string]ChainCell
	tokens map[string][2]int64
	fail   map[string]error

	Blocks []uint64
	Calls  map[string]int
}

// ChainCell is what the contract reports for one coordinate pair.
type ChainCell struct {
	TokenID   string
	URI       string
	Slogan    string
	Neighbors []string
}

func NewChain() *Chain {
	return &Chain{
		cells:  map[string]ChainCell{},
		tokens: map[string][2]int64{},
		fail:   map[string]error{},
		Calls:  map[string]int{},
	}
}

// SetCell registers contract state for (x, y) and indexes its token id.
func (c *Chain) SetCell(x, y int64, cell ChainCell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells[land.CellKey(x, y)] = cell
	if cell.TokenID != "" {
		c.tokens[cell.TokenID] = [2]int64{x, y}
	}
}

// Mint is SetCell with generated token id and metadata.
func (c *Chain) Mint(x, y int64, tokenID uint64) string {
	id := strconv.FormatUint(tokenID, 10)
	c.SetCell(x, y, ChainCell{
		TokenID:   id,
		URI:       "data:image/svg+xml;token=" + id,
		Slogan:    "slogan " + land.CellKey(x, y),
		Neighbors: []string{land.CellKey(x-1, y), "", land.CellKey(x+1, y), ""},
	})
	return id
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (c *Chain) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

func (c *Chain) enter(op string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[op]++
	c.Blocks = append(c.Blocks, block)
	return c.fail[op]
}

func (c *Chain) cell(x, y int64) (ChainCell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.cells[land.CellKey(x, y)]
	if !ok {
		return ChainCell{}, fmt.Errorf("no cell at %s", land.CellKey(x, y))
	}
	return cell, nil
}

func (c *Chain) TokenID(_ context.Context, block uint64, x, y int64) (string, error) {
	if err := c.enter("token_id", block); err != nil {
		return "", err
	}
	cell, err := c.cell(x, y)
	return cell.TokenID, err
}

func (c *Chain) TokenURI(_ context.Context, block uint64, tokenID string) (string, error) {
	if err := c.enter("token_uri", block); err != nil {
		return "", err
	}
	c.mu.Lock()
	xy, ok := c.tokens[tokenID]
	c.mu.Unlock()
	if !ok {
		return "", land.ErrUnknownToken
	}
	cell, err := c.cell(xy[0], xy[1])
	return cell.URI, err
}

func (c *Chain) CellState(_ context.Context, block uint64, x, y int64) (land.CellState, error) {
	if err := c.enter("cell_state", block); err != nil {
		return land.CellState{}, err
	}
	cell, err := c.cell(x, y)
	return land.CellState{Slogan: cell.Slogan}, err
}

func (c *Chain) Neighbors(_ context.Context, block uint64, x, y int64) ([]string, error) {
	if err := c.enter("neighbors", block); err != nil {
		return nil, err
	}
	cell, err := c.cell(x, y)
	return append([]string(nil), cell.Neighbors...), err
}

func (c *Chain) Coordinates(_ context.Context, block uint64, tokenID string) (int64, int64, error) {
	if err := c.enter("coordinates", block); err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	xy, ok := c.tokens[tokenID]
	if !ok {
		return 0, 0, land.ErrUnknownToken
	}
	return xy[0], xy[1], nil
}
