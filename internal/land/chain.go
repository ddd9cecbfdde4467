package land

import (
	"context"
	"errors"
)

// ErrUnknownToken is returned by ChainReader.Coordinates for a token the
// contract has never issued.
var ErrUnknownToken = errors.New("unknown token")

// CellState is the subset of the contract's per-cell storage the indexer copies.
type CellState struct {
	Slogan string
}

// ChainReader queries the land contract as of a given block. Reads must reflect
// the chain state at that block, not the head.
type ChainReader interface {
	TokenID(ctx context.Context, block uint64, x, y int64) (string, error)
	TokenURI(ctx context.Context, block uint64, tokenID string) (string, error)
	CellState(ctx context.Context, block uint64, x, y int64) (CellState, error)
	// Neighbors returns one slot per adjacent position; empty strings mark
	// positions without a cell.
	Neighbors(ctx context.Context, block uint64, x, y int64) ([]string, error)
	Coordinates(ctx context.Context, block uint64, tokenID string) (x, y int64, err error)
}
