package ethreader

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"peopleland.ai/internal/land"
)

// Caller is the subset of ethclient.Client the reader needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	RPCURL   string
	Contract string
	// ABIPath overrides DefaultABI when set.
	ABIPath string
}

// Reader is a land.ChainReader backed by eth_call pinned to the event block.
type Reader struct {
	caller   Caller
	contract common.Address
	abi      abi.ABI
	logger   *zap.Logger

	closeFn func()
}

var _ land.ChainReader = (*Reader)(nil)

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Reader, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ethreader: missing rpc url")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethreader: dial %s: %w", cfg.RPCURL, err)
	}
	r, err := New(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closeFn = client.Close
	return r, nil
}

// New builds a Reader over an existing caller.
func New(caller Caller, cfg Config, logger *zap.Logger) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("ethreader: nil caller")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("ethreader: invalid contract address %q", cfg.Contract)
	}
	def := DefaultABI
	if cfg.ABIPath != "" {
		b, err := os.ReadFile(cfg.ABIPath)
		if err != nil {
			return nil, fmt.Errorf("ethreader: read abi: %w", err)
		}
		def = string(b)
	}
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		return nil, fmt.Errorf("ethreader: parse abi: %w", err)
	}
	for _, m := range []string{methodTokenID, methodTokenURI, methodLand, methodNeighbors, methodCoordinates} {
		if _, ok := parsed.Methods[m]; !ok {
			return nil, fmt.Errorf("ethreader: abi lacks method %s", m)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		caller:   caller,
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		logger:   logger,
	}, nil
}

func (r *Reader) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

func (r *Reader) call(ctx context.Context, block uint64, method string, args ...any) ([]byte, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &r.contract, Data: data}
	out, err := r.caller.CallContract(ctx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		r.logger.Debug("eth_call failed", zap.String("method", method), zap.Uint64("block", block), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (r *Reader) TokenID(ctx context.Context, block uint64, x, y int64) (string, error) {
	out, err := r.call(ctx, block, methodTokenID, big.NewInt(x), big.NewInt(y))
	if err != nil {
		return "", err
	}
	vals, err := r.abi.Unpack(methodTokenID, out)
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", methodTokenID, err)
	}
	id, ok := first[*big.Int](vals)
	if !ok {
		return "", fmt.Errorf("unpack %s: unexpected output %v", methodTokenID, vals)
	}
	return id.String(), nil
}

func (r *Reader) TokenURI(ctx context.Context, block uint64, tokenID string) (string, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return "", err
	}
	out, err := r.call(ctx, block, methodTokenURI, id)
	if err != nil {
		return "", err
	}
	vals, err := r.abi.Unpack(methodTokenURI, out)
	if err != nil {
		return "", fmt.Errorf("unpack %s: %w", methodTokenURI, err)
	}
	uri, ok := first[string](vals)
	if !ok {
		return "", fmt.Errorf("unpack %s: unexpected output %v", methodTokenURI, vals)
	}
	return uri, nil
}

func (r *Reader) CellState(ctx context.Context, block uint64, x, y int64) (land.CellState, error) {
	out, err := r.call(ctx, block, methodLand, big.NewInt(x), big.NewInt(y))
	if err != nil {
		return land.CellState{}, err
	}
	m := map[string]any{}
	if err := r.abi.UnpackIntoMap(m, methodLand, out); err != nil {
		return land.CellState{}, fmt.Errorf("unpack %s: %w", methodLand, err)
	}
	slogan, ok := m["slogan"].(string)
	if !ok {
		return land.CellState{}, fmt.Errorf("unpack %s: no slogan output", methodLand)
	}
	return land.CellState{Slogan: slogan}, nil
}

func (r *Reader) Neighbors(ctx context.Context, block uint64, x, y int64) ([]string, error) {
	out, err := r.call(ctx, block, methodNeighbors, big.NewInt(x), big.NewInt(y))
	if err != nil {
		return nil, err
	}
	vals, err := r.abi.Unpack(methodNeighbors, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", methodNeighbors, err)
	}
	n, ok := first[[]string](vals)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected output %v", methodNeighbors, vals)
	}
	return n, nil
}

func (r *Reader) Coordinates(ctx context.Context, block uint64, tokenID string) (int64, int64, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return 0, 0, err
	}
	out, err := r.call(ctx, block, methodCoordinates, id)
	if err != nil {
		if isRevert(err) {
			return 0, 0, fmt.Errorf("token %s: %w", tokenID, land.ErrUnknownToken)
		}
		return 0, 0, err
	}
	vals, err := r.abi.Unpack(methodCoordinates, out)
	if err != nil {
		return 0, 0, fmt.Errorf("unpack %s: %w", methodCoordinates, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unpack %s: want 2 outputs, got %d", methodCoordinates, len(vals))
	}
	bx, okx := vals[0].(*big.Int)
	by, oky := vals[1].(*big.Int)
	if !okx || !oky {
		return 0, 0, fmt.Errorf("unpack %s: unexpected output %v", methodCoordinates, vals)
	}
	if !bx.IsInt64() || !by.IsInt64() {
		return 0, 0, fmt.Errorf("%s: coordinates (%s, %s) overflow int64", methodCoordinates, bx, by)
	}
	return bx.Int64(), by.Int64(), nil
}

func first[T any](vals []any) (T, bool) {
	var zero T
	if len(vals) == 0 {
		return zero, false
	}
	v, ok := vals[0].(T)
	return v, ok
}

func parseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 || id.BitLen() > 256 {
		return nil, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}
