package ethreader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"peopleland.ai/internal/land"
)

const testContract = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeCaller struct {
	t      *testing.T
	abi    abi.ABI
	blocks []uint64
	// handlers receive decoded inputs and return values to pack.
	handlers map[string]func(args []any) ([]any, error)
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil || *msg.To != common.HexToAddress(testContract) {
		f.t.Fatalf("call to %v, want %s", msg.To, testContract)
	}
	f.blocks = append(f.blocks, blockNumber.Uint64())
	m, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	h, ok := f.handlers[m.Name]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", m.Name)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}

func newFake(t *testing.T) (*fakeCaller, *Reader) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(DefaultABI))
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	f := &fakeCaller{t: t, abi: parsed, handlers: map[string]func([]any) ([]any, error){}}
	r, err := New(f, Config{Contract: testContract}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, r
}

func TestReader_ReadsPinnedToBlock(t *testing.T) {
	f, r := newFake(t)
	f.handlers[methodTokenID] = func(args []any) ([]any, error) {
		x, y := args[0].(*big.Int), args[1].(*big.Int)
		if x.Int64() != -3 || y.Int64() != 4 {
			return nil, fmt.Errorf("unexpected coords %s,%s", x, y)
		}
		return []any{big.NewInt(77)}, nil
	}
	f.handlers[methodTokenURI] = func(args []any) ([]any, error) {
		return []any{"data:token=" + args[0].(*big.Int).String()}, nil
	}
	f.handlers[methodLand] = func(args []any) ([]any, error) {
		return []any{true, "gm"}, nil
	}
	f.handlers[methodNeighbors] = func(args []any) ([]any, error) {
		return []any{[]string{"-4-4", "", "-2-4", ""}}, nil
	}
	ctx := context.Background()

	id, err := r.TokenID(ctx, 42, -3, 4)
	if err != nil || id != "77" {
		t.Fatalf("TokenID = %q, %v", id, err)
	}
	uri, err := r.TokenURI(ctx, 42, id)
	if err != nil || uri != "data:token=77" {
		t.Fatalf("TokenURI = %q, %v", uri, err)
	}
	st, err := r.CellState(ctx, 42, -3, 4)
	if err != nil || st.Slogan != "gm" {
		t.Fatalf("CellState = %+v, %v", st, err)
	}
	n, err := r.Neighbors(ctx, 42, -3, 4)
	if err != nil || !reflect.DeepEqual(n, []string{"-4-4", "", "-2-4", ""}) {
		t.Fatalf("Neighbors = %v, %v", n, err)
	}
	for i, b := range f.blocks {
		if b != 42 {
			t.Fatalf("call %d at block %d, want 42", i, b)
		}
	}
}

func TestReader_LargeTokenID(t *testing.T) {
	f, r := newFake(t)
	maxID := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	f.handlers[methodTokenID] = func([]any) ([]any, error) { return []any{maxID}, nil }
	id, err := r.TokenID(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("TokenID: %v", err)
	}
	if id != maxID.String() {
		t.Fatalf("id = %s, want %s", id, maxID)
	}
}

func TestReader_Coordinates(t *testing.T) {
	f, r := newFake(t)
	f.handlers[methodCoordinates] = func(args []any) ([]any, error) {
		if args[0].(*big.Int).Int64() == 5 {
			return []any{big.NewInt(-10), big.NewInt(20)}, nil
		}
		return nil, errors.New("execution reverted: nonexistent token")
	}
	x, y, err := r.Coordinates(context.Background(), 9, "5")
	if err != nil || x != -10 || y != 20 {
		t.Fatalf("Coordinates = %d,%d,%v", x, y, err)
	}
	if _, _, err := r.Coordinates(context.Background(), 9, "6"); !errors.Is(err, land.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, _, err := r.Coordinates(context.Background(), 9, "not-a-number"); err == nil {
		t.Fatalf("expected error for bad token id")
	}
}

func TestReader_CallErrorPropagates(t *testing.T) {
	_, r := newFake(t)
	if _, err := r.TokenURI(context.Background(), 1, "1"); err == nil {
		t.Fatalf("expected error without handler")
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	f, _ := newFake(t)
	if _, err := New(f, Config{Contract: "nope"}, nil); err == nil {
		t.Fatalf("expected invalid contract error")
	}
	if _, err := New(nil, Config{Contract: testContract}, nil); err == nil {
		t.Fatalf("expected nil caller error")
	}
	if _, err := New(f, Config{Contract: testContract, ABIPath: t.TempDir() + "/missing.json"}, nil); err == nil {
		t.Fatalf("expected missing abi error")
	}
}

