package land

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// CellKey is the join key between cells, owners and every event that names a
// coordinate pair.
func CellKey(x, y int64) string {
	return strconv.FormatInt(x, 10) + "-" + strconv.FormatInt(y, 10)
}

// ParseCellKey is the inverse of CellKey. The separator is the first '-' after
// an optional leading sign, so negative coordinates round-trip.
func ParseCellKey(key string) (x, y int64, err error) {
	if len(key) < 3 {
		return 0, 0, fmt.Errorf("bad cell key %q", key)
	}
	i := strings.IndexByte(key[1:], '-')
	if i < 0 {
		return 0, 0, fmt.Errorf("bad cell key %q", key)
	}
	i++
	x, err = strconv.ParseInt(key[:i], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad cell key %q: %w", key, err)
	}
	y, err = strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad cell key %q: %w", key, err)
	}
	if CellKey(x, y) != key {
		return 0, 0, fmt.Errorf("non-canonical cell key %q", key)
	}
	return x, y, nil
}

// OwnerKey normalizes an account address to lowercase 0x-prefixed hex.
// Mixed-case (checksummed) and unprefixed inputs map to the same key.
func OwnerKey(address string) (string, error) {
	a := strings.TrimSpace(address)
	if !common.IsHexAddress(a) {
		return "", fmt.Errorf("bad address %q", address)
	}
	return strings.ToLower(common.HexToAddress(a).Hex()), nil
}

// OwnerRefFor resolves an address to an owner reference. The zero address is
// the chain's "no one" and maps to Unassigned.
func OwnerRefFor(address string) (OwnerRef, error) {
	a := strings.TrimSpace(address)
	if !common.IsHexAddress(a) {
		return Unassigned, fmt.Errorf("bad address %q", address)
	}
	addr := common.HexToAddress(a)
	if addr == (common.Address{}) {
		return Unassigned, nil
	}
	return Concrete(strings.ToLower(addr.Hex())), nil
}
