package land

import (
	"context"
	"fmt"
)

// Violation is one broken cross-record invariant.
type Violation struct {
	Rule   string `json:"rule"`
	Key    string `json:"key"`
	Detail string `json:"detail"`
}

func (v Violation) String() string { return v.Rule + " " + v.Key + ": " + v.Detail }

// Verify walks both collections and reports every place where a cell's owner
// and the owners' cell sets disagree.
func Verify(ctx context.Context, r Reader) ([]Violation, error) {
	cells := map[string]Cell{}
	if err := r.Cells(ctx, func(c Cell) error {
		cells[c.Key] = c
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan cells: %w", err)
	}
	owners := map[string]Owner{}
	var ownerOrder []string
	if err := r.Owners(ctx, func(o Owner) error {
		owners[o.Key] = o
		ownerOrder = append(ownerOrder, o.Key)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan owners: %w", err)
	}

	var out []Violation
	add := func(rule, key, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Key: key, Detail: fmt.Sprintf(format, args...)})
	}

	for _, key := range sortedKeys(cells) {
		c := cells[key]
		if k := CellKey(c.X, c.Y); k != c.Key {
			add("cell_key", c.Key, "coordinates (%d,%d) derive key %s", c.X, c.Y, k)
		}
		if c.MintedBy.Assigned() {
			if _, ok := owners[c.MintedBy.Key()]; !ok {
				add("minted_by", c.Key, "minter %s has no owner record", c.MintedBy.Key())
			}
		}
		if !c.Owner.Assigned() {
			continue
		}
		o, ok := owners[c.Owner.Key()]
		if !ok {
			add("owner_listed", c.Key, "owner %s has no record", c.Owner.Key())
			continue
		}
		if !o.Cells.Has(c.Key) {
			add("owner_listed", c.Key, "owner %s does not list the cell", c.Owner.Key())
		}
	}

	holders := map[string]string{}
	for _, ok := range ownerOrder {
		o := owners[ok]
		for _, key := range o.Cells.Keys() {
			if prev, dup := holders[key]; dup {
				add("single_holder", key, "listed by %s and %s", prev, o.Key)
			}
			holders[key] = o.Key
			c, exists := cells[key]
			if !exists {
				add("cell_exists", key, "listed by %s but no cell record", o.Key)
				continue
			}
			if c.Owner != Concrete(o.Key) {
				add("cell_owner", key, "listed by %s but cell owner is %s", o.Key, c.Owner)
			}
		}
	}
	return out, nil
}
