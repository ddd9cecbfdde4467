package land

import (
	"encoding/json"
	"slices"
)

// OwnerRef points at an Owner record or at no one. The zero value is
// Unassigned, so a cell that has been minted but not granted never shares a
// record with anything else.
type OwnerRef struct {
	key string
}

var Unassigned = OwnerRef{}

// Concrete wraps a normalized owner key (see OwnerKey).
func Concrete(key string) OwnerRef { return OwnerRef{key: key} }

func (r OwnerRef) Assigned() bool { return r.key != "" }
func (r OwnerRef) Key() string    { return r.key }

func (r OwnerRef) String() string {
	if r.key == "" {
		return "<unassigned>"
	}
	return r.key
}

func (r OwnerRef) MarshalJSON() ([]byte, error) {
	if r.key == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.key)
}

func (r *OwnerRef) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	r.key = ""
	if s != nil {
		r.key = *s
	}
	return nil
}

// Provenance records the block that first wrote a field group.
type Provenance struct {
	Block     uint64 `json:"block"`
	Timestamp uint64 `json:"timestamp"`
}

// Cell is the materialized record of one land unit.
type Cell struct {
	Key string `json:"id"`
	X   int64  `json:"x"`
	Y   int64  `json:"y"`

	Owner    OwnerRef `json:"owner"`
	MintedBy OwnerRef `json:"minted_by"`

	TokenID          string   `json:"token_id,omitempty"`
	RenderedMetadata string   `json:"rendered_metadata,omitempty"`
	Slogan           string   `json:"slogan,omitempty"`
	Neighbors        []string `json:"neighbors,omitempty"`

	CreatedAt Provenance  `json:"created_at"`
	GrantedAt *Provenance `json:"granted_at,omitempty"`
}

func (c Cell) Clone() Cell {
	out := c
	out.Neighbors = slices.Clone(c.Neighbors)
	if c.GrantedAt != nil {
		g := *c.GrantedAt
		out.GrantedAt = &g
	}
	return out
}

// Owner is the materialized record of one identity and the cells it holds.
type Owner struct {
	Key   string `json:"id"`
	Cells KeySet `json:"cells"`
}

func (o Owner) Clone() Owner {
	return Owner{Key: o.Key, Cells: o.Cells.Clone()}
}

// Position orders events within a chain.
type Position struct {
	Block    uint64 `json:"block"`
	LogIndex uint32 `json:"log_index"`
}

func (p Position) After(q Position) bool {
	if p.Block != q.Block {
		return p.Block > q.Block
	}
	return p.LogIndex > q.LogIndex
}

func (p Position) IsZero() bool { return p == Position{} }
