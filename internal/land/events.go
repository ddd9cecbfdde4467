package land

import "fmt"

type Kind string

const (
	KindCreate   Kind = "create"
	KindGrant    Kind = "grant"
	KindTransfer Kind = "transfer"
	KindAnnotate Kind = "annotate"
)

// Meta is the block context every event carries.
type Meta struct {
	Block     uint64
	Timestamp uint64
	LogIndex  uint32
	TxHash    string
}

func (m Meta) EventMeta() Meta { return m }

func (m Meta) Position() Position { return Position{Block: m.Block, LogIndex: m.LogIndex} }

func (m Meta) provenance() Provenance {
	return Provenance{Block: m.Block, Timestamp: m.Timestamp}
}

// Event is one of Create, Grant, Transfer or Annotate.
type Event interface {
	Kind() Kind
	EventMeta() Meta
}

// Create is emitted when a cell is minted.
type Create struct {
	Meta
	X, Y   int64
	Minter string
}

// Grant is emitted when a minted cell is given to its first holder.
type Grant struct {
	Meta
	X, Y      int64
	Recipient string
}

// Transfer is the token-level ownership move. It names the token, not the cell.
type Transfer struct {
	Meta
	TokenID  string
	From, To string
}

// Annotate replaces a cell's slogan.
type Annotate struct {
	Meta
	X, Y   int64
	Slogan string
}

func (Create) Kind() Kind   { return KindCreate }
func (Grant) Kind() Kind    { return KindGrant }
func (Transfer) Kind() Kind { return KindTransfer }
func (Annotate) Kind() Kind { return KindAnnotate }

// Describe renders an event for logs.
func Describe(ev Event) string {
	m := ev.EventMeta()
	switch e := ev.(type) {
	case Create:
		return fmt.Sprintf("create %s minter=%s block=%d", CellKey(e.X, e.Y), e.Minter, m.Block)
	case Grant:
		return fmt.Sprintf("grant %s recipient=%s block=%d", CellKey(e.X, e.Y), e.Recipient, m.Block)
	case Transfer:
		return fmt.Sprintf("transfer token=%s from=%s to=%s block=%d", e.TokenID, e.From, e.To, m.Block)
	case Annotate:
		return fmt.Sprintf("annotate %s block=%d", CellKey(e.X, e.Y), m.Block)
	default:
		return fmt.Sprintf("%s block=%d", ev.Kind(), m.Block)
	}
}
