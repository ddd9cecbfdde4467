package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"peopleland.ai/internal/land"
)

//go:embed schemas/event.schema.json
var eventSchemaJSON string

var eventSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("https://peopleland.ai/schemas/event.schema.json", eventSchemaJSON)
})

// EventEnvelope is the wire and log form of a land event.
type EventEnvelope struct {
	Kind      string          `json:"kind"`
	Block     uint64          `json:"block"`
	Timestamp uint64          `json:"timestamp"`
	LogIndex  uint32          `json:"log_index"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type CreatePayload struct {
	X      int64  `json:"x"`
	Y      int64  `json:"y"`
	Minter string `json:"minter"`
}

type GrantPayload struct {
	X         int64  `json:"x"`
	Y         int64  `json:"y"`
	Recipient string `json:"recipient"`
}

type TransferPayload struct {
	TokenID string `json:"token_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type AnnotatePayload struct {
	X      int64  `json:"x"`
	Y      int64  `json:"y"`
	Slogan string `json:"slogan"`
}

// ValidateEvent checks raw JSON against the embedded event schema.
func ValidateEvent(raw []byte) error {
	s, err := eventSchema()
	if err != nil {
		return fmt.Errorf("compile event schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}

// DecodeEvent validates and converts one envelope.
func DecodeEvent(raw []byte) (land.Event, error) {
	if err := ValidateEvent(raw); err != nil {
		return nil, err
	}
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env.Event()
}

// Event converts the envelope without schema validation.
func (e EventEnvelope) Event() (land.Event, error) {
	meta := land.Meta{Block: e.Block, Timestamp: e.Timestamp, LogIndex: e.LogIndex, TxHash: e.TxHash}
	switch land.Kind(e.Kind) {
	case land.KindCreate:
		var p CreatePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("create payload: %w", err)
		}
		return land.Create{Meta: meta, X: p.X, Y: p.Y, Minter: p.Minter}, nil
	case land.KindGrant:
		var p GrantPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("grant payload: %w", err)
		}
		return land.Grant{Meta: meta, X: p.X, Y: p.Y, Recipient: p.Recipient}, nil
	case land.KindTransfer:
		var p TransferPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("transfer payload: %w", err)
		}
		return land.Transfer{Meta: meta, TokenID: p.TokenID, From: p.From, To: p.To}, nil
	case land.KindAnnotate:
		var p AnnotatePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("annotate payload: %w", err)
		}
		return land.Annotate{Meta: meta, X: p.X, Y: p.Y, Slogan: p.Slogan}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", e.Kind)
}

// EnvelopeFor is the inverse of EventEnvelope.Event.
func EnvelopeFor(ev land.Event) (EventEnvelope, error) {
	m := ev.EventMeta()
	env := EventEnvelope{
		Kind:      string(ev.Kind()),
		Block:     m.Block,
		Timestamp: m.Timestamp,
		LogIndex:  m.LogIndex,
		TxHash:    m.TxHash,
	}
	var p any
	switch e := ev.(type) {
	case land.Create:
		p = CreatePayload{X: e.X, Y: e.Y, Minter: e.Minter}
	case land.Grant:
		p = GrantPayload{X: e.X, Y: e.Y, Recipient: e.Recipient}
	case land.Transfer:
		p = TransferPayload{TokenID: e.TokenID, From: e.From, To: e.To}
	case land.Annotate:
		p = AnnotatePayload{X: e.X, Y: e.Y, Slogan: e.Slogan}
	default:
		return env, fmt.Errorf("unsupported event %T", ev)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return env, err
	}
	env.Payload = b
	return env, nil
}
