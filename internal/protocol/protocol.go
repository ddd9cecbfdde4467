package protocol

import "encoding/json"

const Version = "1.0"

// Ingest session message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeEvent   = "EVENT"
	TypeAck     = "ACK"
	TypeFault   = "FAULT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// HELLO (host -> indexer)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Source          string `json:"source,omitempty"`
	ChainID         string `json:"chain_id,omitempty"`
}

// CursorV1 is the last applied event position.
type CursorV1 struct {
	Block    uint64 `json:"block"`
	LogIndex uint32 `json:"log_index"`
}

// WELCOME (indexer -> host). The host resumes delivery after Cursor.
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ChainID         string   `json:"chain_id,omitempty"`
	Cursor          CursorV1 `json:"cursor"`
	Halted          bool     `json:"halted,omitempty"`
}

// EVENT (host -> indexer)
type EventMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	Event           json.RawMessage `json:"event"`
}

// ACK (indexer -> host)
type AckMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Seq             uint64   `json:"seq"`
	Outcome         string   `json:"outcome"`
	Cursor          CursorV1 `json:"cursor"`
}

// FAULT (indexer -> host). After a fault with Halted set the indexer accepts
// no further events until restarted.
type FaultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Halted          bool   `json:"halted"`
}
