package protocol

import "peopleland.ai/internal/land"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrBadEvent        = "E_BAD_EVENT"

	// Event application.
	ErrIntegrity = "E_INTEGRITY"
	ErrChainRead = "E_CHAIN_READ"
	ErrStorage   = "E_STORAGE"
	ErrHalted    = "E_HALTED"
	ErrBusy      = "E_BUSY"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadEvent:        {},
	ErrIntegrity:       {},
	ErrChainRead:       {},
	ErrStorage:         {},
	ErrHalted:          {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an Indexer error to a wire code.
func CodeFor(err error) string {
	switch land.FaultClassOf(err) {
	case land.FaultIntegrity:
		return ErrIntegrity
	case land.FaultChainRead:
		return ErrChainRead
	case land.FaultStorage:
		return ErrStorage
	case land.FaultInvalidEvent:
		return ErrBadEvent
	}
	return ErrInternal
}
