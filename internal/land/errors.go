package land

import (
	"errors"
	"fmt"
)

// FaultClass groups the ways applying an event can fail.
type FaultClass string

const (
	FaultIntegrity    FaultClass = "integrity"
	FaultChainRead    FaultClass = "chain_read"
	FaultStorage      FaultClass = "storage"
	FaultInvalidEvent FaultClass = "invalid_event"
)

var (
	ErrIntegrity    = errors.New("integrity fault")
	ErrChainRead    = errors.New("chain read failed")
	ErrStorage      = errors.New("storage failed")
	ErrInvalidEvent = errors.New("invalid event")
)

// Fault is returned by Indexer.Apply. Any Fault leaves the store exactly as it
// was before the event.
type Fault struct {
	Class FaultClass
	Kind  Kind
	Key   string
	Pos   Position
	Err   error
}

func (f *Fault) Error() string {
	if f.Key != "" {
		return fmt.Sprintf("%s %s %s at %d/%d: %v", f.Class, f.Kind, f.Key, f.Pos.Block, f.Pos.LogIndex, f.Err)
	}
	return fmt.Sprintf("%s %s at %d/%d: %v", f.Class, f.Kind, f.Pos.Block, f.Pos.LogIndex, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func (f *Fault) Is(target error) bool {
	switch f.Class {
	case FaultIntegrity:
		return target == ErrIntegrity
	case FaultChainRead:
		return target == ErrChainRead
	case FaultStorage:
		return target == ErrStorage
	case FaultInvalidEvent:
		return target == ErrInvalidEvent
	}
	return false
}

// FaultClassOf returns the class of err, or "" if err is not a Fault.
func FaultClassOf(err error) FaultClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return ""
}

// errMissingCell is wrapped into integrity faults.
var errMissingCell = errors.New("cell not found")
