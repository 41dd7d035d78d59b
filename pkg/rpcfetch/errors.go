package rpcfetch

import (
	"errors"
	"fmt"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when no RPC endpoints are available.
	ErrNoEndpoints = errors.New("no RPC endpoints available")

	// ErrSlotSkipped is returned when a slot has no block (was skipped).
	ErrSlotSkipped = errors.New("slot was skipped")

	// ErrUnsupportedEncoding is returned when a transaction payload uses an
	// encoding the client cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported transaction encoding")
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsSlotSkipped returns true if the error indicates a skipped slot.
func IsSlotSkipped(err error) bool {
	if errors.Is(err, ErrSlotSkipped) {
		return true
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// -32009: Slot was skipped, or missing in long-term storage
		// -32007: Slot was skipped
		switch rpcErr.Code {
		case -32009, -32007:
			return true
		}
	}

	return false
}

// IsBlockNotAvailable reports whether the upstream answered -32004, which
// it does for a slot whose block has not reached the requested commitment
// yet. Such a request is worth repeating.
func IsBlockNotAvailable(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == -32004
}
