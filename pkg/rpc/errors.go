package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Solana-specific error codes.
const (
	// BlockNotAvailable indicates the block is not available.
	BlockNotAvailable = -32004

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// TransactionHistoryNotAvailable indicates transaction history not available.
	TransactionHistoryNotAvailable = -32011

	// MinContextSlotNotReached indicates min context slot not yet reached.
	MinContextSlotNotReached = -32016
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")

	ErrHistoryNotAvailable = NewRPCError(TransactionHistoryNotAvailable,
		"Transaction history is not available from this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// TransactionNotFoundError creates an error for transaction not found.
func TransactionNotFoundError() *RPCError {
	return NewRPCError(InvalidParams, "Transaction not found")
}

// BlockNotFoundError creates an error for block not found.
func BlockNotFoundError(slot uint64) *RPCError {
	return NewRPCErrorWithData(BlockNotAvailable,
		fmt.Sprintf("Block not available for slot %d", slot),
		map[string]uint64{"slot": slot})
}

// MinContextSlotError creates an error for min context slot not reached.
func MinContextSlotError(minSlot, currentSlot uint64) *RPCError {
	return NewRPCErrorWithData(MinContextSlotNotReached,
		fmt.Sprintf("Minimum context slot %d has not been reached, current slot is %d", minSlot, currentSlot),
		map[string]uint64{"minSlot": minSlot, "currentSlot": currentSlot})
}
