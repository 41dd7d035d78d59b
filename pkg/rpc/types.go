package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Context provides slot context for RPC responses.
type Context struct {
	Slot       uint64 `json:"slot"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// ResponseWithContext wraps a value with context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// CommitmentConfig is the optional configuration object most methods take.
type CommitmentConfig struct {
	Commitment     string  `json:"commitment,omitempty"`
	MinContextSlot *uint64 `json:"minContextSlot,omitempty"`
}

// VersionInfo represents node version information.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint64 `json:"feature-set,omitempty"`
}

// Identity represents node identity.
type Identity struct {
	Identity string `json:"identity"`
}

// LatestBlockhash represents the latest blockhash.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}
