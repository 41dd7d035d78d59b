// Package rpcfetch is the relay's view of the upstream validator: a JSON-RPC
// 2.0 client over HTTP that spreads requests across a Pool of endpoints.
//
// # Usage
//
//	pool := rpcfetch.NewSimplePool([]string{"http://127.0.0.1:8899"})
//	client := rpcfetch.NewRPCClient(pool, rpcfetch.DefaultRequestTimeout)
//
//	slot, err := client.GetSlot(ctx, types.CommitmentProcessed)
//	block, err := client.GetBlock(ctx, slot, rpcfetch.FullBlockOptions(types.CommitmentConfirmed))
//
// # Skipped Slots
//
// Slot leaders may fail to produce blocks. GetBlock reports both a null
// result and the skipped-slot error codes (-32007, -32009) as a nil block
// with a nil error so callers can treat it as an expected outcome.
//
// -32004 is different: the block exists but has not reached the requested
// commitment yet. GetBlock returns it as an *RPCError and
// IsBlockNotAvailable identifies it for callers that retry.
//
// # Error Handling
//
// Transport failures mark the endpoint unhealthy in the pool. JSON-RPC error
// objects are returned as *RPCError and do not affect endpoint health.
package rpcfetch
