package rpcfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// DefaultRequestTimeout is the default timeout for RPC requests.
const DefaultRequestTimeout = 30 * time.Second

// maxResponseSize bounds a single response body. Full blocks on a busy
// cluster run to a few megabytes.
const maxResponseSize = 64 << 20

// RPCClient handles JSON-RPC requests to the upstream validator.
type RPCClient struct {
	httpClient *http.Client
	pool       Pool
	nextID     atomic.Uint64
}

// NewRPCClient creates a new RPC client with the given pool.
func NewRPCClient(pool Pool, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &RPCClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pool: pool,
	}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call makes a JSON-RPC call to a healthy endpoint.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	endpoint, err := c.pool.GetEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("get endpoint: %w", err)
	}

	start := time.Now()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("%s: http request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.pool.MarkUnhealthy(endpoint.URL, fmt.Errorf("status %d", resp.StatusCode))
		return fmt.Errorf("%s: http status %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("%s: unmarshal response: %w", method, err)
	}

	// RPC errors are not endpoint health issues
	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}

	c.pool.MarkHealthy(endpoint.URL, time.Since(start))
	return nil
}

func commitmentParam(commitment types.Commitment) map[string]interface{} {
	return map[string]interface{}{"commitment": commitment.String()}
}

// GetSlot fetches the current slot at the given commitment.
func (c *RPCClient) GetSlot(ctx context.Context, commitment types.Commitment) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", []interface{}{commitmentParam(commitment)}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlock fetches the block at slot. A null response (skipped slot) and
// the skipped-slot RPC error codes are both reported as (nil, nil).
func (c *RPCClient) GetBlock(ctx context.Context, slot uint64, opts BlockOptions) (*Block, error) {
	var block *Block
	err := c.call(ctx, "getBlock", []interface{}{slot, opts.params()}, &block)
	if err != nil {
		if IsSlotSkipped(err) {
			return nil, nil
		}
		return nil, err
	}
	return block, nil
}

// GetLatestBlockhash fetches the latest blockhash at the given commitment.
func (c *RPCClient) GetLatestBlockhash(ctx context.Context, commitment types.Commitment) (LatestBlockhash, error) {
	var resp struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []interface{}{commitmentParam(commitment)}, &resp); err != nil {
		return LatestBlockhash{}, err
	}
	return LatestBlockhash{
		Slot:                 resp.Context.Slot,
		Blockhash:            resp.Value.Blockhash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
	}, nil
}

// GetVoteAccounts fetches the current and delinquent validator vote accounts.
func (c *RPCClient) GetVoteAccounts(ctx context.Context, commitment types.Commitment) (VoteAccounts, error) {
	var accounts VoteAccounts
	if err := c.call(ctx, "getVoteAccounts", []interface{}{commitmentParam(commitment)}, &accounts); err != nil {
		return VoteAccounts{}, err
	}
	return accounts, nil
}

// GetClusterNodes fetches the gossip view of the cluster.
func (c *RPCClient) GetClusterNodes(ctx context.Context) ([]ClusterNode, error) {
	var nodes []ClusterNode
	if err := c.call(ctx, "getClusterNodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}
