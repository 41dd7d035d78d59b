package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockstore"
	"github.com/fortiblox/X1-Relay/pkg/history"
)

// FeatureSet is reported by getVersion.
const FeatureSet = 0

// Cluster Methods

// getSlot returns the newest slot at the requested commitment.
func (s *Server) getSlot(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	config, rpcErr := parseCommitmentConfig(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	slot, rpcErr := s.currentSlot(config.commitment)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if config.minContextSlot != nil && *config.minContextSlot > slot {
		return nil, MinContextSlotError(*config.minContextSlot, slot)
	}
	return slot, nil
}

// currentSlot prefers the slot topic for processed, since it moves ahead of
// the blocks the store has seen.
func (s *Server) currentSlot(commitment types.Commitment) (uint64, *RPCError) {
	_, info, ok := s.store.LatestBlockhash(commitment)
	slot := info.Slot
	if commitment == types.CommitmentProcessed {
		if cached, seen := s.cache.Slot(); !seen.IsZero() && cached > slot {
			slot = cached
			ok = true
		}
	}
	if !ok {
		return 0, notSeededError(commitment)
	}
	return slot, nil
}

// getHealth returns "ok" while the relay is keeping up with the upstream.
func (s *Server) getHealth(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	if rpcErr := s.checkHealth(); rpcErr != nil {
		return nil, rpcErr
	}
	return "ok", nil
}

func (s *Server) checkHealth() *RPCError {
	if !s.healthy.Load() {
		return ErrNodeUnhealthy
	}
	if s.upstreams != nil && s.upstreams.HealthyCount() == 0 {
		return NewRPCError(NodeUnhealthy, "Node is unhealthy: no healthy upstream")
	}
	if _, _, ok := s.store.LatestBlockhash(types.CommitmentProcessed); !ok {
		return NewRPCError(NodeUnhealthy, "Node is unhealthy: no processed block yet")
	}
	if s.config.MaxSlotAge > 0 {
		if _, seen := s.cache.Slot(); !seen.IsZero() && time.Since(seen) > s.config.MaxSlotAge {
			return NewRPCErrorWithData(NodeUnhealthy,
				"Node is behind: no new slot from upstream",
				map[string]string{"lastSlotAt": seen.UTC().Format(time.RFC3339)})
		}
	}
	return nil
}

// getVersion returns version information.
func (s *Server) getVersion(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		SolanaCore: s.config.Version,
		FeatureSet: FeatureSet,
	}, nil
}

// getIdentity returns the relay identity.
func (s *Server) getIdentity(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return Identity{Identity: s.config.Identity}, nil
}

// getClusterNodes returns the latest cluster node snapshot.
func (s *Server) getClusterNodes(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	nodes, ok := s.cache.ClusterNodes()
	if !ok {
		return nil, NewRPCError(NodeUnhealthy, "Cluster nodes not yet available")
	}
	return nodes, nil
}

// getVoteAccounts returns the latest vote account snapshot.
func (s *Server) getVoteAccounts(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	votes, ok := s.cache.VoteAccounts()
	if !ok {
		return nil, NewRPCError(NodeUnhealthy, "Vote accounts not yet available")
	}
	return votes, nil
}

// Blockhash Methods

// getLatestBlockhash returns the latest blockhash at the requested commitment.
func (s *Server) getLatestBlockhash(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	config, rpcErr := parseCommitmentConfig(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	blockhash, info, rpcErr := s.latest(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ResponseWithContext{
		Context: Context{Slot: info.Slot},
		Value: LatestBlockhash{
			Blockhash:            blockhash,
			LastValidBlockHeight: info.BlockHeight + types.MaxProcessingAge,
		},
	}, nil
}

// getBlockHeight returns the height of the latest block at the requested
// commitment.
func (s *Server) getBlockHeight(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	config, rpcErr := parseCommitmentConfig(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	_, info, rpcErr := s.latest(config)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return info.BlockHeight, nil
}

// isBlockhashValid reports whether a blockhash can still be used.
func (s *Server) isBlockhashValid(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing blockhash parameter")
	}

	var blockhash string
	if err := json.Unmarshal(args[0], &blockhash); err != nil {
		return nil, InvalidParamsError("invalid blockhash")
	}
	if _, err := types.HashFromBase58(blockhash); err != nil {
		return nil, InvalidParamsError("invalid blockhash format")
	}

	config, rpcErr := parseCommitmentConfig(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}

	_, info, rpcErr := s.latest(config)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ResponseWithContext{
		Context: Context{Slot: info.Slot},
		Value:   s.store.IsBlockhashValid(blockhash),
	}, nil
}

// History Methods

// getBlockInfo returns a persisted block result.
func (s *Server) getBlockInfo(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.blocks == nil {
		return nil, ErrHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing slot parameter")
	}

	var slot uint64
	if err := json.Unmarshal(args[0], &slot); err != nil {
		return nil, InvalidParamsError("invalid slot")
	}

	result, err := s.blocks.Get(slot)
	switch {
	case errors.Is(err, history.ErrBlockNotFound):
		return nil, BlockNotFoundError(slot)
	case err != nil:
		return nil, InternalServerErrorf("failed to get block: %v", err)
	}
	return result, nil
}

// getTransactionInfo returns the indexed facts of a transaction.
func (s *Server) getTransactionInfo(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.txs == nil {
		return nil, ErrHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 1 {
		return nil, InvalidParamsError("missing signature parameter")
	}

	var signature string
	if err := json.Unmarshal(args[0], &signature); err != nil {
		return nil, InvalidParamsError("invalid signature")
	}
	if _, err := types.SignatureFromBase58(signature); err != nil {
		return nil, InvalidParamsError("invalid signature format")
	}

	record, err := s.txs.Get(signature)
	switch {
	case errors.Is(err, history.ErrTransactionNotFound):
		return nil, TransactionNotFoundError()
	case err != nil:
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}
	return record, nil
}

// Helper functions

type commitmentConfig struct {
	commitment     types.Commitment
	minContextSlot *uint64
}

// parseArgs decodes positional params. Missing params are an empty list.
func parseArgs(params json.RawMessage) ([]json.RawMessage, *RPCError) {
	if len(params) == 0 || string(params) == "null" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	return args, nil
}

// parseCommitmentConfig reads the optional config object at args[i]. The
// commitment defaults to finalized.
func parseCommitmentConfig(args []json.RawMessage, i int) (commitmentConfig, *RPCError) {
	config := commitmentConfig{commitment: types.CommitmentFinalized}
	if len(args) <= i {
		return config, nil
	}

	var raw CommitmentConfig
	if err := json.Unmarshal(args[i], &raw); err != nil {
		return config, InvalidParamsError("invalid config")
	}
	if raw.Commitment != "" {
		commitment, err := types.ParseCommitment(raw.Commitment)
		if err != nil {
			return config, InvalidParamsErrorf("invalid commitment: %v", err)
		}
		config.commitment = commitment
	}
	config.minContextSlot = raw.MinContextSlot
	return config, nil
}

// latest reads the store for config, enforcing minContextSlot.
func (s *Server) latest(config commitmentConfig) (string, blockstore.BlockInformation, *RPCError) {
	blockhash, info, ok := s.store.LatestBlockhash(config.commitment)
	if !ok {
		return "", blockstore.BlockInformation{}, notSeededError(config.commitment)
	}
	if config.minContextSlot != nil && *config.minContextSlot > info.Slot {
		return "", blockstore.BlockInformation{}, MinContextSlotError(*config.minContextSlot, info.Slot)
	}
	return blockhash, info, nil
}

func notSeededError(commitment types.Commitment) *RPCError {
	return NewRPCError(NodeUnhealthy, fmt.Sprintf("No %s block available yet", commitment))
}
