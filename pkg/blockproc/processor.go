// Package blockproc turns upstream blocks into per-transaction facts.
//
// For every transaction in a block the processor extracts the signature,
// execution status, the compute units requested and consumed, and the
// prioritization fee. For the block it extracts the leader (the identity
// credited with the fee reward), the blockhash and the parent slot, and
// records the block in the block store.
package blockproc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockstore"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
)

// Upstream is the part of the upstream client the processor needs.
type Upstream interface {
	GetBlock(ctx context.Context, slot uint64, opts rpcfetch.BlockOptions) (*rpcfetch.Block, error)
	GetLatestBlockhash(ctx context.Context, commitment types.Commitment) (rpcfetch.LatestBlockhash, error)
}

// TransactionInfo holds the facts extracted from one transaction.
type TransactionInfo struct {
	Signature string `json:"signature"`

	// Err is the execution error, nil on success.
	Err *rpcfetch.TransactionError `json:"err,omitempty"`

	// Status is nil when the transaction succeeded and Err otherwise.
	Status error `json:"-"`

	CURequested        *int64 `json:"cuRequested,omitempty"`
	CUConsumed         *int64 `json:"cuConsumed,omitempty"`
	PrioritizationFees *int64 `json:"prioritizationFees,omitempty"`
}

// Result is the outcome of processing one block.
type Result struct {
	// InvalidBlock is set when the slot was skipped or the block lacked a
	// height or a transaction list. All other fields are then zero.
	InvalidBlock bool `json:"invalidBlock"`

	TransactionInfos []TransactionInfo `json:"transactions"`

	// LeaderID is the block producer's identity, if a fee reward named it.
	LeaderID *string `json:"leaderId,omitempty"`

	Blockhash   string           `json:"blockhash"`
	ParentSlot  uint64           `json:"parentSlot"`
	Slot        uint64           `json:"slot"`
	BlockHeight uint64           `json:"blockHeight"`
	Commitment  types.Commitment `json:"commitment"`

	// Skipped counts transactions left out for missing metadata or an
	// undecodable payload.
	Skipped int `json:"skipped"`
}

// InvalidBlockResult returns the result used for blocks that cannot be
// processed.
func InvalidBlockResult() Result {
	return Result{
		InvalidBlock:     true,
		TransactionInfos: []TransactionInfo{},
	}
}

// Defaults for fetching a block that has not reached the requested
// commitment yet.
const (
	DefaultNotAvailableRetries = 5
	DefaultNotAvailableDelay   = 400 * time.Millisecond
)

// Processor fetches and processes blocks.
type Processor struct {
	upstream Upstream
	store    *blockstore.Store
	log      zerolog.Logger

	retries    uint64
	retryDelay time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotAvailableRetry sets how often, and how far apart, a block the
// upstream reports as not available yet is requested again.
func WithNotAvailableRetry(retries uint64, delay time.Duration) Option {
	return func(p *Processor) {
		p.retries = retries
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

// New creates a processor. store may be nil, in which case blocks are not
// recorded.
func New(upstream Upstream, store *blockstore.Store, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		upstream:   upstream,
		store:      store,
		log:        log.With().Str("component", "blockproc").Logger(),
		retries:    DefaultNotAvailableRetries,
		retryDelay: DefaultNotAvailableDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process fetches the block at slot with the given commitment and extracts
// its transaction facts.
//
// A skipped slot, or a block without a height or transaction list, yields
// InvalidBlockResult and a nil error. A block the upstream has not made
// available at commitment yet is requested again with a constant backoff.
// Other upstream failures are returned.
// Transactions without metadata or with an undecodable payload are skipped
// and do not fail the block.
//
// The block is recorded at commitment and at processed, since a confirmed
// or finalized block has also been processed.
func (p *Processor) Process(ctx context.Context, slot uint64, commitment types.Commitment) (Result, error) {
	block, err := p.fetchBlock(ctx, slot, commitment)
	if err != nil {
		return Result{}, fmt.Errorf("get block %d: %w", slot, err)
	}
	if block == nil || block.BlockHeight == nil || block.Transactions == nil {
		return InvalidBlockResult(), nil
	}

	height := *block.BlockHeight

	if p.store != nil {
		info := blockstore.BlockInformation{
			Slot:        slot,
			BlockHeight: height,
			Instant:     time.Now(),
		}
		p.store.AddBlock(block.Blockhash, info, types.CommitmentProcessed)
		if commitment != types.CommitmentProcessed {
			p.store.AddBlock(block.Blockhash, info, commitment)
		}
	}

	result := Result{
		TransactionInfos: make([]TransactionInfo, 0, len(block.Transactions)),
		LeaderID:         leaderFromRewards(block.Rewards),
		Blockhash:        block.Blockhash,
		ParentSlot:       block.ParentSlot,
		Slot:             slot,
		BlockHeight:      height,
		Commitment:       commitment,
	}

	for i := range block.Transactions {
		info, ok := p.processTransaction(slot, i, &block.Transactions[i])
		if !ok {
			result.Skipped++
			continue
		}
		result.TransactionInfos = append(result.TransactionInfos, info)
	}

	return result, nil
}

func (p *Processor) fetchBlock(ctx context.Context, slot uint64, commitment types.Commitment) (*rpcfetch.Block, error) {
	backoff := retry.WithMaxRetries(p.retries, retry.NewConstant(p.retryDelay))

	var block *rpcfetch.Block
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		block, err = p.upstream.GetBlock(ctx, slot, rpcfetch.FullBlockOptions(commitment))
		if rpcfetch.IsBlockNotAvailable(err) {
			p.log.Debug().
				Uint64("slot", slot).
				Str("commitment", commitment.String()).
				Msg("block not available yet")
			return retry.RetryableError(err)
		}
		return err
	})
	return block, err
}

func (p *Processor) processTransaction(slot uint64, index int, encoded *rpcfetch.EncodedTransactionWithMeta) (TransactionInfo, bool) {
	meta := encoded.Meta
	if meta == nil {
		p.log.Info().Uint64("slot", slot).Int("index", index).Msg("tx with no meta")
		return TransactionInfo{}, false
	}

	payload, err := encoded.Payload()
	if err != nil {
		p.log.Warn().Err(err).Uint64("slot", slot).Int("index", index).Msg("transaction could not be decoded")
		return TransactionInfo{}, false
	}
	tx, err := DecodeTransaction(payload)
	if err != nil {
		p.log.Warn().Err(err).Uint64("slot", slot).Int("index", index).Msg("transaction could not be decoded")
		return TransactionInfo{}, false
	}

	budget := ExtractComputeBudget(&tx.Message)

	info := TransactionInfo{
		Signature:          tx.Signature().String(),
		Err:                meta.Err,
		CURequested:        budget.UnitsRequested,
		PrioritizationFees: budget.PrioritizationFee,
	}
	if meta.Err != nil {
		info.Status = meta.Err
	}
	if meta.ComputeUnitsConsumed != nil {
		consumed := int64(*meta.ComputeUnitsConsumed)
		info.CUConsumed = &consumed
	}

	return info, true
}

// leaderFromRewards returns the pubkey of the first fee reward.
func leaderFromRewards(rewards []rpcfetch.Reward) *string {
	for _, reward := range rewards {
		if reward.RewardType != nil && strings.EqualFold(*reward.RewardType, rpcfetch.RewardTypeFee) {
			leader := reward.Pubkey
			return &leader
		}
	}
	return nil
}

// PollLatestBlock asks the upstream for its latest block at commitment and
// records it in the store at processed commitment, whatever commitment was
// asked for. Without a store the upstream is still queried.
func (p *Processor) PollLatestBlock(ctx context.Context, commitment types.Commitment) error {
	if p.store == nil {
		if _, err := p.upstream.GetLatestBlockhash(ctx, commitment); err != nil {
			return fmt.Errorf("poll latest %s block: %w", commitment, err)
		}
		return nil
	}

	blockhash, info, err := p.store.PollLatest(ctx, p.upstream, commitment)
	if err != nil {
		return err
	}
	p.store.AddBlock(blockhash, info, types.CommitmentProcessed)

	p.log.Info().
		Str("commitment", commitment.String()).
		Str("blockhash", blockhash).
		Uint64("slot", info.Slot).
		Uint64("block_height", info.BlockHeight).
		Msg("seeded block store")
	return nil
}
