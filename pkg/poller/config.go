package poller

import (
	"time"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// Default configuration values.
const (
	// DefaultPollInterval is the slot polling interval, about one slot.
	DefaultPollInterval = 400 * time.Millisecond

	// DefaultTopologyInterval is how often vote accounts and cluster nodes
	// are refreshed.
	DefaultTopologyInterval = 60 * time.Second

	// DefaultFanoutSize is the capacity of each notification topic.
	DefaultFanoutSize = 10

	// DefaultBlockWorkers is the number of blocks processed concurrently.
	DefaultBlockWorkers = 4

	// DefaultMaxPendingBlocks bounds the slots waiting for a block worker.
	DefaultMaxPendingBlocks = 64

	// DefaultFinalizeDelay is roughly 32 slots, the usual distance between
	// a confirmed block and its finalization.
	DefaultFinalizeDelay = 13 * time.Second
)

// Config holds configuration for the pollers.
type Config struct {
	// PollInterval is the interval between getSlot calls.
	PollInterval time.Duration

	// TopologyInterval is the interval between topology refreshes.
	TopologyInterval time.Duration

	// FanoutSize is the capacity of every notification topic.
	FanoutSize int

	// BlockWorkers is the size of the block processing pool.
	BlockWorkers int

	// MaxPendingBlocks is the number of queued slots above which new slots
	// are dropped instead of queued.
	MaxPendingBlocks int

	// BlockCommitment is the commitment a block is first fetched at.
	// Unless it is finalized, every valid block is fetched again at
	// finalized after FinalizeDelay.
	BlockCommitment types.Commitment

	// FinalizeDelay is the wait between the first fetch of a block and
	// its finalized fetch.
	FinalizeDelay time.Duration

	// MaxConsecutiveFailures makes the slot poller fail after this many
	// getSlot errors in a row. Zero means never.
	MaxConsecutiveFailures int

	// Metrics receives ingestion events. Nil discards them.
	Metrics Metrics
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		TopologyInterval: DefaultTopologyInterval,
		FanoutSize:       DefaultFanoutSize,
		BlockWorkers:     DefaultBlockWorkers,
		MaxPendingBlocks: DefaultMaxPendingBlocks,
		BlockCommitment:  types.CommitmentConfirmed,
		FinalizeDelay:    DefaultFinalizeDelay,
	}
}

// WithDefaults applies default values for any unset fields. BlockCommitment
// is left alone since its zero value is a valid choice.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.TopologyInterval <= 0 {
		c.TopologyInterval = defaults.TopologyInterval
	}
	if c.FanoutSize <= 0 {
		c.FanoutSize = defaults.FanoutSize
	}
	if c.BlockWorkers <= 0 {
		c.BlockWorkers = defaults.BlockWorkers
	}
	if c.MaxPendingBlocks <= 0 {
		c.MaxPendingBlocks = defaults.MaxPendingBlocks
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = defaults.FinalizeDelay
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}

	return c
}
