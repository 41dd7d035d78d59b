// Package blockstore is the relay's in-memory cache of recent block state.
//
// It holds, for each commitment level, the latest block the relay knows of,
// plus an index of recently seen blockhashes bounded to the ledger's
// blockhash validity window. The index is the authority for deciding whether
// a client-supplied blockhash can still be used to submit a transaction.
//
// The store has a single writer role (the block processor and startup
// bootstrap) and any number of readers. Every update replaces one
// commitment's entry as a whole, so readers never see a half-written value.
package blockstore

import (
	"time"

	"github.com/fortiblox/X1-Relay/internal/types"
)

// Default configuration values.
const (
	// DefaultValidityWindow is how long a blockhash stays in the recent index.
	// 150 blocks at ~400ms is one minute; the rest is margin for slot jitter.
	DefaultValidityWindow = 120 * time.Second

	// DefaultMaxRecent bounds the recent index even if cleanup stalls.
	DefaultMaxRecent = 1024

	// DefaultBootstrapRetries is how often PollLatest retries the upstream.
	DefaultBootstrapRetries = 5

	// DefaultBootstrapRetryDelay is the delay between PollLatest attempts.
	DefaultBootstrapRetryDelay = 500 * time.Millisecond
)

// BlockInformation describes one block as the relay observed it.
type BlockInformation struct {
	// Slot is the slot the block was produced in.
	Slot uint64

	// BlockHeight is the number of blocks beneath this one.
	BlockHeight uint64

	// Instant is when the relay first recorded the block.
	Instant time.Time

	// ProcessedLocalTime is when the block was first recorded at processed
	// commitment. AddBlock fills it in and keeps it across later upserts.
	ProcessedLocalTime *time.Time
}

// Config holds blockstore configuration.
type Config struct {
	// ValidityWindow is the age after which Cleanup drops a blockhash.
	ValidityWindow time.Duration

	// MaxRecent is the hard cap on the recent blockhash index.
	MaxRecent int

	// BootstrapRetries is the number of retries PollLatest makes.
	BootstrapRetries int

	// BootstrapRetryDelay is the constant delay between PollLatest retries.
	BootstrapRetryDelay time.Duration

	// OnCleanup is called after each Cleanup with the number of removed entries.
	OnCleanup func(removed int)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ValidityWindow:      DefaultValidityWindow,
		MaxRecent:           DefaultMaxRecent,
		BootstrapRetries:    DefaultBootstrapRetries,
		BootstrapRetryDelay: DefaultBootstrapRetryDelay,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.ValidityWindow <= 0 {
		c.ValidityWindow = defaults.ValidityWindow
	}
	if c.MaxRecent <= 0 {
		c.MaxRecent = defaults.MaxRecent
	}
	if c.BootstrapRetries <= 0 {
		c.BootstrapRetries = defaults.BootstrapRetries
	}
	if c.BootstrapRetryDelay <= 0 {
		c.BootstrapRetryDelay = defaults.BootstrapRetryDelay
	}

	return c
}

// recentEntry is a value in the recent blockhash index.
type recentEntry struct {
	info       BlockInformation
	commitment types.Commitment
}

// latestEntry is the per-commitment latest pointer.
type latestEntry struct {
	blockhash string
	info      BlockInformation
}
