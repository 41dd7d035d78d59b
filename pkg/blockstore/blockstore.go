package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
)

var (
	// ErrEmptyBlockhash is returned by PollLatest when the upstream answers
	// without a blockhash.
	ErrEmptyBlockhash = errors.New("upstream returned an empty blockhash")
)

// LatestBlockhashSource is the upstream capability PollLatest needs.
type LatestBlockhashSource interface {
	GetLatestBlockhash(ctx context.Context, commitment types.Commitment) (rpcfetch.LatestBlockhash, error)
}

// Store is the in-memory block cache.
type Store struct {
	cfg Config
	log zerolog.Logger

	// latest holds one pointer per commitment level, replaced atomically.
	latest [len(types.AllCommitments)]atomic.Pointer[latestEntry]

	// indexMu serialises read-modify-write upserts of the recent index.
	// The LRU itself is safe for concurrent readers.
	indexMu sync.Mutex
	recent  *lru.Cache
}

// New creates an empty store.
func New(cfg Config, log zerolog.Logger) *Store {
	cfg = cfg.WithDefaults()

	recent, err := lru.New(cfg.MaxRecent)
	if err != nil {
		// Only possible for a non-positive size, which WithDefaults rules out.
		panic(fmt.Sprintf("blockstore: create recent index: %v", err))
	}

	return &Store{
		cfg:    cfg,
		log:    log.With().Str("component", "blockstore").Logger(),
		recent: recent,
	}
}

// AddBlock records a block at the given commitment. A block recorded at
// processed without a ProcessedLocalTime gets its Instant as one.
//
// The recent index entry for blockhash is always upserted. The commitment's
// latest pointer only moves if the new block is at least as high as the
// current one, so block heights observed through GetLatest never go
// backwards. AddBlock reports whether the latest pointer moved.
func (s *Store) AddBlock(blockhash string, info BlockInformation, commitment types.Commitment) bool {
	if int(commitment) >= len(s.latest) {
		return false
	}

	s.upsertRecent(blockhash, info, commitment)

	next := &latestEntry{blockhash: blockhash, info: info}
	ptr := &s.latest[commitment]
	for {
		cur := ptr.Load()
		if cur != nil && cur.info.BlockHeight > info.BlockHeight {
			s.log.Debug().
				Str("commitment", commitment.String()).
				Uint64("current_height", cur.info.BlockHeight).
				Uint64("block_height", info.BlockHeight).
				Msg("ignoring older block for latest pointer")
			return false
		}
		if ptr.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *Store) upsertRecent(blockhash string, info BlockInformation, commitment types.Commitment) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entry := recentEntry{info: info, commitment: commitment}
	if commitment == types.CommitmentProcessed && entry.info.ProcessedLocalTime == nil {
		seen := info.Instant
		if seen.IsZero() {
			seen = time.Now()
		}
		entry.info.ProcessedLocalTime = &seen
	}
	if v, ok := s.recent.Peek(blockhash); ok {
		prev := v.(recentEntry)
		if prev.commitment > entry.commitment {
			entry.commitment = prev.commitment
		}
		if entry.info.ProcessedLocalTime == nil {
			entry.info.ProcessedLocalTime = prev.info.ProcessedLocalTime
		}
	}
	s.recent.Add(blockhash, entry)
}

// GetLatest returns the latest block recorded at commitment.
// It reports false until the commitment has been seeded.
func (s *Store) GetLatest(commitment types.Commitment) (BlockInformation, bool) {
	_, info, ok := s.LatestBlockhash(commitment)
	return info, ok
}

// LatestBlockhash returns the latest blockhash and its information at commitment.
func (s *Store) LatestBlockhash(commitment types.Commitment) (string, BlockInformation, bool) {
	if int(commitment) >= len(s.latest) {
		return "", BlockInformation{}, false
	}
	cur := s.latest[commitment].Load()
	if cur == nil {
		return "", BlockInformation{}, false
	}
	return cur.blockhash, cur.info, true
}

// Latest returns the latest blockhash and block height at commitment.
func (s *Store) Latest(commitment types.Commitment) (string, uint64, bool) {
	blockhash, info, ok := s.LatestBlockhash(commitment)
	return blockhash, info.BlockHeight, ok
}

// Get looks a blockhash up in the recent index.
func (s *Store) Get(blockhash string) (BlockInformation, bool) {
	v, ok := s.recent.Peek(blockhash)
	if !ok {
		return BlockInformation{}, false
	}
	return v.(recentEntry).info, true
}

// IsBlockhashValid reports whether blockhash can still be used to submit a
// transaction: it must be in the recent index and, once the processed tier
// is seeded, no more than MaxProcessingAge blocks behind it.
func (s *Store) IsBlockhashValid(blockhash string) bool {
	info, ok := s.Get(blockhash)
	if !ok {
		return false
	}
	if _, height, seeded := s.Latest(types.CommitmentProcessed); seeded {
		return height <= info.BlockHeight+types.MaxProcessingAge
	}
	return true
}

// Len returns the number of blockhashes in the recent index.
func (s *Store) Len() int {
	return s.recent.Len()
}

// Cleanup removes recent index entries recorded before now minus the
// validity window and returns how many were removed. Latest pointers are
// never removed.
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.cfg.ValidityWindow)

	s.indexMu.Lock()
	removed := 0
	for _, key := range s.recent.Keys() {
		v, ok := s.recent.Peek(key)
		if !ok {
			continue
		}
		if v.(recentEntry).info.Instant.Before(cutoff) {
			s.recent.Remove(key)
			removed++
		}
	}
	s.indexMu.Unlock()

	if s.cfg.OnCleanup != nil {
		s.cfg.OnCleanup(removed)
	}
	return removed
}

// Run calls Cleanup every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("blockstore: invalid cleanup interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			removed := s.Cleanup(now)
			s.log.Debug().
				Int("removed", removed).
				Int("remaining", s.Len()).
				Msg("cleaned recent blockhashes")
		}
	}
}

// PollLatest queries the upstream for its latest block at commitment. It is
// used once per commitment at startup to seed the store before streaming
// begins. It does not write to the store.
func (s *Store) PollLatest(ctx context.Context, upstream LatestBlockhashSource, commitment types.Commitment) (string, BlockInformation, error) {
	backoff := retry.WithMaxRetries(uint64(s.cfg.BootstrapRetries), retry.NewConstant(s.cfg.BootstrapRetryDelay))

	var latest rpcfetch.LatestBlockhash
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		latest, err = upstream.GetLatestBlockhash(ctx, commitment)
		if err != nil {
			s.log.Warn().Err(err).Str("commitment", commitment.String()).Msg("poll latest blockhash failed")
			return retry.RetryableError(err)
		}
		if latest.Blockhash == "" {
			return ErrEmptyBlockhash
		}
		return nil
	})
	if err != nil {
		return "", BlockInformation{}, fmt.Errorf("poll latest %s block: %w", commitment, err)
	}

	var height uint64
	if latest.LastValidBlockHeight > types.MaxProcessingAge {
		height = latest.LastValidBlockHeight - types.MaxProcessingAge
	}

	return latest.Blockhash, BlockInformation{
		Slot:        latest.Slot,
		BlockHeight: height,
		Instant:     time.Now(),
	}, nil
}
