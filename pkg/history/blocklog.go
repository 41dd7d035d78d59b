// Package history persists processed blocks beyond the in-memory window.
//
// BlockLog keeps processed block results in a bbolt file keyed by slot.
// TxIndex maps transaction signatures to their facts in badger. A Persister
// job feeds any number of Sinks from the blocks topic.
package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/X1-Relay/pkg/blockproc"
)

var (
	// ErrBlockNotFound is returned when no block is stored for a slot.
	ErrBlockNotFound = errors.New("block not found")

	// ErrChecksumMismatch is returned when a stored record is corrupt.
	ErrChecksumMismatch = errors.New("block record checksum mismatch")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("history store closed")
)

var bucketBlocks = []byte("blocks")

const checksumSize = 32

// BlockLogConfig holds BlockLog configuration.
type BlockLogConfig struct {
	// Path is the bbolt database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// RetainSlots is how many slots behind the newest block Prune keeps.
	RetainSlots uint64
}

// DefaultBlockLogConfig returns the default configuration for path.
func DefaultBlockLogConfig(path string) BlockLogConfig {
	return BlockLogConfig{
		Path:        path,
		RetainSlots: 432000, // about two days of slots
	}
}

// BlockLog is a bbolt-backed log of processed blocks.
type BlockLog struct {
	db  *bolt.DB
	cfg BlockLogConfig

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	latest atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// OpenBlockLog creates or opens a block log.
func OpenBlockLog(cfg BlockLogConfig) (*BlockLog, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	store := &BlockLog{
		db:      db,
		cfg:     cfg,
		encoder: encoder,
		decoder: decoder,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBlocks)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketBlocks, err)
		}
		if k, _ := b.Cursor().Last(); k != nil {
			store.latest.Store(decodeSlotKey(k))
		}
		return nil
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

// Name identifies the sink in metrics and logs.
func (l *BlockLog) Name() string {
	return "blocklog"
}

// Put stores a block result under its slot, replacing any earlier record.
func (l *BlockLog) Put(result blockproc.Result) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	record, err := l.encode(result)
	if err != nil {
		return err
	}

	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(encodeSlotKey(result.Slot), record)
	})
	if err != nil {
		return fmt.Errorf("put block %d: %w", result.Slot, err)
	}

	for {
		cur := l.latest.Load()
		if result.Slot <= cur || l.latest.CompareAndSwap(cur, result.Slot) {
			return nil
		}
	}
}

// WriteBlock implements Sink.
func (l *BlockLog) WriteBlock(_ context.Context, result blockproc.Result) error {
	return l.Put(result)
}

// Get returns the block stored for slot.
func (l *BlockLog) Get(slot uint64) (blockproc.Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return blockproc.Result{}, ErrClosed
	}

	var record []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(encodeSlotKey(slot))
		if v == nil {
			return ErrBlockNotFound
		}
		// Values are only valid for the life of the transaction.
		record = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return blockproc.Result{}, err
	}

	return l.decode(record)
}

// LatestSlot returns the highest stored slot, or zero for an empty log.
func (l *BlockLog) LatestSlot() uint64 {
	return l.latest.Load()
}

// Prune removes blocks more than RetainSlots behind the newest one and
// returns how many were removed.
func (l *BlockLog) Prune() (int, error) {
	latest := l.LatestSlot()
	if latest <= l.cfg.RetainSlots {
		return 0, nil
	}
	cutoff := encodeSlotKey(latest - l.cfg.RetainSlots)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	pruned := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("prune blocks: %w", err)
	}
	return pruned, nil
}

// RunPruner prunes the log every interval until ctx is cancelled.
func (l *BlockLog) RunPruner(ctx context.Context, interval time.Duration, log zerolog.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("invalid prune interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pruned, err := l.Prune()
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("failed to prune block log")
		case pruned > 0:
			log.Debug().Int("pruned", pruned).Uint64("latest", l.LatestSlot()).Msg("pruned block log")
		}
	}
}

// Close closes the log.
func (l *BlockLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	l.encoder.Close()
	l.decoder.Close()
	return l.db.Close()
}

// encode returns blake3(compressed) || compressed, where compressed is the
// zstd-compressed JSON of result.
func (l *BlockLog) encode(result blockproc.Result) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", result.Slot, err)
	}
	compressed := l.encoder.EncodeAll(payload, nil)

	sum := blake3.Sum256(compressed)
	record := make([]byte, 0, checksumSize+len(compressed))
	record = append(record, sum[:]...)
	return append(record, compressed...), nil
}

func (l *BlockLog) decode(record []byte) (blockproc.Result, error) {
	if len(record) < checksumSize {
		return blockproc.Result{}, ErrChecksumMismatch
	}
	sum := blake3.Sum256(record[checksumSize:])
	if !bytes.Equal(sum[:], record[:checksumSize]) {
		return blockproc.Result{}, ErrChecksumMismatch
	}

	payload, err := l.decoder.DecodeAll(record[checksumSize:], nil)
	if err != nil {
		return blockproc.Result{}, fmt.Errorf("decompress block: %w", err)
	}

	var result blockproc.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return blockproc.Result{}, fmt.Errorf("decode block: %w", err)
	}
	for i := range result.TransactionInfos {
		if info := &result.TransactionInfos[i]; info.Err != nil {
			info.Status = info.Err
		}
	}
	return result, nil
}

func encodeSlotKey(slot uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, slot)
	return key
}

func decodeSlotKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}
