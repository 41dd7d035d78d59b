package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
)

// ErrTransactionNotFound is returned when a signature is not indexed.
var ErrTransactionNotFound = errors.New("transaction not found")

// Key format: prefixTx + raw signature (64 bytes).
var prefixTx = []byte{0x01}

// TxIndexConfig holds TxIndex configuration.
type TxIndexConfig struct {
	// Path is the directory for the database.
	Path string

	// InMemory runs the index in memory (for testing).
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// TTL expires entries after this long. Zero keeps them forever.
	TTL time.Duration

	// Logger is an optional logger. Nil disables badger's logging.
	Logger badger.Logger
}

// DefaultTxIndexConfig returns the default configuration for path.
func DefaultTxIndexConfig(path string) TxIndexConfig {
	return TxIndexConfig{
		Path: path,
		TTL:  48 * time.Hour,
	}
}

// TxRecord is what the index keeps per transaction.
type TxRecord struct {
	Slot      uint64 `json:"slot"`
	Blockhash string `json:"blockhash"`
	blockproc.TransactionInfo
}

// TxIndex maps transaction signatures to the block that carried them.
type TxIndex struct {
	db     *badger.DB
	ttl    time.Duration
	closed atomic.Bool
}

// OpenTxIndex creates or opens a transaction index.
func OpenTxIndex(cfg TxIndexConfig) (*TxIndex, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &TxIndex{db: db, ttl: cfg.TTL}, nil
}

// Name identifies the sink in metrics and logs.
func (x *TxIndex) Name() string {
	return "txindex"
}

// PutBlock indexes every transaction of result. Transactions whose
// signature does not decode are skipped.
func (x *TxIndex) PutBlock(result blockproc.Result) error {
	if x.closed.Load() {
		return ErrClosed
	}

	batch := x.db.NewWriteBatch()

	for _, info := range result.TransactionInfos {
		sig, err := types.SignatureFromBase58(info.Signature)
		if err != nil {
			continue
		}
		value, err := json.Marshal(TxRecord{
			Slot:            result.Slot,
			Blockhash:       result.Blockhash,
			TransactionInfo: info,
		})
		if err != nil {
			batch.Cancel()
			return fmt.Errorf("encode transaction %s: %w", info.Signature, err)
		}

		entry := badger.NewEntry(txKey(sig), value)
		if x.ttl > 0 {
			entry = entry.WithTTL(x.ttl)
		}
		if err := batch.SetEntry(entry); err != nil {
			batch.Cancel()
			return fmt.Errorf("index transaction %s: %w", info.Signature, err)
		}
	}

	if err := batch.Flush(); err != nil {
		return fmt.Errorf("flush block %d: %w", result.Slot, err)
	}
	return nil
}

// WriteBlock implements Sink.
func (x *TxIndex) WriteBlock(_ context.Context, result blockproc.Result) error {
	return x.PutBlock(result)
}

// Get returns the record for a base58 signature.
func (x *TxIndex) Get(signature string) (TxRecord, error) {
	if x.closed.Load() {
		return TxRecord{}, ErrClosed
	}

	sig, err := types.SignatureFromBase58(signature)
	if err != nil {
		return TxRecord{}, err
	}

	var record TxRecord
	err = x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(txKey(sig))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return TxRecord{}, err
	}

	if record.Err != nil {
		record.Status = record.Err
	}
	return record, nil
}

// Close closes the index.
func (x *TxIndex) Close() error {
	if x.closed.Swap(true) {
		return nil
	}
	return x.db.Close()
}

func txKey(sig types.Signature) []byte {
	key := make([]byte, 0, len(prefixTx)+types.SignatureSize)
	key = append(key, prefixTx...)
	return append(key, sig[:]...)
}
