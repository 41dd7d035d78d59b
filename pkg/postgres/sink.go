// Package postgres writes processed blocks and their transactions to
// PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/pkg/blockproc"
)

// EnvDatabaseURL is the legacy environment variable holding the connection
// string.
const EnvDatabaseURL = "DATABASE_URL"

// ErrNoDatabaseURL is returned when the sink is enabled without a URL.
var ErrNoDatabaseURL = errors.New("postgres enabled but no database url configured")

const schema = `
CREATE TABLE IF NOT EXISTS relay_blocks (
	slot          BIGINT PRIMARY KEY,
	parent_slot   BIGINT NOT NULL,
	block_height  BIGINT NOT NULL,
	blockhash     TEXT NOT NULL,
	commitment    TEXT NOT NULL,
	leader_id     TEXT,
	tx_count      INTEGER NOT NULL,
	created_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS relay_transactions (
	signature           TEXT PRIMARY KEY,
	slot                BIGINT NOT NULL,
	err                 JSONB,
	cu_requested        BIGINT,
	cu_consumed         BIGINT,
	prioritization_fees BIGINT
);

CREATE INDEX IF NOT EXISTS relay_transactions_slot_idx ON relay_transactions (slot);
`

const insertBlock = `
INSERT INTO relay_blocks (slot, parent_slot, block_height, blockhash, commitment, leader_id, tx_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (slot) DO UPDATE SET commitment = EXCLUDED.commitment`

const insertTransaction = `
INSERT INTO relay_transactions (signature, slot, err, cu_requested, cu_consumed, prioritization_fees)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (signature) DO NOTHING`

// Sink is a PostgreSQL block sink.
type Sink struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to url, verifies the connection and creates the schema.
func Open(ctx context.Context, url string, log zerolog.Logger) (*Sink, error) {
	if url == "" {
		return nil, ErrNoDatabaseURL
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log = log.With().Str("component", "postgres").Logger()
	log.Info().Str("host", cfg.ConnConfig.Host).Str("database", cfg.ConnConfig.Database).Msg("connected to postgres")

	return &Sink{pool: pool, log: log}, nil
}

// Name identifies the sink in metrics and logs.
func (s *Sink) Name() string {
	return "postgres"
}

// WriteBlock inserts a block and its transactions in one batch. Writing the
// same block again only raises its stored commitment.
func (s *Sink) WriteBlock(ctx context.Context, result blockproc.Result) error {
	batch, err := buildBatch(result)
	if err != nil {
		return err
	}

	results := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert block %d: %w", result.Slot, err)
		}
	}
	return results.Close()
}

// Close closes the pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

func buildBatch(result blockproc.Result) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	batch.Queue(insertBlock,
		int64(result.Slot),
		int64(result.ParentSlot),
		int64(result.BlockHeight),
		result.Blockhash,
		result.Commitment.String(),
		result.LeaderID,
		len(result.TransactionInfos),
	)

	for _, info := range result.TransactionInfos {
		var txErr []byte
		if info.Err != nil {
			raw, err := json.Marshal(info.Err)
			if err != nil {
				return nil, fmt.Errorf("encode error of %s: %w", info.Signature, err)
			}
			txErr = raw
		}
		batch.Queue(insertTransaction,
			info.Signature,
			int64(result.Slot),
			txErr,
			info.CURequested,
			info.CUConsumed,
			info.PrioritizationFees,
		)
	}
	return batch, nil
}
