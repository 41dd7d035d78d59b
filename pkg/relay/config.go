package relay

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/poller"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
	"github.com/fortiblox/X1-Relay/pkg/rpcpool"
)

// Configuration errors.
var (
	ErrNoUpstream      = errors.New("no upstream rpc address configured")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Config is the relay configuration. Keys are the flag, environment and
// config file names.
type Config struct {
	// RPCAddr is the upstream JSON-RPC URL, or several separated by commas.
	RPCAddr string `mapstructure:"rpc-addr"`

	// WSAddr is the upstream websocket URL. It is passed through for the
	// transaction sender. Nothing in the relay reads it.
	WSAddr string `mapstructure:"ws-addr"`

	// UpstreamLagThreshold and UpstreamCheckInterval drive the slot lag
	// check run when several upstreams are configured.
	UpstreamLagThreshold  uint64        `mapstructure:"upstream-lag-threshold"`
	UpstreamCheckInterval time.Duration `mapstructure:"upstream-check-interval"`

	// ListenHTTP serves the JSON-RPC read API and /metrics. Empty disables it.
	ListenHTTP string `mapstructure:"listen-http"`

	// ListenGRPC serves the gRPC health service. Empty disables it.
	ListenGRPC string `mapstructure:"listen-grpc"`

	FanoutSize       int           `mapstructure:"fanout-size"`
	CleanInterval    time.Duration `mapstructure:"clean-interval"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	TopologyInterval time.Duration `mapstructure:"topology-interval"`
	BlockWorkers     int           `mapstructure:"block-workers"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`

	// MaxRetries and RetryAfter configure transaction resubmission. They are
	// validated and passed through for the transaction sender. Nothing in
	// the relay reads them.
	MaxRetries int           `mapstructure:"max-retries"`
	RetryAfter time.Duration `mapstructure:"retry-after"`

	// IdentityKeypair is the path of a JSON keypair file.
	IdentityKeypair string `mapstructure:"identity-keypair"`

	RestartCooldown time.Duration `mapstructure:"restart-cooldown"`

	// BlockCommitment is the commitment the block poller first fetches a
	// block at. Blocks are fetched again at finalized FinalizeDelay later.
	BlockCommitment string        `mapstructure:"block-commitment"`
	FinalizeDelay   time.Duration `mapstructure:"finalize-delay"`

	History  HistoryConfig  `mapstructure:"history"`
	Postgres PostgresConfig `mapstructure:"postgres"`

	LogLevel string `mapstructure:"log-level"`
}

// HistoryConfig configures the local block log and transaction index.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`

	// RetainSlots is how many slots of blocks the log keeps.
	RetainSlots uint64 `mapstructure:"retain-slots"`

	// TxTTL expires indexed transactions. Zero keeps them.
	TxTTL time.Duration `mapstructure:"tx-ttl"`

	PruneInterval time.Duration `mapstructure:"prune-interval"`
}

// PostgresConfig configures the PostgreSQL sink.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RPCAddr:               "http://127.0.0.1:8899",
		WSAddr:                "ws://127.0.0.1:8900",
		UpstreamLagThreshold:  rpcpool.DefaultSlotThreshold,
		UpstreamCheckInterval: rpcpool.DefaultHealthCheckPeriod,
		ListenHTTP:            ":8890",
		ListenGRPC:            ":8891",
		FanoutSize:            10,
		CleanInterval:         5 * time.Second,
		PollInterval:          400 * time.Millisecond,
		TopologyInterval:      60 * time.Second,
		BlockWorkers:          4,
		RequestTimeout:        rpcfetch.DefaultRequestTimeout,
		MaxRetries:            40,
		RetryAfter:            time.Second,
		RestartCooldown:       20 * time.Second,
		BlockCommitment:       "confirmed",
		FinalizeDelay:         poller.DefaultFinalizeDelay,
		History: HistoryConfig{
			Dir:           "./data",
			RetainSlots:   432000,
			TxTTL:         48 * time.Hour,
			PruneInterval: time.Minute,
		},
		LogLevel: "info",
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if len(rpcfetch.ParseEndpoints(c.RPCAddr)) == 0 {
		result = multierror.Append(result, ErrNoUpstream)
	}
	if c.FanoutSize < 1 {
		result = multierror.Append(result, fmt.Errorf("fanout-size must be at least 1, got %d", c.FanoutSize))
	}
	if c.BlockWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("block-workers must be at least 1, got %d", c.BlockWorkers))
	}
	if c.MaxRetries <= 0 {
		result = multierror.Append(result, fmt.Errorf("max-retries must be positive, got %d", c.MaxRetries))
	}

	intervals := []namedInterval{
		{"clean-interval", c.CleanInterval},
		{"poll-interval", c.PollInterval},
		{"topology-interval", c.TopologyInterval},
		{"request-timeout", c.RequestTimeout},
		{"upstream-check-interval", c.UpstreamCheckInterval},
		{"retry-after", c.RetryAfter},
		{"restart-cooldown", c.RestartCooldown},
		{"finalize-delay", c.FinalizeDelay},
	}
	if c.History.Enabled {
		intervals = append(intervals, namedInterval{"history.prune-interval", c.History.PruneInterval})
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s: %w, got %s", iv.name, ErrInvalidInterval, iv.value))
		}
	}

	if _, err := types.ParseCommitment(c.BlockCommitment); err != nil {
		result = multierror.Append(result, fmt.Errorf("block-commitment: %w", err))
	}
	if c.History.Enabled && c.History.Dir == "" {
		result = multierror.Append(result, errors.New("history.dir is required when history is enabled"))
	}
	if c.Postgres.Enabled && c.Postgres.URL == "" {
		result = multierror.Append(result, errors.New("postgres.url is required when postgres is enabled"))
	}

	return result.ErrorOrNil()
}

type namedInterval struct {
	name  string
	value time.Duration
}

// Commitment returns the parsed block commitment. Validate must have passed.
func (c Config) Commitment() types.Commitment {
	commitment, _ := types.ParseCommitment(c.BlockCommitment)
	return commitment
}

func (h HistoryConfig) blockLogPath() string {
	return filepath.Join(h.Dir, "blocks.db")
}

func (h HistoryConfig) txIndexPath() string {
	return filepath.Join(h.Dir, "txindex")
}
