package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/X1-Relay/pkg/identity"
	"github.com/fortiblox/X1-Relay/pkg/metrics"
	"github.com/fortiblox/X1-Relay/pkg/relay"
	"github.com/fortiblox/X1-Relay/pkg/supervisor"
)

// GitCommit is set at link time.
var GitCommit = "dev"

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "RELAY"

var envReplacer = strings.NewReplacer("-", "_", ".", "_")

// legacyEnv maps config keys to the unprefixed variables older deployments
// set.
var legacyEnv = map[string]string{
	"postgres.enabled": "PG_ENABLED",
	"postgres.url":     "DATABASE_URL",
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// NewRootCommand builds the relay command with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Lite RPC relay serving blockhashes and cluster state from a polled upstream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	root.Flags().StringVar(&configFile, "config", "", "path to a YAML config file")
	addConfigFlags(root.Flags(), relay.DefaultConfig())
	if err := v.BindPFlags(root.Flags()); err != nil {
		// Only fails for a nil flag set.
		panic(err)
	}

	root.AddCommand(newVersionCommand())
	return root
}

func addConfigFlags(fs *pflag.FlagSet, d relay.Config) {
	fs.String("rpc-addr", d.RPCAddr, "upstream JSON-RPC URL, or several separated by commas")
	fs.String("ws-addr", d.WSAddr, "upstream websocket URL, passed through for the transaction sender")
	fs.Uint64("upstream-lag-threshold", d.UpstreamLagThreshold, "slots an upstream may trail the others before it is avoided")
	fs.Duration("upstream-check-interval", d.UpstreamCheckInterval, "interval between upstream slot lag checks")
	fs.String("listen-http", d.ListenHTTP, "JSON-RPC and metrics listen address (empty disables)")
	fs.String("listen-grpc", d.ListenGRPC, "gRPC health listen address (empty disables)")
	fs.Int("fanout-size", d.FanoutSize, "capacity of each notification topic")
	fs.Duration("clean-interval", d.CleanInterval, "interval between block store cleanups")
	fs.Duration("poll-interval", d.PollInterval, "interval between upstream slot polls")
	fs.Duration("topology-interval", d.TopologyInterval, "interval between cluster topology polls")
	fs.Int("block-workers", d.BlockWorkers, "concurrent block fetches")
	fs.Duration("request-timeout", d.RequestTimeout, "upstream request timeout")
	fs.Int("max-retries", d.MaxRetries, "maximum transaction retries, passed through for the transaction sender")
	fs.Duration("retry-after", d.RetryAfter, "wait before a transaction is retried, passed through for the transaction sender")
	fs.String("identity-keypair", d.IdentityKeypair, "path to the identity keypair JSON file")
	fs.Duration("restart-cooldown", d.RestartCooldown, "wait before restarting exited services")
	fs.String("block-commitment", d.BlockCommitment, "commitment blocks are first fetched at: processed, confirmed, finalized")
	fs.Duration("finalize-delay", d.FinalizeDelay, "wait before a block is fetched again at finalized")
	fs.Bool("history.enabled", d.History.Enabled, "persist blocks and transactions locally")
	fs.String("history.dir", d.History.Dir, "directory of the block log and transaction index")
	fs.Uint64("history.retain-slots", d.History.RetainSlots, "slots of blocks the block log keeps")
	fs.Duration("history.tx-ttl", d.History.TxTTL, "expiry of indexed transactions (0 keeps them)")
	fs.Duration("history.prune-interval", d.History.PruneInterval, "interval between block log prunes")
	fs.Bool("postgres.enabled", d.Postgres.Enabled, "persist blocks and transactions to PostgreSQL")
	fs.String("postgres.url", d.Postgres.URL, "PostgreSQL connection URL")
	fs.String("log-level", d.LogLevel, "log level: trace, debug, info, warn, error")
}

// loadConfig merges flags, environment and the optional config file, in
// that order of precedence, and validates the result.
func loadConfig(v *viper.Viper, configFile string) (relay.Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(envReplacer.Replace(key))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return relay.Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return relay.Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := relay.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return relay.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return relay.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes human readable output to a terminal and JSON otherwise.
func newLogger(level string, out *os.File) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log-level: %w", err)
	}

	var w io.Writer = out
	if info, err := out.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func run(ctx context.Context, cfg relay.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", relay.Version).
		Str("commit", GitCommit).
		Str("upstream", cfg.RPCAddr).
		Msg("starting relay")

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	bridge := relay.NewBridge(cfg, collector, prometheus.DefaultGatherer, log)

	sup := supervisor.New(bridge.Build, supervisor.Config{
		RestartCooldown: cfg.RestartCooldown,
		Resolvers:       identity.DefaultChain(cfg.IdentityKeypair),
	}, collector.Restarts(), log)

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		return err
	}
	log.Info().Msg("relay stopped")
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "X1-Relay %s (%s)\n", relay.Version, GitCommit)
		},
	}
}
