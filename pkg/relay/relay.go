// Package relay assembles the relay's services into one supervised job
// group.
//
// A Bridge builds a fresh group for every supervisor run: upstream client,
// block store seeded from the upstream, pollers and their topics, block
// store cleanup, optional persistence sinks, and the read API servers.
// Nothing built here outlives the group.
package relay

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/blockstore"
	"github.com/fortiblox/X1-Relay/pkg/history"
	"github.com/fortiblox/X1-Relay/pkg/identity"
	"github.com/fortiblox/X1-Relay/pkg/metrics"
	"github.com/fortiblox/X1-Relay/pkg/poller"
	"github.com/fortiblox/X1-Relay/pkg/postgres"
	"github.com/fortiblox/X1-Relay/pkg/rpc"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
	"github.com/fortiblox/X1-Relay/pkg/rpcpool"
	"github.com/fortiblox/X1-Relay/pkg/supervisor"
)

// Version is reported by getVersion.
var Version = "0.1.0"

// Bridge builds job groups from a validated Config.
type Bridge struct {
	cfg      Config
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// NewBridge creates a bridge. The collector lives for the whole process;
// gatherer is served at /metrics and may be nil.
func NewBridge(cfg Config, collector *metrics.Collector, gatherer prometheus.Gatherer, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		metrics:  collector,
		gatherer: gatherer,
		log:      log,
	}
}

// Build implements supervisor.BuildFunc.
func (b *Bridge) Build(ctx context.Context, id identity.Identity) (*supervisor.Group, error) {
	cfg := b.cfg
	pubkey := id.Pubkey().String()
	log := b.log.With().Str("identity", pubkey).Logger()

	upstreams := rpcfetch.ParseEndpoints(cfg.RPCAddr)
	pool := rpcfetch.NewSimplePool(upstreams)
	client := rpcfetch.NewRPCClient(pool, cfg.RequestTimeout)

	store := blockstore.New(blockstore.Config{OnCleanup: b.metrics.CleanupRemoved}, log)
	processor := blockproc.New(client, store, log)

	for _, commitment := range types.AllCommitments {
		if err := processor.PollLatestBlock(ctx, commitment); err != nil {
			return nil, fmt.Errorf("seed block store: %w", err)
		}
	}

	streams, jobs := poller.NewJSONRPCSubscription(client, processor, poller.Config{
		PollInterval:     cfg.PollInterval,
		TopologyInterval: cfg.TopologyInterval,
		FanoutSize:       cfg.FanoutSize,
		BlockWorkers:     cfg.BlockWorkers,
		BlockCommitment:  cfg.Commitment(),
		FinalizeDelay:    cfg.FinalizeDelay,
		Metrics:          b.metrics,
	}, log)

	group := supervisor.NewGroup(log, jobs...)
	group.OnClose(streams.Close)

	var checker *rpcpool.Checker
	if len(upstreams) > 1 {
		checker = rpcpool.New(upstreams, pool, rpcpool.Config{
			SlotThreshold:  cfg.UpstreamLagThreshold,
			Period:         cfg.UpstreamCheckInterval,
			RequestTimeout: cfg.RequestTimeout,
			OnHealthChange: b.metrics.UpstreamHealthChanged,
		}, log)
		group.Add(supervisor.Job{Name: "upstream-health", Run: checker.Run})
	}
	group.Add(supervisor.Job{
		Name: "blockstore-cleanup",
		Run: func(ctx context.Context) error {
			return store.Run(ctx, cfg.CleanInterval)
		},
	})

	sinks, rpcOpts, err := b.openSinks(ctx, group, log)
	if err != nil {
		if closeErr := group.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("closing partially built group")
		}
		return nil, err
	}
	if len(sinks) > 0 {
		persister := history.NewPersister(streams.Blocks(), b.metrics, log, sinks...)
		group.Add(supervisor.Job{Name: "persister", Run: persister.Run})
	}

	if cfg.ListenHTTP != "" {
		cache := rpc.NewCache()
		slots, nodes, votes := streams.Slots(), streams.ClusterNodes(), streams.VoteAccounts()
		group.Add(supervisor.Job{
			Name: "rpc-cache",
			Run: func(ctx context.Context) error {
				return cache.Follow(ctx, slots, nodes, votes)
			},
		})

		rpcCfg := rpc.DefaultConfig()
		rpcCfg.Addr = cfg.ListenHTTP
		rpcCfg.Version = Version
		rpcCfg.Identity = pubkey
		if b.gatherer != nil {
			rpcOpts = append(rpcOpts, rpc.WithMetrics(b.gatherer, b.metrics))
		}
		if checker != nil {
			rpcOpts = append(rpcOpts, rpc.WithUpstreamHealth(checker))
		}
		server := rpc.New(rpcCfg, store, cache, log, rpcOpts...)
		group.Add(supervisor.Job{Name: "rpc-server", Run: server.Run})
	}

	if cfg.ListenGRPC != "" {
		health := rpc.NewHealthServer(cfg.ListenGRPC, log)
		group.Add(supervisor.Job{Name: "grpc-health", Run: health.Run})
	}

	log.Info().
		Strs("jobs", group.Jobs()).
		Int("upstreams", len(upstreams)).
		Str("block_commitment", cfg.BlockCommitment).
		Msg("relay services built")
	return group, nil
}

// openSinks opens the configured persistence sinks and registers their
// closers on group.
func (b *Bridge) openSinks(ctx context.Context, group *supervisor.Group, log zerolog.Logger) ([]history.Sink, []rpc.Option, error) {
	var (
		sinks []history.Sink
		opts  []rpc.Option
	)

	if hc := b.cfg.History; hc.Enabled {
		logCfg := history.DefaultBlockLogConfig(hc.blockLogPath())
		logCfg.RetainSlots = hc.RetainSlots
		blocks, err := history.OpenBlockLog(logCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open block log: %w", err)
		}
		group.OnClose(blocks.Close)

		idxCfg := history.DefaultTxIndexConfig(hc.txIndexPath())
		idxCfg.TTL = hc.TxTTL
		txs, err := history.OpenTxIndex(idxCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open transaction index: %w", err)
		}
		group.OnClose(txs.Close)

		group.Add(supervisor.Job{
			Name: "blocklog-pruner",
			Run: func(ctx context.Context) error {
				return blocks.RunPruner(ctx, hc.PruneInterval, log)
			},
		})
		sinks = append(sinks, blocks, txs)
		opts = append(opts, rpc.WithHistory(blocks, txs))
	}

	if pc := b.cfg.Postgres; pc.Enabled {
		sink, err := postgres.Open(ctx, pc.URL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres sink: %w", err)
		}
		group.OnClose(sink.Close)
		sinks = append(sinks, sink)
	}

	return sinks, opts, nil
}
