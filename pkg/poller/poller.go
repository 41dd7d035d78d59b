package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/pubsub"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
)

// ErrTooManyFailures is returned by SlotPoller.Run once the configured
// number of consecutive upstream failures is reached.
var ErrTooManyFailures = errors.New("too many consecutive upstream failures")

// Upstream is the part of the upstream client the pollers call directly.
type Upstream interface {
	GetSlot(ctx context.Context, commitment types.Commitment) (uint64, error)
	GetVoteAccounts(ctx context.Context, commitment types.Commitment) (rpcfetch.VoteAccounts, error)
	GetClusterNodes(ctx context.Context) ([]rpcfetch.ClusterNode, error)
}

// BlockProcessor processes one block.
type BlockProcessor interface {
	Process(ctx context.Context, slot uint64, commitment types.Commitment) (blockproc.Result, error)
}

// SlotPoller publishes the upstream's processed slot each time it advances.
type SlotPoller struct {
	upstream Upstream
	slots    *pubsub.Topic[uint64]
	cfg      Config
	log      zerolog.Logger
}

// NewSlotPoller creates a slot poller.
func NewSlotPoller(upstream Upstream, slots *pubsub.Topic[uint64], cfg Config, log zerolog.Logger) *SlotPoller {
	return &SlotPoller{
		upstream: upstream,
		slots:    slots,
		cfg:      cfg.WithDefaults(),
		log:      log.With().Str("component", "slot_poller").Logger(),
	}
}

// Run polls until ctx is cancelled. Upstream errors are logged and polling
// continues, unless MaxConsecutiveFailures is set and reached.
func (p *SlotPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var (
		last     uint64
		failures int
	)

	for {
		slot, err := p.upstream.GetSlot(ctx, types.CommitmentProcessed)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			p.cfg.Metrics.UpstreamError("getSlot")
			p.log.Warn().Err(err).Int("failures", failures).Msg("failed to get slot")
			if p.cfg.MaxConsecutiveFailures > 0 && failures >= p.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %d getSlot errors, last: %v", ErrTooManyFailures, failures, err)
			}
		default:
			failures = 0
			if slot > last {
				last = slot
				p.slots.Publish(slot)
				p.cfg.Metrics.SlotPublished(slot)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// BlockPoller processes the block of every published slot, first at
// BlockCommitment and then, FinalizeDelay later, at finalized.
type BlockPoller struct {
	processor BlockProcessor
	slots     *pubsub.Subscription[uint64]
	blocks    *pubsub.Topic[blockproc.Result]
	cfg       Config
	log       zerolog.Logger
}

// NewBlockPoller creates a block poller. It subscribes to slots right away
// so no slot published before Run starts is missed.
func NewBlockPoller(processor BlockProcessor, slots *pubsub.Topic[uint64], blocks *pubsub.Topic[blockproc.Result], cfg Config, log zerolog.Logger) *BlockPoller {
	return &BlockPoller{
		processor: processor,
		slots:     slots.Subscribe(),
		blocks:    blocks,
		cfg:       cfg.WithDefaults(),
		log:       log.With().Str("component", "block_poller").Logger(),
	}
}

// Run consumes slots until ctx is cancelled or the slots topic closes.
// Pending finalizations are abandoned when Run returns.
func (p *BlockPoller) Run(ctx context.Context) error {
	defer p.slots.Unsubscribe()

	f := &finalizer{
		poller: p,
		sem:    semaphore.NewWeighted(int64(p.cfg.BlockWorkers)),
	}
	// Runs after the pool stops, so no worker can still schedule one.
	defer f.wg.Wait()

	pool := workerpool.New(p.cfg.BlockWorkers)
	// Stop abandons queued slots and waits for running ones, which observe
	// ctx themselves.
	defer pool.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		slot, err := p.slots.Recv(ctx)
		var lagged *pubsub.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			p.cfg.Metrics.SubscriberLagged(TopicSlots, lagged.Missed)
			p.log.Warn().Uint64("missed", lagged.Missed).Msg("block poller lagged behind slots")
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pubsub.ErrClosed):
			return nil
		default:
			return fmt.Errorf("receive slot: %w", err)
		}

		if pool.WaitingQueueSize() >= p.cfg.MaxPendingBlocks {
			p.dropBacklogged(slot, p.cfg.BlockCommitment, pool.WaitingQueueSize())
			continue
		}

		pool.Submit(func() {
			if p.process(ctx, slot, p.cfg.BlockCommitment) && p.cfg.BlockCommitment < types.CommitmentFinalized {
				f.schedule(ctx, slot)
			}
		})
	}
}

func (p *BlockPoller) dropBacklogged(slot uint64, commitment types.Commitment, pending int) {
	p.cfg.Metrics.BlockDropped("backlog")
	p.log.Warn().
		Uint64("slot", slot).
		Str("commitment", commitment.String()).
		Int("pending", pending).
		Msg("block workers saturated, dropping slot")
}

// finalizer fetches blocks again at finalized once FinalizeDelay has
// passed. At most BlockWorkers finalized fetches run at once.
type finalizer struct {
	poller  *BlockPoller
	sem     *semaphore.Weighted
	waiting atomic.Int32
	wg      sync.WaitGroup
}

func (f *finalizer) schedule(ctx context.Context, slot uint64) {
	p := f.poller

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		timer := time.NewTimer(p.cfg.FinalizeDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if waiting := int(f.waiting.Add(1)); waiting > p.cfg.MaxPendingBlocks {
			f.waiting.Add(-1)
			p.dropBacklogged(slot, types.CommitmentFinalized, waiting-1)
			return
		}
		err := f.sem.Acquire(ctx, 1)
		f.waiting.Add(-1)
		if err != nil {
			return
		}
		defer f.sem.Release(1)

		p.process(ctx, slot, types.CommitmentFinalized)
	}()
}

// process handles slot at commitment and reports whether the slot may
// still produce a block at a higher commitment.
func (p *BlockPoller) process(ctx context.Context, slot uint64, commitment types.Commitment) bool {
	if ctx.Err() != nil {
		return false
	}

	result, err := p.processor.Process(ctx, slot, commitment)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.cfg.Metrics.UpstreamError("getBlock")
		p.cfg.Metrics.BlockDropped("error")
		p.log.Warn().
			Err(err).
			Uint64("slot", slot).
			Str("commitment", commitment.String()).
			Msg("failed to process block")
		return true
	}

	p.cfg.Metrics.BlockProcessed(result)
	if result.InvalidBlock {
		p.log.Debug().Uint64("slot", slot).Msg("no valid block for slot")
		return false
	}

	p.blocks.Publish(result)
	p.log.Debug().
		Uint64("slot", slot).
		Str("commitment", commitment.String()).
		Int("transactions", len(result.TransactionInfos)).
		Msg("published block")
	return true
}

// TopologyPoller publishes vote accounts and cluster nodes.
type TopologyPoller struct {
	upstream     Upstream
	clusterNodes *pubsub.Topic[[]rpcfetch.ClusterNode]
	voteAccounts *pubsub.Topic[rpcfetch.VoteAccounts]
	cfg          Config
	log          zerolog.Logger
}

// NewTopologyPoller creates a topology poller.
func NewTopologyPoller(upstream Upstream, clusterNodes *pubsub.Topic[[]rpcfetch.ClusterNode], voteAccounts *pubsub.Topic[rpcfetch.VoteAccounts], cfg Config, log zerolog.Logger) *TopologyPoller {
	return &TopologyPoller{
		upstream:     upstream,
		clusterNodes: clusterNodes,
		voteAccounts: voteAccounts,
		cfg:          cfg.WithDefaults(),
		log:          log.With().Str("component", "topology_poller").Logger(),
	}
}

// Run refreshes topology immediately and then every TopologyInterval until
// ctx is cancelled. The two queries are independent: one failing does not
// keep the other from being published.
func (p *TopologyPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TopologyInterval)
	defer ticker.Stop()

	for {
		p.poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *TopologyPoller) poll(ctx context.Context) {
	votes, err := p.upstream.GetVoteAccounts(ctx, types.CommitmentProcessed)
	if err != nil {
		if ctx.Err() == nil {
			p.cfg.Metrics.UpstreamError("getVoteAccounts")
			p.log.Warn().Err(err).Msg("failed to get vote accounts")
		}
	} else {
		p.voteAccounts.Publish(votes)
	}

	nodes, err := p.upstream.GetClusterNodes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.cfg.Metrics.UpstreamError("getClusterNodes")
			p.log.Warn().Err(err).Msg("failed to get cluster nodes")
		}
	} else {
		p.clusterNodes.Publish(nodes)
	}
}
