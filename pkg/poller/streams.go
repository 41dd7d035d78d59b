// Package poller pulls ledger state from the upstream JSON-RPC source and
// fans it out over notification topics.
//
// Three pollers feed four independent topics:
//
//   - SlotPoller publishes the processed slot whenever it advances.
//   - BlockPoller follows the slots topic, processes each block with a
//     bounded worker pool, once at the configured commitment and again at
//     finalized, and publishes the results.
//   - TopologyPoller refreshes vote accounts and cluster nodes.
//
// There is no ordering between topics. A consumer that needs the latest
// block state should read the block store rather than correlate topics.
package poller

import (
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/pubsub"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
	"github.com/fortiblox/X1-Relay/pkg/supervisor"
)

// Topic names, as reported to Metrics.
const (
	TopicSlots        = "slots"
	TopicBlocks       = "blocks"
	TopicClusterNodes = "cluster_nodes"
	TopicVoteAccounts = "vote_accounts"
)

// Streams is the subscribe side of the notification topics.
type Streams struct {
	slots        *pubsub.Topic[uint64]
	blocks       *pubsub.Topic[blockproc.Result]
	clusterNodes *pubsub.Topic[[]rpcfetch.ClusterNode]
	voteAccounts *pubsub.Topic[rpcfetch.VoteAccounts]
}

// NewStreams creates the four topics with the given capacity.
func NewStreams(capacity int) *Streams {
	return &Streams{
		slots:        pubsub.NewTopic[uint64](capacity),
		blocks:       pubsub.NewTopic[blockproc.Result](capacity),
		clusterNodes: pubsub.NewTopic[[]rpcfetch.ClusterNode](capacity),
		voteAccounts: pubsub.NewTopic[rpcfetch.VoteAccounts](capacity),
	}
}

// Slots subscribes to processed slots.
func (s *Streams) Slots() *pubsub.Subscription[uint64] {
	return s.slots.Subscribe()
}

// Blocks subscribes to processed blocks. Invalid blocks are not published.
func (s *Streams) Blocks() *pubsub.Subscription[blockproc.Result] {
	return s.blocks.Subscribe()
}

// ClusterNodes subscribes to cluster node snapshots.
func (s *Streams) ClusterNodes() *pubsub.Subscription[[]rpcfetch.ClusterNode] {
	return s.clusterNodes.Subscribe()
}

// VoteAccounts subscribes to vote account snapshots.
func (s *Streams) VoteAccounts() *pubsub.Subscription[rpcfetch.VoteAccounts] {
	return s.voteAccounts.Subscribe()
}

// Close closes every topic. Subscribers drain what is retained and then
// receive pubsub.ErrClosed.
func (s *Streams) Close() error {
	s.slots.Close()
	s.blocks.Close()
	s.clusterNodes.Close()
	s.voteAccounts.Close()
	return nil
}

// NewJSONRPCSubscription wires the pollers for a JSON-RPC upstream. It
// returns the streams consumers subscribe to and the jobs that feed them.
func NewJSONRPCSubscription(upstream Upstream, processor BlockProcessor, cfg Config, log zerolog.Logger) (*Streams, []supervisor.Job) {
	cfg = cfg.WithDefaults()
	streams := NewStreams(cfg.FanoutSize)

	slots := NewSlotPoller(upstream, streams.slots, cfg, log)
	blocks := NewBlockPoller(processor, streams.slots, streams.blocks, cfg, log)
	topology := NewTopologyPoller(upstream, streams.clusterNodes, streams.voteAccounts, cfg, log)

	return streams, []supervisor.Job{
		{Name: "slot-poller", Run: slots.Run},
		{Name: "block-poller", Run: blocks.Run},
		{Name: "topology-poller", Run: topology.Run},
	}
}
