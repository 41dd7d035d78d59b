package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/X1-Relay/pkg/pubsub"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
)

// Cache keeps the newest value seen on the slot and topology topics.
type Cache struct {
	slot       atomic.Uint64
	slotSeenAt atomic.Int64
	nodes      atomic.Pointer[[]rpcfetch.ClusterNode]
	votes      atomic.Pointer[rpcfetch.VoteAccounts]
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Slot returns the newest processed slot and when it was seen.
func (c *Cache) Slot() (uint64, time.Time) {
	seen := c.slotSeenAt.Load()
	if seen == 0 {
		return 0, time.Time{}
	}
	return c.slot.Load(), time.Unix(0, seen)
}

// ClusterNodes returns the latest cluster node snapshot.
func (c *Cache) ClusterNodes() ([]rpcfetch.ClusterNode, bool) {
	nodes := c.nodes.Load()
	if nodes == nil {
		return nil, false
	}
	return *nodes, true
}

// VoteAccounts returns the latest vote account snapshot.
func (c *Cache) VoteAccounts() (rpcfetch.VoteAccounts, bool) {
	votes := c.votes.Load()
	if votes == nil {
		return rpcfetch.VoteAccounts{}, false
	}
	return *votes, true
}

func (c *Cache) setSlot(slot uint64) {
	c.slot.Store(slot)
	c.slotSeenAt.Store(time.Now().UnixNano())
}

// Follow updates the cache from the given subscriptions until ctx is
// cancelled or every topic is closed. It takes ownership of the
// subscriptions.
func (c *Cache) Follow(
	ctx context.Context,
	slots *pubsub.Subscription[uint64],
	nodes *pubsub.Subscription[[]rpcfetch.ClusterNode],
	votes *pubsub.Subscription[rpcfetch.VoteAccounts],
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return follow(ctx, slots, c.setSlot)
	})
	g.Go(func() error {
		return follow(ctx, nodes, func(v []rpcfetch.ClusterNode) { c.nodes.Store(&v) })
	})
	g.Go(func() error {
		return follow(ctx, votes, func(v rpcfetch.VoteAccounts) { c.votes.Store(&v) })
	})
	return g.Wait()
}

// follow applies every value received on sub. Lag is not an error here,
// only the newest value matters.
func follow[T any](ctx context.Context, sub *pubsub.Subscription[T], apply func(T)) error {
	defer sub.Unsubscribe()

	for {
		v, err := sub.Recv(ctx)
		switch {
		case err == nil:
			apply(v)
		case errors.Is(err, pubsub.ErrLagged):
			// Resumes at the oldest retained value.
		case ctx.Err() != nil, errors.Is(err, pubsub.ErrClosed):
			return nil
		default:
			return fmt.Errorf("follow topic: %w", err)
		}
	}
}
