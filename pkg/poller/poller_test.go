package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/blockstore"
	"github.com/fortiblox/X1-Relay/pkg/pubsub"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
	"github.com/fortiblox/X1-Relay/pkg/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive connections of the upstream client close asynchronously.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeUpstream replays a script of getSlot answers and fixed topology.
type fakeUpstream struct {
	mu        sync.Mutex
	slots     []interface{} // uint64 or error
	slotCalls int

	votesErr error
	nodesErr error
}

func (f *fakeUpstream) GetSlot(ctx context.Context, commitment types.Commitment) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var next interface{} = errors.New("script exhausted")
	if f.slotCalls < len(f.slots) {
		next = f.slots[f.slotCalls]
	}
	f.slotCalls++

	if err, ok := next.(error); ok {
		return 0, err
	}
	return next.(uint64), nil
}

func (f *fakeUpstream) GetVoteAccounts(ctx context.Context, commitment types.Commitment) (rpcfetch.VoteAccounts, error) {
	if f.votesErr != nil {
		return rpcfetch.VoteAccounts{}, f.votesErr
	}
	return rpcfetch.VoteAccounts{Current: []rpcfetch.VoteAccount{{VotePubkey: "vote", NodePubkey: "node"}}}, nil
}

func (f *fakeUpstream) GetClusterNodes(ctx context.Context) ([]rpcfetch.ClusterNode, error) {
	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	return []rpcfetch.ClusterNode{{Pubkey: "node"}}, nil
}

type fakeProcessor struct {
	calls atomic.Int32
	fn    func(slot uint64) (blockproc.Result, error)

	mu   sync.Mutex
	seen map[types.Commitment][]uint64
}

func (f *fakeProcessor) Process(ctx context.Context, slot uint64, commitment types.Commitment) (blockproc.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[types.Commitment][]uint64)
	}
	f.seen[commitment] = append(f.seen[commitment], slot)
	f.mu.Unlock()

	result, err := f.fn(slot)
	if err == nil && !result.InvalidBlock {
		result.Commitment = commitment
	}
	return result, err
}

func (f *fakeProcessor) slotsAt(commitment types.Commitment) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.seen[commitment]...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.TopologyInterval = time.Hour
	return cfg
}

func recvN[T any](t *testing.T, sub *pubsub.Subscription[T], n int) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []T
	for len(out) < n {
		v, err := sub.Recv(ctx)
		if errors.Is(err, pubsub.ErrLagged) {
			continue
		}
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func runJob(t *testing.T, run func(context.Context) error) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return cancel, done
}

func TestSlotPoller_PublishesIncreasingSlots(t *testing.T) {
	upstream := &fakeUpstream{slots: []interface{}{
		uint64(10), uint64(10), errors.New("timeout"), uint64(9), uint64(11), errors.New("timeout"), uint64(12),
	}}
	for i := 0; i < 100; i++ {
		upstream.slots = append(upstream.slots, uint64(12))
	}

	topic := pubsub.NewTopic[uint64](16)
	sub := topic.Subscribe()
	poller := NewSlotPoller(upstream, topic, fastConfig(), zerolog.Nop())

	runJob(t, poller.Run)

	assert.Equal(t, []uint64{10, 11, 12}, recvN(t, sub, 3))

	_, err := sub.TryRecv()
	assert.ErrorIs(t, err, pubsub.ErrEmpty, "duplicates and regressions are suppressed")
}

func TestSlotPoller_FailsAfterConsecutiveFailures(t *testing.T) {
	upstream := &fakeUpstream{}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	poller := NewSlotPoller(upstream, pubsub.NewTopic[uint64](4), cfg, zerolog.Nop())
	err := poller.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, 3, upstream.slotCalls)
}

func TestSlotPoller_StopsOnCancel(t *testing.T) {
	poller := NewSlotPoller(&fakeUpstream{}, pubsub.NewTopic[uint64](4), fastConfig(), zerolog.Nop())
	cancel, done := runJob(t, poller.Run)

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("slot poller did not stop")
	}
}

func TestBlockPoller_PublishesValidBlocks(t *testing.T) {
	slots := pubsub.NewTopic[uint64](16)
	blocks := pubsub.NewTopic[blockproc.Result](16)
	blockSub := blocks.Subscribe()

	processor := &fakeProcessor{fn: func(slot uint64) (blockproc.Result, error) {
		switch slot {
		case 2:
			return blockproc.InvalidBlockResult(), nil
		case 3:
			return blockproc.Result{}, errors.New("upstream 503")
		}
		return blockproc.Result{Slot: slot, Blockhash: "hash"}, nil
	}}

	cfg := fastConfig()
	cfg.BlockWorkers = 1
	poller := NewBlockPoller(processor, slots, blocks, cfg, zerolog.Nop())
	runJob(t, poller.Run)

	for slot := uint64(1); slot <= 4; slot++ {
		slots.Publish(slot)
	}

	got := recvN(t, blockSub, 2)
	assert.Equal(t, uint64(1), got[0].Slot)
	assert.Equal(t, uint64(4), got[1].Slot)
	require.Eventually(t, func() bool { return processor.calls.Load() == 4 }, time.Second, time.Millisecond)
}

func TestBlockPoller_FinalizesAfterDelay(t *testing.T) {
	slots := pubsub.NewTopic[uint64](16)
	blocks := pubsub.NewTopic[blockproc.Result](16)
	blockSub := blocks.Subscribe()

	processor := &fakeProcessor{fn: func(slot uint64) (blockproc.Result, error) {
		switch slot {
		case 2:
			return blockproc.InvalidBlockResult(), nil
		case 3:
			return blockproc.Result{}, errors.New("upstream 503")
		}
		return blockproc.Result{Slot: slot, Blockhash: "hash"}, nil
	}}

	cfg := fastConfig()
	cfg.FinalizeDelay = 20 * time.Millisecond
	poller := NewBlockPoller(processor, slots, blocks, cfg, zerolog.Nop())
	runJob(t, poller.Run)

	for slot := uint64(1); slot <= 3; slot++ {
		slots.Publish(slot)
	}

	require.Eventually(t, func() bool {
		return len(processor.slotsAt(types.CommitmentFinalized)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, processor.slotsAt(types.CommitmentConfirmed))
	// A skipped slot is not fetched again; a failed fetch is.
	assert.ElementsMatch(t, []uint64{1, 3}, processor.slotsAt(types.CommitmentFinalized))

	got := recvN(t, blockSub, 2)
	assert.Equal(t, types.CommitmentConfirmed, got[0].Commitment)
	assert.Equal(t, types.CommitmentFinalized, got[1].Commitment)
	assert.Equal(t, uint64(1), got[1].Slot)
}

func TestBlockPoller_FinalizedCommitmentFetchesOnce(t *testing.T) {
	slots := pubsub.NewTopic[uint64](16)
	processor := &fakeProcessor{fn: func(slot uint64) (blockproc.Result, error) {
		return blockproc.Result{Slot: slot}, nil
	}}

	cfg := fastConfig()
	cfg.BlockCommitment = types.CommitmentFinalized
	cfg.FinalizeDelay = time.Millisecond
	poller := NewBlockPoller(processor, slots, pubsub.NewTopic[blockproc.Result](16), cfg, zerolog.Nop())
	runJob(t, poller.Run)

	slots.Publish(5)
	require.Eventually(t, func() bool { return processor.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), processor.calls.Load())
	assert.Equal(t, []uint64{5}, processor.slotsAt(types.CommitmentFinalized))
}

func TestBlockPoller_CancelAbandonsPendingFinalization(t *testing.T) {
	slots := pubsub.NewTopic[uint64](16)
	processor := &fakeProcessor{fn: func(slot uint64) (blockproc.Result, error) {
		return blockproc.Result{Slot: slot}, nil
	}}

	cfg := fastConfig()
	cfg.FinalizeDelay = time.Hour
	poller := NewBlockPoller(processor, slots, pubsub.NewTopic[blockproc.Result](16), cfg, zerolog.Nop())
	cancel, done := runJob(t, poller.Run)

	slots.Publish(1)
	require.Eventually(t, func() bool { return processor.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("block poller did not stop with a finalization pending")
	}
	assert.Empty(t, processor.slotsAt(types.CommitmentFinalized))
}

func TestBlockPoller_LagIsNotFatal(t *testing.T) {
	slots := pubsub.NewTopic[uint64](2)
	blocks := pubsub.NewTopic[blockproc.Result](16)
	blockSub := blocks.Subscribe()

	processor := &fakeProcessor{fn: func(slot uint64) (blockproc.Result, error) {
		return blockproc.Result{Slot: slot}, nil
	}}
	poller := NewBlockPoller(processor, slots, blocks, fastConfig(), zerolog.Nop())

	// Overflow the subscription before the poller reads anything.
	for slot := uint64(1); slot <= 10; slot++ {
		slots.Publish(slot)
	}
	runJob(t, poller.Run)

	got := recvN(t, blockSub, 2)
	seen := map[uint64]bool{got[0].Slot: true, got[1].Slot: true}
	assert.Equal(t, map[uint64]bool{9: true, 10: true}, seen)
}

func TestBlockPoller_ClosedTopicEndsRun(t *testing.T) {
	slots := pubsub.NewTopic[uint64](2)
	poller := NewBlockPoller(&fakeProcessor{}, slots, pubsub.NewTopic[blockproc.Result](2), fastConfig(), zerolog.Nop())
	slots.Close()
	assert.NoError(t, poller.Run(context.Background()))
}

func TestTopologyPoller_IndependentPublishes(t *testing.T) {
	tests := []struct {
		name      string
		upstream  *fakeUpstream
		wantVotes bool
		wantNodes bool
	}{
		{name: "both", upstream: &fakeUpstream{}, wantVotes: true, wantNodes: true},
		{name: "votes fail", upstream: &fakeUpstream{votesErr: errors.New("boom")}, wantNodes: true},
		{name: "nodes fail", upstream: &fakeUpstream{nodesErr: errors.New("boom")}, wantVotes: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := pubsub.NewTopic[[]rpcfetch.ClusterNode](2)
			votes := pubsub.NewTopic[rpcfetch.VoteAccounts](2)
			nodeSub, voteSub := nodes.Subscribe(), votes.Subscribe()

			poller := NewTopologyPoller(tt.upstream, nodes, votes, fastConfig(), zerolog.Nop())
			poller.poll(context.Background())

			_, err := voteSub.TryRecv()
			assert.Equal(t, tt.wantVotes, err == nil)
			_, err = nodeSub.TryRecv()
			assert.Equal(t, tt.wantNodes, err == nil)
		})
	}
}

func TestTopologyPoller_FirstTickImmediate(t *testing.T) {
	nodes := pubsub.NewTopic[[]rpcfetch.ClusterNode](2)
	votes := pubsub.NewTopic[rpcfetch.VoteAccounts](2)
	nodeSub := nodes.Subscribe()

	poller := NewTopologyPoller(&fakeUpstream{}, nodes, votes, fastConfig(), zerolog.Nop())
	runJob(t, poller.Run)

	got := recvN(t, nodeSub, 1)
	require.Len(t, got[0], 1)
	assert.Equal(t, "node", got[0][0].Pubkey)
}

// mockUpstream serves a tiny chain over JSON-RPC: the slot advances on each
// getSlot call and every block is empty.
func mockUpstream(t *testing.T) *httptest.Server {
	var slot atomic.Uint64
	slot.Store(100)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var result interface{}
		switch req.Method {
		case "getSlot":
			result = slot.Add(1)
		case "getBlock":
			s := uint64(req.Params[0].(float64))
			result = map[string]interface{}{
				"blockhash":    "hash",
				"parentSlot":   s - 1,
				"blockHeight":  s - 10,
				"transactions": []interface{}{},
				"rewards":      []interface{}{map[string]interface{}{"pubkey": "leader", "lamports": 1, "rewardType": "Fee"}},
			}
		case "getVoteAccounts":
			result = map[string]interface{}{"current": []interface{}{}, "delinquent": []interface{}{}}
		case "getClusterNodes":
			result = []interface{}{map[string]interface{}{"pubkey": "node"}}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewJSONRPCSubscription(t *testing.T) {
	srv := mockUpstream(t)
	client := rpcfetch.NewRPCClient(rpcfetch.NewSimplePool([]string{srv.URL}), time.Second)
	store := blockstore.New(blockstore.DefaultConfig(), zerolog.Nop())
	processor := blockproc.New(client, store, zerolog.Nop())

	cfg := fastConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FinalizeDelay = 10 * time.Millisecond
	streams, jobs := NewJSONRPCSubscription(client, processor, cfg, zerolog.Nop())
	require.Len(t, jobs, 3)

	blocks := streams.Blocks()
	nodes := streams.ClusterNodes()
	votes := streams.VoteAccounts()
	slots := streams.Slots()

	group := supervisor.NewGroup(zerolog.Nop(), jobs...)
	group.OnClose(streams.Close)
	runJob(t, group.Run)

	got := recvN(t, blocks, 2)
	assert.Less(t, got[0].Slot, got[1].Slot)
	require.NotNil(t, got[0].LeaderID)
	assert.Equal(t, "leader", *got[0].LeaderID)

	recvN(t, nodes, 1)
	recvN(t, votes, 1)
	recvN(t, slots, 1)

	_, height, ok := store.Latest(types.CommitmentConfirmed)
	require.True(t, ok)
	assert.Greater(t, height, uint64(90))

	_, processedHeight, ok := store.Latest(types.CommitmentProcessed)
	require.True(t, ok)
	assert.GreaterOrEqual(t, processedHeight, height)

	require.Eventually(t, func() bool {
		_, ok := store.GetLatest(types.CommitmentFinalized)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}
