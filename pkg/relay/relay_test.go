package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Relay/pkg/identity"
	"github.com/fortiblox/X1-Relay/pkg/metrics"
)

// mockUpstream answers the calls the relay makes with a fixed chain view.
func mockUpstream(t *testing.T, blockhash string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var result interface{}
		switch req.Method {
		case "getLatestBlockhash":
			result = map[string]interface{}{
				"context": map[string]interface{}{"slot": 100},
				"value": map[string]interface{}{
					"blockhash":            blockhash,
					"lastValidBlockHeight": 240,
				},
			}
		case "getSlot":
			result = 100
		case "getClusterNodes":
			result = []interface{}{}
		case "getVoteAccounts":
			result = map[string]interface{}{"current": []interface{}{}, "delinquent": []interface{}{}}
		default:
			// getBlock: a skipped slot.
			result = nil
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// chainUpstream serves a chain that advances one slot per getSlot call. The
// block at slot s has blockhash "BH<s>" and height s-10, at every
// commitment. getLatestBlockhash answers with a "SEED" blockhash whose
// height matches the current slot.
func chainUpstream(t *testing.T, start uint64) *httptest.Server {
	var slot atomic.Uint64
	slot.Store(start)

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
		case "getLatestBlockhash":
			current := slot.Load()
			result = map[string]interface{}{
				"context": map[string]interface{}{"slot": current},
				"value": map[string]interface{}{
					"blockhash":            "SEED",
					"lastValidBlockHeight": current - 10 + 150,
				},
			}
		case "getSlot":
			result = slot.Add(1)
		case "getBlock":
			s := uint64(req.Params[0].(float64))
			result = map[string]interface{}{
				"blockhash":    fmt.Sprintf("BH%d", s),
				"parentSlot":   s - 1,
				"blockHeight":  s - 10,
				"transactions": []interface{}{},
				"rewards":      []interface{}{},
			}
		case "getClusterNodes":
			result = []interface{}{}
		case "getVoteAccounts":
			result = map[string]interface{}{"current": []interface{}{}, "delinquent": []interface{}{}}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

type latestBlockhash struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// latestAt calls getLatestBlockhash on the relay, with no params when
// commitment is empty. It reports false on a JSON-RPC error.
func latestAt(t *testing.T, addr, commitment string) (latestBlockhash, bool) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "getLatestBlockhash"}
	if commitment != "" {
		req["params"] = []interface{}{map[string]string{"commitment": commitment}}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	res, err := http.Post("http://"+addr, "application/json", bytes.NewReader(body))
	if err != nil {
		// Not listening yet.
		return latestBlockhash{}, false
	}
	defer res.Body.Close()

	var resp struct {
		Result *latestBlockhash `json:"result"`
		Error  json.RawMessage  `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	if resp.Result == nil {
		return latestBlockhash{}, false
	}
	return *resp.Result, true
}

// runGroup runs group until the test ends.
func runGroup(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("job group did not stop")
		}
	})
}

func testIdentity(t *testing.T) identity.Identity {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return identity.Identity{PrivateKey: key, Source: "test"}
}

func testConfig(upstream string) Config {
	cfg := DefaultConfig()
	cfg.RPCAddr = upstream
	cfg.ListenHTTP = "127.0.0.1:0"
	cfg.ListenGRPC = "127.0.0.1:0"
	cfg.PollInterval = 20 * time.Millisecond
	cfg.CleanInterval = 50 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

func newTestBridge(cfg Config) *Bridge {
	reg := prometheus.NewRegistry()
	return NewBridge(cfg, metrics.NewCollector(reg), reg, zerolog.Nop())
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "confirmed", cfg.Commitment().String())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{
			name:   "no upstream",
			mutate: func(c *Config) { c.RPCAddr = " , " },
			errs:   1,
		},
		{
			name:   "bad commitment",
			mutate: func(c *Config) { c.BlockCommitment = "rooted" },
			errs:   1,
		},
		{
			name: "zero intervals",
			mutate: func(c *Config) {
				c.CleanInterval = 0
				c.PollInterval = -time.Second
			},
			errs: 2,
		},
		{
			name: "history without dir",
			mutate: func(c *Config) {
				c.History.Enabled = true
				c.History.Dir = ""
				c.History.PruneInterval = 0
			},
			errs: 2,
		},
		{
			name: "postgres without url",
			mutate: func(c *Config) {
				c.Postgres.Enabled = true
				c.FanoutSize = 0
				c.BlockWorkers = 0
			},
			errs: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tt.errs)
		})
	}

	cfg := DefaultConfig()
	cfg.RPCAddr = ""
	assert.ErrorIs(t, cfg.Validate(), ErrNoUpstream)

	cfg = DefaultConfig()
	cfg.RetryAfter = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidInterval)
}

func TestBridge_Build(t *testing.T) {
	upstream := mockUpstream(t, "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	bridge := newTestBridge(testConfig(upstream.URL))

	group, err := bridge.Build(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"slot-poller",
		"block-poller",
		"topology-poller",
		"blockstore-cleanup",
		"rpc-cache",
		"rpc-server",
		"grpc-health",
	}, group.Jobs())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, group.Run(ctx))
}

func TestBridge_BuildWithHistory(t *testing.T) {
	upstream := mockUpstream(t, "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	cfg := testConfig(upstream.URL)
	cfg.ListenHTTP = ""
	cfg.ListenGRPC = ""
	cfg.History.Enabled = true
	cfg.History.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())

	group, err := newTestBridge(cfg).Build(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Contains(t, group.Jobs(), "persister")
	assert.Contains(t, group.Jobs(), "blocklog-pruner")
	assert.NotContains(t, group.Jobs(), "rpc-server")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, group.Run(ctx))

	assert.FileExists(t, filepath.Join(cfg.History.Dir, "blocks.db"))
	assert.DirExists(t, filepath.Join(cfg.History.Dir, "txindex"))
}

func TestBridge_BuildSeedFailure(t *testing.T) {
	// An empty blockhash is not retried.
	upstream := mockUpstream(t, "")
	bridge := newTestBridge(testConfig(upstream.URL))

	_, err := bridge.Build(context.Background(), testIdentity(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed block store")
}

func TestBridge_BuildHistoryFailure(t *testing.T) {
	upstream := mockUpstream(t, "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

	// A regular file where the history directory should be.
	notDir := filepath.Join(t.TempDir(), "history")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))

	cfg := testConfig(upstream.URL)
	cfg.History.Enabled = true
	cfg.History.Dir = notDir

	_, err := newTestBridge(cfg).Build(context.Background(), testIdentity(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open block log")
}

func TestBridge_AllTiersAdvance(t *testing.T) {
	const start = 100
	upstream := chainUpstream(t, start)

	cfg := testConfig(upstream.URL)
	cfg.ListenHTTP = freeAddr(t)
	cfg.ListenGRPC = ""
	cfg.FinalizeDelay = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	group, err := newTestBridge(cfg).Build(context.Background(), testIdentity(t))
	require.NoError(t, err)
	runGroup(t, group.Run)

	for _, commitment := range []string{"processed", "confirmed", "finalized", ""} {
		commitment := commitment
		require.Eventually(t, func() bool {
			latest, ok := latestAt(t, cfg.ListenHTTP, commitment)
			return ok && latest.Value.Blockhash != "SEED" && latest.Context.Slot > start
		}, 5*time.Second, 20*time.Millisecond, "tier %q never moved past the seed", commitment)
	}

	// Keeps moving, not just once.
	first, ok := latestAt(t, cfg.ListenHTTP, "processed")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		latest, ok := latestAt(t, cfg.ListenHTTP, "processed")
		return ok && latest.Context.Slot > first.Context.Slot
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBridge_UpstreamHealthWired(t *testing.T) {
	leader := chainUpstream(t, 1000)
	laggard := chainUpstream(t, 100)

	cfg := testConfig(leader.URL + "," + laggard.URL)
	cfg.ListenHTTP = freeAddr(t)
	cfg.ListenGRPC = ""
	cfg.UpstreamCheckInterval = 20 * time.Millisecond

	group, err := newTestBridge(cfg).Build(context.Background(), testIdentity(t))
	require.NoError(t, err)
	runGroup(t, group.Run)

	var status struct {
		Healthy   int `json:"healthy"`
		Endpoints []struct {
			URL     string `json:"url"`
			Healthy bool   `json:"healthy"`
		} `json:"endpoints"`
	}
	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + cfg.ListenHTTP + "/health/upstreams")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return json.NewDecoder(res.Body).Decode(&status) == nil && status.Healthy == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, status.Endpoints, 2)
	assert.Equal(t, laggard.URL, status.Endpoints[1].URL)
	assert.False(t, status.Endpoints[1].Healthy)

	res, err := http.Get("http://" + cfg.ListenHTTP + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf(`lite_relay_upstream_healthy{endpoint=%q} 0`, laggard.URL))
}

func TestBridge_BuildSeveralUpstreams(t *testing.T) {
	a := mockUpstream(t, "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	b := mockUpstream(t, "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

	cfg := testConfig(a.URL + "," + b.URL)
	cfg.ListenHTTP = ""
	cfg.ListenGRPC = ""

	group, err := newTestBridge(cfg).Build(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Contains(t, group.Jobs(), "upstream-health")
	require.NoError(t, group.Close())
}
