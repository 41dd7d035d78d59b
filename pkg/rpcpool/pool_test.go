package rpcpool

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
)

// mockRPCServer creates a test server answering getSlot with a mutable slot.
// A zero slot is answered with a JSON-RPC error.
func mockRPCServer(t *testing.T, slot *atomic.Uint64) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID uint64 `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if current := slot.Load(); current == 0 {
			resp["error"] = map[string]interface{}{"code": -32000, "message": "Node is unhealthy"}
		} else {
			resp["result"] = current
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSlot(v uint64) *atomic.Uint64 {
	var slot atomic.Uint64
	slot.Store(v)
	return &slot
}

// fakeMarker records the latest verdict per endpoint.
type fakeMarker struct {
	mu      sync.Mutex
	healthy map[string]bool
	reasons map[string]error
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{healthy: make(map[string]bool), reasons: make(map[string]error)}
}

func (m *fakeMarker) MarkUnhealthy(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy[url] = false
	m.reasons[url] = err
}

func (m *fakeMarker) MarkHealthy(url string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy[url] = true
	delete(m.reasons, url)
}

func (m *fakeMarker) verdict(url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy[url], m.reasons[url]
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultConfig().SlotThreshold, cfg.SlotThreshold)
	assert.Equal(t, DefaultHealthCheckPeriod, cfg.Period)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultFailureThreshold, cfg.FailureThreshold)

	cfg = Config{SlotThreshold: 100, Period: time.Second}.WithDefaults()
	assert.Equal(t, uint64(100), cfg.SlotThreshold)
	assert.Equal(t, time.Second, cfg.Period)
}

func TestChecker_MarksLaggingEndpoint(t *testing.T) {
	leader := mockRPCServer(t, newSlot(1000))
	follower := mockRPCServer(t, newSlot(990))
	laggard := mockRPCServer(t, newSlot(900))

	marker := newFakeMarker()
	var changes atomic.Int32
	checker := New([]string{leader.URL, follower.URL, laggard.URL}, marker, Config{
		SlotThreshold:  50,
		RequestTimeout: time.Second,
		OnHealthChange: func(url string, healthy bool, slot uint64) {
			changes.Add(1)
			assert.Equal(t, laggard.URL, url)
			assert.False(t, healthy)
			assert.Equal(t, uint64(900), slot)
		},
	}, zerolog.Nop())

	require.NoError(t, checker.Check(context.Background()))
	assert.Equal(t, uint64(1000), checker.ReferenceSlot())
	assert.Equal(t, 2, checker.HealthyCount())
	assert.Equal(t, int32(1), changes.Load())

	healthy, _ := marker.verdict(leader.URL)
	assert.True(t, healthy)
	healthy, _ = marker.verdict(follower.URL)
	assert.True(t, healthy)
	healthy, reason := marker.verdict(laggard.URL)
	assert.False(t, healthy)
	assert.True(t, errors.Is(reason, ErrEndpointLagging))
}

func TestChecker_Recovery(t *testing.T) {
	leaderSlot := newSlot(1000)
	laggardSlot := newSlot(800)
	leader := mockRPCServer(t, leaderSlot)
	laggard := mockRPCServer(t, laggardSlot)

	marker := newFakeMarker()
	checker := New([]string{leader.URL, laggard.URL}, marker, Config{RequestTimeout: time.Second}, zerolog.Nop())

	require.NoError(t, checker.Check(context.Background()))
	healthy, _ := marker.verdict(laggard.URL)
	assert.False(t, healthy)

	laggardSlot.Store(995)
	require.NoError(t, checker.Check(context.Background()))
	healthy, _ = marker.verdict(laggard.URL)
	assert.True(t, healthy)
	assert.Equal(t, 2, checker.HealthyCount())
}

func TestChecker_ConsecutiveFailures(t *testing.T) {
	good := mockRPCServer(t, newSlot(1000))
	flakySlot := newSlot(0)
	flaky := mockRPCServer(t, flakySlot)

	marker := newFakeMarker()
	checker := New([]string{good.URL, flaky.URL}, marker, Config{
		RequestTimeout:   time.Second,
		FailureThreshold: 3,
	}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		require.NoError(t, checker.Check(context.Background()))
		_, seen := marker.healthy[flaky.URL]
		assert.False(t, seen, "verdict after %d failures", i+1)
	}

	require.NoError(t, checker.Check(context.Background()))
	healthy, reason := marker.verdict(flaky.URL)
	assert.False(t, healthy)
	assert.True(t, errors.Is(reason, ErrEndpointFailing))

	status := checker.EndpointStatus()
	require.Len(t, status, 2)
	assert.Equal(t, 3, status[1].FailCount)
	assert.False(t, status[1].Healthy)

	flakySlot.Store(1000)
	require.NoError(t, checker.Check(context.Background()))
	healthy, _ = marker.verdict(flaky.URL)
	assert.True(t, healthy)
	assert.Equal(t, 0, checker.EndpointStatus()[1].FailCount)
}

func TestChecker_NoEndpointAnswers(t *testing.T) {
	down := mockRPCServer(t, newSlot(0))

	marker := newFakeMarker()
	checker := New([]string{down.URL}, marker, Config{RequestTimeout: time.Second}, zerolog.Nop())

	err := checker.Check(context.Background())
	assert.ErrorIs(t, err, ErrNoReferenceSlot)
	assert.Equal(t, 1, checker.HealthyCount())
	assert.Empty(t, marker.healthy)
}

func TestChecker_Run(t *testing.T) {
	leader := mockRPCServer(t, newSlot(1000))
	laggard := mockRPCServer(t, newSlot(10))

	marker := newFakeMarker()
	checker := New([]string{leader.URL, laggard.URL}, marker, Config{
		Period:         10 * time.Millisecond,
		RequestTimeout: time.Second,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return checker.HealthyCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.ErrorIs(t, New(nil, marker, Config{}, zerolog.Nop()).Run(context.Background()), ErrNoEndpoints)
}
