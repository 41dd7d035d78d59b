package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fortiblox/X1-Relay/pkg/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingCounter struct {
	n atomic.Int64
}

func (c *countingCounter) Inc() { c.n.Add(1) }

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestGroup_JobReturningNilStopsGroup(t *testing.T) {
	var siblingStopped atomic.Bool
	group := NewGroup(zerolog.Nop(),
		Job{Name: "quitter", Run: func(ctx context.Context) error { return nil }},
		Job{Name: "worker", Run: func(ctx context.Context) error {
			<-ctx.Done()
			siblingStopped.Store(true)
			return ctx.Err()
		}},
	)

	err := group.Run(context.Background())
	require.ErrorIs(t, err, ErrJobExited)
	assert.Contains(t, err.Error(), "quitter")
	assert.True(t, siblingStopped.Load())
}

func TestGroup_JobErrorStopsGroup(t *testing.T) {
	boom := errors.New("boom")
	group := NewGroup(zerolog.Nop(),
		Job{Name: "failing", Run: func(ctx context.Context) error { return boom }},
		Job{Name: "worker", Run: blockUntilDone},
	)

	err := group.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
}

func TestGroup_CancelIsClean(t *testing.T) {
	var closed []string
	group := NewGroup(zerolog.Nop(), Job{Name: "worker", Run: blockUntilDone})
	group.Add(Job{Name: "other", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	group.OnClose(func() error { closed = append(closed, "first"); return nil })
	group.OnClose(func() error { closed = append(closed, "second"); return errors.New("ignored") })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	assert.NoError(t, group.Run(ctx))
	assert.Equal(t, []string{"second", "first"}, closed)
	assert.Equal(t, []string{"worker", "other"}, group.Jobs())
}

func TestGroup_Empty(t *testing.T) {
	assert.ErrorIs(t, NewGroup(zerolog.Nop()).Run(context.Background()), ErrNoJobs)
}

func TestSupervisor_RestartsAfterExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		builds int
		ids    []string
	)
	build := func(ctx context.Context, id identity.Identity) (*Group, error) {
		mu.Lock()
		defer mu.Unlock()
		builds++
		ids = append(ids, id.Source)
		if builds == 3 {
			// Third generation runs until shutdown.
			return NewGroup(zerolog.Nop(), Job{Name: "steady", Run: func(ctx context.Context) error {
				cancel()
				return blockUntilDone(ctx)
			}}), nil
		}
		return NewGroup(zerolog.Nop(), Job{Name: "flaky", Run: func(ctx context.Context) error {
			return errors.New("upstream gone")
		}}), nil
	}

	restarts := &countingCounter{}
	sup := New(build, Config{RestartCooldown: time.Millisecond}, restarts, zerolog.Nop())

	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 3, builds)
	assert.Equal(t, int64(2), restarts.n.Load(), "one increment per restart")
	assert.Equal(t, []string{"ephemeral", "ephemeral", "ephemeral"}, ids, "identity is resolved per run")
}

func TestSupervisor_BuildFailureIsRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	build := func(ctx context.Context, id identity.Identity) (*Group, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("dial upstream")
		}
		return NewGroup(zerolog.Nop(), Job{Name: "stop", Run: func(ctx context.Context) error {
			cancel()
			return blockUntilDone(ctx)
		}}), nil
	}

	restarts := &countingCounter{}
	require.NoError(t, New(build, Config{RestartCooldown: time.Millisecond}, restarts, zerolog.Nop()).Run(ctx))
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int64(1), restarts.n.Load())
}

func TestSupervisor_CancelDuringCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	build := func(ctx context.Context, id identity.Identity) (*Group, error) {
		return NewGroup(zerolog.Nop(), Job{Name: "quitter", Run: func(ctx context.Context) error { return nil }}), nil
	}
	restarts := &countingCounter{}
	sup := New(build, Config{RestartCooldown: time.Hour}, restarts, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop during cooldown")
	}
	assert.Equal(t, int64(0), restarts.n.Load())
}

func TestSupervisor_BrokenIdentityIsFatal(t *testing.T) {
	build := func(ctx context.Context, id identity.Identity) (*Group, error) {
		t.Fatal("build must not run without an identity")
		return nil, nil
	}
	cfg := Config{
		RestartCooldown: time.Millisecond,
		Resolvers:       []identity.Resolver{identity.File{Path: t.TempDir() + "/missing.json"}},
	}

	err := New(build, cfg, &countingCounter{}, zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
}
