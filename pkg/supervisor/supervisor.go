// Package supervisor keeps the relay's job group running.
//
// The group is treated as one unit. When any job exits the whole group is
// torn down, the supervisor waits for a cooldown, and a fresh group is
// built with a freshly resolved identity. Only cancellation of the parent
// context ends the loop.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/pkg/identity"
)

// DefaultRestartCooldown is the wait between a group exit and its restart.
const DefaultRestartCooldown = 20 * time.Second

// Counter counts restarts. A prometheus.Counter satisfies it.
type Counter interface {
	Inc()
}

// BuildFunc assembles a new job group for one run.
type BuildFunc func(ctx context.Context, id identity.Identity) (*Group, error)

// Config holds supervisor configuration.
type Config struct {
	// RestartCooldown is the wait before rebuilding an exited group.
	RestartCooldown time.Duration

	// Resolvers is the identity resolution chain, run before every build.
	Resolvers []identity.Resolver
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = DefaultRestartCooldown
	}
	if len(c.Resolvers) == 0 {
		c.Resolvers = []identity.Resolver{identity.Ephemeral{}}
	}
	return c
}

// Supervisor runs and restarts job groups.
type Supervisor struct {
	build    BuildFunc
	cfg      Config
	restarts Counter
	log      zerolog.Logger
}

// New creates a supervisor.
func New(build BuildFunc, cfg Config, restarts Counter, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		build:    build,
		cfg:      cfg.WithDefaults(),
		restarts: restarts,
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Run builds and runs job groups until ctx is cancelled, which yields a nil
// error. An identity that cannot be resolved is returned as an error since
// retrying will not fix a broken keypair source.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		id, err := identity.Resolve(ctx, s.cfg.Resolvers...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = s.runOnce(ctx, id)
		if ctx.Err() != nil {
			s.log.Info().Msg("shutting down")
			return nil
		}

		s.log.Error().
			Err(err).
			Dur("cooldown", s.cfg.RestartCooldown).
			Msg("services quit unexpectedly, restarting after cooldown")

		timer := time.NewTimer(s.cfg.RestartCooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("shutting down")
			return nil
		case <-timer.C:
		}

		s.restarts.Inc()
		s.log.Warn().Msg("restarting services")
	}
}

func (s *Supervisor) runOnce(ctx context.Context, id identity.Identity) error {
	group, err := s.build(ctx, id)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}

	s.log.Info().
		Str("identity", id.Pubkey().String()).
		Str("identity_source", id.Source).
		Strs("jobs", group.Jobs()).
		Msg("starting services")

	return group.Run(ctx)
}
