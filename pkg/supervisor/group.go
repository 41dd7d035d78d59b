package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobExited is returned by Group.Run when a job returned without an
	// error while the group was still supposed to be running.
	ErrJobExited = errors.New("job exited")

	// ErrNoJobs is returned by Group.Run for an empty group.
	ErrNoJobs = errors.New("group has no jobs")
)

// Job is one long-running task of a group. Run must return when ctx is
// cancelled.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Group runs jobs as one unit: the first job to return, with or without an
// error, stops all the others.
type Group struct {
	jobs []Job
	log  zerolog.Logger

	// closers run after every job has returned, in reverse order.
	closers []func() error
}

// NewGroup creates a group of jobs.
func NewGroup(log zerolog.Logger, jobs ...Job) *Group {
	return &Group{
		jobs: jobs,
		log:  log.With().Str("component", "group").Logger(),
	}
}

// Add appends jobs to the group. It must not be called after Run.
func (g *Group) Add(jobs ...Job) {
	g.jobs = append(g.jobs, jobs...)
}

// OnClose registers fn to run once the group has stopped.
func (g *Group) OnClose(fn func() error) {
	g.closers = append(g.closers, fn)
}

// Jobs returns the names of the group's jobs.
func (g *Group) Jobs() []string {
	names := make([]string, len(g.jobs))
	for i, job := range g.jobs {
		names[i] = job.Name
	}
	return names
}

// Run starts every job and blocks until all of them have returned. It
// returns nil if ctx was cancelled, and otherwise the reason the first job
// stopped: its error, or ErrJobExited if it returned nil.
func (g *Group) Run(ctx context.Context) error {
	if len(g.jobs) == 0 {
		return ErrNoJobs
	}

	eg, gctx := errgroup.WithContext(ctx)
	for _, job := range g.jobs {
		job := job
		eg.Go(func() error {
			g.log.Debug().Str("job", job.Name).Msg("job started")
			err := job.Run(gctx)

			switch {
			case ctx.Err() != nil:
				return nil
			case err != nil:
				return fmt.Errorf("%s: %w", job.Name, err)
			case gctx.Err() != nil:
				// Stopped because a sibling exited first.
				return nil
			default:
				return fmt.Errorf("%s: %w", job.Name, ErrJobExited)
			}
		})
	}

	err := eg.Wait()
	if closeErr := g.Close(); closeErr != nil {
		g.log.Warn().Err(closeErr).Msg("closing group resources")
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close runs the registered closers in reverse order. Run calls it once the
// jobs have stopped; call it directly only for a group that will not be run.
func (g *Group) Close() error {
	var result *multierror.Error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
