package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/pubsub"
)

const topicBlocks = "blocks"

// flushTimeout bounds the writes of blocks still retained when the
// persister is cancelled.
const flushTimeout = 5 * time.Second

// Sink is a destination for processed blocks.
type Sink interface {
	Name() string
	WriteBlock(ctx context.Context, result blockproc.Result) error
}

// Recorder receives persistence metrics.
type Recorder interface {
	BlockPersisted(sink string, err error)
	SubscriberLagged(topic string, missed uint64)
}

type noopRecorder struct{}

func (noopRecorder) BlockPersisted(string, error) {}
func (noopRecorder) SubscriberLagged(string, uint64) {}

// Persister writes every published block to its sinks. A failing sink is
// logged and counted; it neither stops the persister nor the other sinks.
type Persister struct {
	blocks   *pubsub.Subscription[blockproc.Result]
	sinks    []Sink
	recorder Recorder
	log      zerolog.Logger
}

// NewPersister creates a persister reading from blocks. recorder may be nil.
func NewPersister(blocks *pubsub.Subscription[blockproc.Result], recorder Recorder, log zerolog.Logger, sinks ...Sink) *Persister {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Persister{
		blocks:   blocks,
		sinks:    sinks,
		recorder: recorder,
		log:      log.With().Str("component", "persister").Logger(),
	}
}

// Run consumes blocks until ctx is cancelled or the topic closes. Blocks
// the subscription still holds when ctx is cancelled are written before
// Run returns.
func (p *Persister) Run(ctx context.Context) error {
	defer p.blocks.Unsubscribe()

	for {
		if ctx.Err() != nil {
			p.flush(ctx)
			return nil
		}

		result, err := p.blocks.Recv(ctx)
		var lagged *pubsub.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			p.lagged(lagged)
			continue
		case ctx.Err() != nil:
			p.flush(ctx)
			return nil
		case errors.Is(err, pubsub.ErrClosed):
			return nil
		default:
			return fmt.Errorf("receive block: %w", err)
		}

		if err := p.write(ctx, result); err != nil {
			p.log.Warn().Err(err).Uint64("slot", result.Slot).Msg("failed to persist block")
		}
	}
}

func (p *Persister) lagged(lagged *pubsub.LaggedError) {
	p.recorder.SubscriberLagged(topicBlocks, lagged.Missed)
	p.log.Warn().Uint64("missed", lagged.Missed).Msg("persister lagged behind blocks")
}

// flush writes the blocks already received by the subscription without
// waiting for new ones.
func (p *Persister) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	flushed := 0
	for ctx.Err() == nil {
		result, err := p.blocks.TryRecv()
		var lagged *pubsub.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			p.lagged(lagged)
			continue
		default:
			// ErrEmpty or ErrClosed.
			if flushed > 0 {
				p.log.Info().Int("blocks", flushed).Msg("flushed retained blocks")
			}
			return
		}

		if err := p.write(ctx, result); err != nil {
			p.log.Warn().Err(err).Uint64("slot", result.Slot).Msg("failed to persist block")
		}
		flushed++
	}
}

func (p *Persister) write(ctx context.Context, result blockproc.Result) error {
	var errs *multierror.Error
	for _, sink := range p.sinks {
		err := sink.WriteBlock(ctx, result)
		p.recorder.BlockPersisted(sink.Name(), err)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}
