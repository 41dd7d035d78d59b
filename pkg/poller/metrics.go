package poller

import (
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
)

// Metrics receives ingestion events from the pollers.
type Metrics interface {
	// SlotPublished is called for every slot published to the slots topic.
	SlotPublished(slot uint64)

	// BlockProcessed is called for every block the processor returned.
	BlockProcessed(result blockproc.Result)

	// BlockDropped is called when a slot is dropped because the block
	// workers are saturated or processing failed.
	BlockDropped(reason string)

	// SubscriberLagged is called when a poller's subscription missed values.
	SubscriberLagged(topic string, missed uint64)

	// UpstreamError is called for every failed upstream call.
	UpstreamError(method string)
}

// NoopMetrics discards all events.
type NoopMetrics struct{}

func (NoopMetrics) SlotPublished(uint64) {}
func (NoopMetrics) BlockProcessed(blockproc.Result) {}
func (NoopMetrics) BlockDropped(string) {}
func (NoopMetrics) SubscriberLagged(string, uint64) {}
func (NoopMetrics) UpstreamError(string) {}
