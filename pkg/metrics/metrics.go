// Package metrics exposes the relay's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fortiblox/X1-Relay/pkg/blockproc"
)

const namespace = "lite_relay"

// Label names.
const (
	LabelResult = "result"
	LabelReason = "reason"
	LabelTopic  = "topic"
	LabelMethod = "method"
	LabelStatus   = "status"
	LabelEndpoint = "endpoint"
)

// Collector holds every relay metric. One collector lives for the whole
// process and survives service restarts.
type Collector struct {
	restarts            prometheus.Counter
	slotsPublished      prometheus.Counter
	latestSlot          prometheus.Gauge
	blocksProcessed     *prometheus.CounterVec
	transactions        prometheus.Counter
	transactionsSkipped prometheus.Counter
	blocksDropped       *prometheus.CounterVec
	subscriberLag       *prometheus.CounterVec
	upstreamErrors      *prometheus.CounterVec
	cleanupRemoved      prometheus.Counter
	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	persisted           *prometheus.CounterVec
	upstreamHealthy     *prometheus.GaugeVec
	upstreamFlips       *prometheus.CounterVec
}

// NewCollector registers the relay metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		restarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "number of times the relay services were restarted",
		}),
		slotsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_published_total",
			Help:      "number of processed slots published",
		}),
		latestSlot: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_slot",
			Help:      "latest processed slot seen from the upstream",
		}),
		blocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "number of blocks processed, by result",
		}, []string{LabelResult}),
		transactions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "number of transactions extracted from blocks",
		}),
		transactionsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_skipped_total",
			Help:      "number of transactions skipped for missing metadata or undecodable payload",
		}),
		blocksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_dropped_total",
			Help:      "number of slots whose block was not processed, by reason",
		}, []string{LabelReason}),
		subscriberLag: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_missed_total",
			Help:      "number of notifications missed by lagging subscribers, by topic",
		}, []string{LabelTopic}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "number of failed upstream calls, by method",
		}, []string{LabelMethod}),
		cleanupRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockstore_cleaned_total",
			Help:      "number of expired blockhashes removed from the block store",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "number of JSON-RPC requests served, by method and status",
		}, []string{LabelMethod, LabelStatus}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelMethod}),
		persisted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_persisted_total",
			Help:      "number of blocks written to a persistence sink, by sink and status",
		}, []string{"sink", LabelStatus}),
		upstreamHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_healthy",
			Help:      "1 if the upstream endpoint passes the slot lag check, 0 otherwise",
		}, []string{LabelEndpoint}),
		upstreamFlips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_health_changes_total",
			Help:      "number of upstream health verdict changes, by endpoint and new status",
		}, []string{LabelEndpoint, LabelStatus}),
	}
}

// Restarts returns the service restart counter.
func (c *Collector) Restarts() prometheus.Counter {
	return c.restarts
}

func (c *Collector) SlotPublished(slot uint64) {
	c.slotsPublished.Inc()
	c.latestSlot.Set(float64(slot))
}

func (c *Collector) BlockProcessed(result blockproc.Result) {
	if result.InvalidBlock {
		c.blocksProcessed.WithLabelValues("invalid").Inc()
		return
	}
	c.blocksProcessed.WithLabelValues("valid").Inc()
	c.transactions.Add(float64(len(result.TransactionInfos)))
	c.transactionsSkipped.Add(float64(result.Skipped))
}

func (c *Collector) BlockDropped(reason string) {
	c.blocksDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SubscriberLagged(topic string, missed uint64) {
	c.subscriberLag.WithLabelValues(topic).Add(float64(missed))
}

func (c *Collector) UpstreamError(method string) {
	c.upstreamErrors.WithLabelValues(method).Inc()
}

// CleanupRemoved records entries removed by a block store cleanup.
func (c *Collector) CleanupRemoved(removed int) {
	c.cleanupRemoved.Add(float64(removed))
}

// RequestServed records one JSON-RPC request.
func (c *Collector) RequestServed(method string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.requests.WithLabelValues(method, status).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// BlockPersisted records a block written, or failed to be written, to sink.
func (c *Collector) BlockPersisted(sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.persisted.WithLabelValues(sink, status).Inc()
}

// UpstreamHealthChanged records an upstream endpoint's new health verdict.
func (c *Collector) UpstreamHealthChanged(endpoint string, healthy bool, _ uint64) {
	status, value := "unhealthy", 0.0
	if healthy {
		status, value = "healthy", 1.0
	}
	c.upstreamHealthy.WithLabelValues(endpoint).Set(value)
	c.upstreamFlips.WithLabelValues(endpoint, status).Inc()
}
