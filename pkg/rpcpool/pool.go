// Package rpcpool health-checks the relay's upstream endpoints by slot lag.
//
// The request path of rpcfetch only notices an endpoint that fails. An
// upstream that answers but has stopped following the cluster would keep
// serving stale slots and blockhashes. The Checker polls every upstream's
// processed slot, takes the highest as the reference, and marks endpoints
// that fall more than a threshold behind it unhealthy in the shared pool
// until they catch up.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/rpcfetch"
)

// Checker errors.
var (
	ErrNoEndpoints     = errors.New("no endpoints to check")
	ErrNoReferenceSlot = errors.New("no endpoint reported a slot")
	ErrEndpointLagging = errors.New("endpoint is behind the cluster")
	ErrEndpointFailing = errors.New("endpoint failed consecutive health checks")
)

// Default configuration values.
const (
	DefaultSlotThreshold     = uint64(50)
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultFailureThreshold  = 3
)

// Marker receives health verdicts. rpcfetch.Pool satisfies it.
type Marker interface {
	MarkUnhealthy(url string, err error)
	MarkHealthy(url string, latency time.Duration)
}

// Config holds checker configuration.
type Config struct {
	// SlotThreshold is how many slots an endpoint may trail the highest
	// reported slot and still be healthy.
	SlotThreshold uint64

	// Period is the interval between health checks.
	Period time.Duration

	// RequestTimeout bounds each getSlot call.
	RequestTimeout time.Duration

	// FailureThreshold is the number of consecutive failed checks after
	// which an endpoint is marked unhealthy.
	FailureThreshold int

	// OnHealthChange, if set, is called when an endpoint's verdict flips.
	OnHealthChange func(url string, healthy bool, slot uint64)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SlotThreshold:    DefaultSlotThreshold,
		Period:           DefaultHealthCheckPeriod,
		RequestTimeout:   DefaultRequestTimeout,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.SlotThreshold == 0 {
		c.SlotThreshold = defaults.SlotThreshold
	}
	if c.Period <= 0 {
		c.Period = defaults.Period
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}

	return c
}

// slotSource is the upstream call the checker makes.
type slotSource interface {
	GetSlot(ctx context.Context, commitment types.Commitment) (uint64, error)
}

// endpointState is the checker's view of one endpoint.
type endpointState struct {
	url       string
	client    slotSource
	healthy   atomic.Bool
	lastSlot  atomic.Uint64
	lastCheck atomic.Int64 // Unix nano timestamp
	failCount atomic.Int32
}

// Checker periodically compares the slots of a fixed set of endpoints.
type Checker struct {
	cfg       Config
	marker    Marker
	endpoints []*endpointState

	referenceSlot atomic.Uint64
	log           zerolog.Logger
}

// New creates a checker for urls. Each endpoint is queried through its own
// client so the check does not go through round-robin selection.
func New(urls []string, marker Marker, cfg Config, log zerolog.Logger) *Checker {
	cfg = cfg.WithDefaults()

	endpoints := make([]*endpointState, 0, len(urls))
	for _, url := range urls {
		ep := &endpointState{
			url:    url,
			client: rpcfetch.NewRPCClient(rpcfetch.NewSimplePool([]string{url}), cfg.RequestTimeout),
		}
		ep.healthy.Store(true)
		endpoints = append(endpoints, ep)
	}

	return &Checker{
		cfg:       cfg,
		marker:    marker,
		endpoints: endpoints,
		log:       log.With().Str("component", "rpcpool").Logger(),
	}
}

// Run checks every endpoint once per period until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoints
	}

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		if err := c.Check(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("upstream health check failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check queries every endpoint concurrently and updates their verdicts. If
// no endpoint answers, verdicts are left as they were.
func (c *Checker) Check(ctx context.Context) error {
	slots := make([]uint64, len(c.endpoints))
	errs := make([]error, len(c.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range c.endpoints {
		i, ep := i, ep
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, c.cfg.RequestTimeout)
			defer cancel()
			slots[i], errs[i] = ep.client.GetSlot(reqCtx, types.CommitmentProcessed)
			return nil
		})
	}
	_ = g.Wait()

	var (
		refSlot  uint64
		answered int
	)
	for i := range c.endpoints {
		if errs[i] != nil {
			continue
		}
		answered++
		if slots[i] > refSlot {
			refSlot = slots[i]
		}
	}
	if answered == 0 {
		return fmt.Errorf("check %d endpoints: %w", len(c.endpoints), ErrNoReferenceSlot)
	}
	c.referenceSlot.Store(refSlot)

	now := time.Now()
	for i, ep := range c.endpoints {
		c.record(ep, slots[i], errs[i], refSlot, now)
	}
	return nil
}

func (c *Checker) record(ep *endpointState, slot uint64, err error, refSlot uint64, now time.Time) {
	ep.lastCheck.Store(now.UnixNano())

	if err != nil {
		if int(ep.failCount.Add(1)) < c.cfg.FailureThreshold {
			return
		}
		c.setHealth(ep, false, fmt.Errorf("%w: %v", ErrEndpointFailing, err))
		return
	}

	ep.failCount.Store(0)
	ep.lastSlot.Store(slot)

	var behind uint64
	if refSlot > slot {
		behind = refSlot - slot
	}
	if behind > c.cfg.SlotThreshold {
		c.setHealth(ep, false, fmt.Errorf("%w: %d slots behind", ErrEndpointLagging, behind))
		return
	}
	c.setHealth(ep, true, nil)
}

func (c *Checker) setHealth(ep *endpointState, healthy bool, reason error) {
	if healthy {
		c.marker.MarkHealthy(ep.url, 0)
	} else {
		c.marker.MarkUnhealthy(ep.url, reason)
	}

	if ep.healthy.Swap(healthy) == healthy {
		return
	}
	c.log.Info().
		Str("endpoint", ep.url).
		Bool("healthy", healthy).
		Uint64("slot", ep.lastSlot.Load()).
		AnErr("reason", reason).
		Msg("upstream health changed")
	if c.cfg.OnHealthChange != nil {
		c.cfg.OnHealthChange(ep.url, healthy, ep.lastSlot.Load())
	}
}

// ReferenceSlot returns the highest slot seen in the last successful check.
func (c *Checker) ReferenceSlot() uint64 {
	return c.referenceSlot.Load()
}

// HealthyCount returns the number of endpoints currently judged healthy.
func (c *Checker) HealthyCount() int {
	count := 0
	for _, ep := range c.endpoints {
		if ep.healthy.Load() {
			count++
		}
	}
	return count
}

// EndpointStatus returns the status of all endpoints.
func (c *Checker) EndpointStatus() []EndpointInfo {
	infos := make([]EndpointInfo, len(c.endpoints))
	for i, ep := range c.endpoints {
		infos[i] = EndpointInfo{
			URL:       ep.url,
			Healthy:   ep.healthy.Load(),
			Slot:      ep.lastSlot.Load(),
			LastCheck: time.Unix(0, ep.lastCheck.Load()),
			FailCount: int(ep.failCount.Load()),
		}
	}
	return infos
}

// EndpointInfo contains status information about an endpoint.
type EndpointInfo struct {
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	Slot      uint64    `json:"slot"`
	LastCheck time.Time `json:"lastCheck"`
	FailCount int       `json:"failCount"`
}
