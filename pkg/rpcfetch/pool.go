package rpcfetch

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Endpoint represents an RPC endpoint with health tracking.
type Endpoint struct {
	URL         string
	Healthy     bool
	LastError   error
	LastSuccess time.Time
	Latency     time.Duration
}

// Pool defines the interface for an RPC endpoint pool.
type Pool interface {
	// GetEndpoint returns a healthy endpoint for making requests.
	// Returns an error if no endpoints are configured.
	GetEndpoint(ctx context.Context) (*Endpoint, error)

	// MarkUnhealthy marks an endpoint as unhealthy after a failed request.
	MarkUnhealthy(url string, err error)

	// MarkHealthy marks an endpoint as healthy after a successful request.
	MarkHealthy(url string, latency time.Duration)

	// GetHealthyCount returns the number of currently healthy endpoints.
	GetHealthyCount() int
}

// SimplePool selects endpoints round-robin, skipping ones marked unhealthy.
// When every endpoint is unhealthy it still hands out the first one so a
// recovered upstream is picked up again on the next success.
type SimplePool struct {
	endpoints []*Endpoint
	mu        sync.RWMutex
	idx       int
}

// NewSimplePool creates a new SimplePool with the given endpoints.
func NewSimplePool(urls []string) *SimplePool {
	endpoints := make([]*Endpoint, 0, len(urls))
	for _, url := range urls {
		endpoints = append(endpoints, &Endpoint{URL: url, Healthy: true})
	}
	return &SimplePool{endpoints: endpoints}
}

// ParseEndpoints splits a comma separated endpoint list, dropping blanks.
func ParseEndpoints(list string) []string {
	var urls []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

// GetEndpoint returns the next available healthy endpoint using round-robin.
// The returned value is a snapshot; health updates go through Mark*.
func (p *SimplePool) GetEndpoint(ctx context.Context) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.idx + i) % len(p.endpoints)
		if ep := p.endpoints[idx]; ep.Healthy {
			p.idx = (idx + 1) % len(p.endpoints)
			snapshot := *ep
			return &snapshot, nil
		}
	}

	snapshot := *p.endpoints[0]
	return &snapshot, nil
}

// MarkUnhealthy marks an endpoint as unhealthy.
func (p *SimplePool) MarkUnhealthy(url string, err error) {
	p.update(url, func(ep *Endpoint) {
		ep.Healthy = false
		ep.LastError = err
	})
}

// MarkHealthy marks an endpoint as healthy.
func (p *SimplePool) MarkHealthy(url string, latency time.Duration) {
	p.update(url, func(ep *Endpoint) {
		ep.Healthy = true
		ep.LastSuccess = time.Now()
		ep.Latency = latency
		ep.LastError = nil
	})
}

func (p *SimplePool) update(url string, fn func(*Endpoint)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL == url {
			fn(ep)
			return
		}
	}
}

// GetHealthyCount returns the number of healthy endpoints.
func (p *SimplePool) GetHealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}
