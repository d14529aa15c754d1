package metrics

import (
	"context"
	"time"
)

// AgentCounter is satisfied by the Agent Registry; the collector depends on
// this narrow interface instead of importing pkg/registry directly so that
// metrics has no dependency on the component it observes.
type AgentCounter interface {
	CountByState() (running, stopped int)
}

// Collector periodically samples registry size into the gauges declared in
// metrics.go. Invocation and egress counters are updated inline by their
// owning packages (pkg/engine, pkg/egress) as events happen; this collector
// only handles values that must be polled.
type Collector struct {
	registry AgentCounter
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector over the given registry.
func NewCollector(registry AgentCounter) *Collector {
	return &Collector{
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s cadence.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.registry == nil {
		return
	}
	running, stopped := c.registry.CountByState()
	AgentsTotal.WithLabelValues("running").Set(float64(running))
	AgentsTotal.WithLabelValues("stopped").Set(float64(stopped))
}
