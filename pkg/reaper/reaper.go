/*
Package reaper implements the Lifecycle Reaper (spec §4.6): a background
loop that stops agent containers that have been idle past their configured
timeout, tracking per-agent last-activity timestamps in memory.
*/
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
)

const checkInterval = 60 * time.Second

// Reaper tracks last-activity timestamps and stops containers idle past
// their configured timeout.
type Reaper struct {
	adapter  hostadapter.Adapter
	registry *registry.Registry

	defaultTimeoutMin int

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// New builds a Reaper with the global default idle timeout used for agents
// whose config carries no explicit idle_timeout.
func New(adapter hostadapter.Adapter, reg *registry.Registry, defaultTimeoutMin int) *Reaper {
	return &Reaper{
		adapter:           adapter,
		registry:          reg,
		defaultTimeoutMin: defaultTimeoutMin,
		lastSeen:          make(map[string]time.Time),
	}
}

// RecordActivity marks an agent as just-invoked, resetting its idle clock.
func (r *Reaper) RecordActivity(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[agent] = time.Now().UTC()
}

// ClearActivity removes an agent's last-seen entry, used when it is
// stopped manually via the API so it isn't immediately re-flagged as idle.
func (r *Reaper) ClearActivity(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSeen, agent)
}

func (r *Reaper) snapshot() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]time.Time, len(r.lastSeen))
	for k, v := range r.lastSeen {
		cp[k] = v
	}
	return cp
}

// Run launches the periodic idle-check loop until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one idle check, isolating the loop from a panic so a single bad
// stop call cannot kill the background task.
func (r *Reaper) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn(fmt.Sprintf("reaper: check panicked: %v", rec))
		}
	}()
	r.checkIdle(ctx)
}

func (r *Reaper) checkIdle(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.ReaperCycleDuration.Observe(time.Since(start).Seconds()) }()

	now := time.Now().UTC()
	for _, view := range r.registry.List(registry.StateRunning) {
		lastActivity, ok := r.snapshot()[view.Name]
		if !ok {
			continue
		}

		policy, hasPolicy := r.registry.Policy(view.Name)
		timeoutMin := r.defaultTimeout()
		if hasPolicy && policy.HasIdleTimeout {
			timeoutMin = policy.IdleTimeoutMin
		}

		idle := now.Sub(lastActivity)
		if idle < time.Duration(timeoutMin)*time.Minute {
			continue
		}

		if err := r.adapter.Stop(ctx, view.Name); err != nil {
			log.Warn(fmt.Sprintf("reaper: stop %s failed: %v", view.Name, err))
			continue
		}

		log.Info(fmt.Sprintf("reaper: stopped idle agent %s after %s", view.Name, idle.Round(time.Second)))
		metrics.ReaperStopsTotal.WithLabelValues(view.Name).Inc()

		// Clear the activity clock inline so a newly-reused but still-idle
		// entry can't immediately re-trigger a stop before the next refresh.
		r.ClearActivity(view.Name)

		if err := r.registry.Refresh(ctx); err != nil {
			log.Warn(fmt.Sprintf("reaper: refresh after stopping %s failed: %v", view.Name, err))
		}
	}
}

func (r *Reaper) defaultTimeout() int {
	return r.defaultTimeoutMin
}
