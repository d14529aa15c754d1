/*
Package registry implements the Agent Registry (spec §4.2): an in-memory
view of configured and running agents, refreshed periodically from the
Container Host Adapter, with a bounded-polling EnsureRunning that replaces
the fixed-sleep-then-hope pattern of the prior implementation.
*/
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

const (
	refreshInterval   = 5 * time.Second
	ensurePollInterval = 500 * time.Millisecond
	ensureDeadline     = 30 * time.Second
)

// Registry tracks the set of configured agents and their observed runtime
// state. All exported methods are safe for concurrent use.
type Registry struct {
	adapter hostadapter.Adapter

	mu        sync.RWMutex
	running   map[string]hostadapter.ContainerInfo
	ipToName  map[string]string
	configured map[string]types.AgentPolicy
}

// New builds a Registry with the given adapter and initial configured set.
func New(adapter hostadapter.Adapter, configured map[string]types.AgentPolicy) *Registry {
	return &Registry{
		adapter:    adapter,
		running:    make(map[string]hostadapter.ContainerInfo),
		ipToName:   make(map[string]string),
		configured: configured,
	}
}

// SetConfigured replaces the configured-agent set, e.g. after a config
// reload. Does not touch the observed running set.
func (r *Registry) SetConfigured(configured map[string]types.AgentPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured = configured
}

// Refresh performs a single Snapshot call against the host adapter and
// replaces the running/ipToName maps atomically.
func (r *Registry) Refresh(ctx context.Context) error {
	infos, err := r.adapter.Snapshot(ctx)
	if err != nil {
		return err
	}

	running := make(map[string]hostadapter.ContainerInfo, len(infos))
	ipToName := make(map[string]string, len(infos))
	for _, info := range infos {
		if info.Status != "running" {
			continue
		}
		running[info.ServiceName] = info
		if info.PrimaryIP != "" {
			ipToName[info.PrimaryIP] = info.ServiceName
		}
	}

	r.mu.Lock()
	r.running = running
	r.ipToName = ipToName
	r.mu.Unlock()
	return nil
}

// Run launches the periodic refresh loop until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
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

// tick runs one refresh, isolating the loop from a panic in the Adapter so a
// single bad snapshot cannot kill the background task.
func (r *Registry) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn(fmt.Sprintf("registry: refresh panicked: %v", rec))
		}
	}()
	if err := r.Refresh(ctx); err != nil {
		log.Warn(fmt.Sprintf("registry: refresh failed: %v", err))
	}
}

// State describes which agent set List should return.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateAll     State = "all"
)

// AgentView is a read-only projection of an agent's known state.
type AgentView struct {
	Name        string
	State       types.AgentState
	ContainerIP string
	Port        string
}

// List returns agents matching the requested state filter. "stopped"
// means configured but not currently observed running.
func (r *Registry) List(state State) []AgentView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	views := make([]AgentView, 0, len(r.configured)+len(r.running))

	for name, info := range r.running {
		seen[name] = true
		if state == StateStopped {
			continue
		}
		views = append(views, AgentView{Name: name, State: types.AgentStateRunning, ContainerIP: info.PrimaryIP, Port: info.Port})
	}

	if state == StateRunning {
		return views
	}

	for name := range r.configured {
		if seen[name] {
			continue
		}
		views = append(views, AgentView{Name: name, State: types.AgentStateStopped})
	}
	return views
}

// Get returns the current view of a single agent by name.
func (r *Registry) Get(name string) (AgentView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.running[name]; ok {
		return AgentView{Name: name, State: types.AgentStateRunning, ContainerIP: info.PrimaryIP, Port: info.Port}, true
	}
	if _, ok := r.configured[name]; ok {
		return AgentView{Name: name, State: types.AgentStateStopped}, true
	}
	return AgentView{}, false
}

// Policy returns the configured policy for an agent, if any.
func (r *Registry) Policy(name string) (types.AgentPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.configured[name]
	return p, ok
}

// NameForIP resolves a peer IP address to the owning agent's name, used by
// the egress proxy to identify the calling agent from its connection.
func (r *Registry) NameForIP(ip string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.ipToName[ip]
	return name, ok
}

// CountByState satisfies metrics.AgentCounter.
func (r *Registry) CountByState() (running, stopped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	running = len(r.running)
	for name := range r.configured {
		if _, ok := r.running[name]; !ok {
			stopped++
		}
	}
	return running, stopped
}

// EnsureRunning starts the agent's container if needed and polls at
// ensurePollInterval until it is observed running or ensureDeadline
// elapses. Replaces a fixed sleep-then-hope with a bounded wait that
// returns as soon as the container is actually ready.
func (r *Registry) EnsureRunning(ctx context.Context, name string) error {
	view, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", gatewayerr.ErrAgentNotFound, name)
	}
	if view.State == types.AgentStateRunning {
		return nil
	}

	if err := r.adapter.Start(ctx, name); err != nil {
		return fmt.Errorf("%w: start %s: %v", gatewayerr.ErrHostUnavailable, name, err)
	}

	deadline := time.Now().Add(ensureDeadline)
	ticker := time.NewTicker(ensurePollInterval)
	defer ticker.Stop()

	for {
		if err := r.Refresh(ctx); err != nil {
			log.Warn(fmt.Sprintf("registry: refresh during ensure-running failed: %v", err))
		}
		if view, ok := r.Get(name); ok && view.State == types.AgentStateRunning {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not become ready within %s", gatewayerr.ErrHostUnavailable, name, ensureDeadline)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
