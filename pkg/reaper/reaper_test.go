package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

type fakeAdapter struct {
	stopped []string
	infos   []hostadapter.ContainerInfo
}

func (f *fakeAdapter) Snapshot(ctx context.Context) ([]hostadapter.ContainerInfo, error) {
	return f.infos, nil
}
func (f *fakeAdapter) Start(ctx context.Context, name string) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	for i, info := range f.infos {
		if info.ServiceName == name {
			f.infos = append(f.infos[:i], f.infos[i+1:]...)
			break
		}
	}
	return nil
}
func (f *fakeAdapter) Logs(ctx context.Context, name string, tail int) (string, error) {
	return "", nil
}

func TestCheckIdleStopsAgentsPastTimeout(t *testing.T) {
	adapter := &fakeAdapter{infos: []hostadapter.ContainerInfo{
		{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.1"},
	}}
	reg := registry.New(adapter, map[string]types.AgentPolicy{"demo": {}})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := New(adapter, reg, 15)
	r.mu.Lock()
	r.lastSeen["demo"] = time.Now().UTC().Add(-20 * time.Minute)
	r.mu.Unlock()

	r.checkIdle(context.Background())

	if len(adapter.stopped) != 1 || adapter.stopped[0] != "demo" {
		t.Fatalf("expected demo to be stopped, got %v", adapter.stopped)
	}

	r.mu.Lock()
	_, stillTracked := r.lastSeen["demo"]
	r.mu.Unlock()
	if stillTracked {
		t.Fatal("expected last-seen entry to be cleared after a successful reap")
	}
}

func TestCheckIdleSkipsAgentsWithinTimeout(t *testing.T) {
	adapter := &fakeAdapter{infos: []hostadapter.ContainerInfo{
		{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.1"},
	}}
	reg := registry.New(adapter, map[string]types.AgentPolicy{"demo": {}})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := New(adapter, reg, 15)
	r.RecordActivity("demo")

	r.checkIdle(context.Background())

	if len(adapter.stopped) != 0 {
		t.Fatalf("expected no stops for recently active agent, got %v", adapter.stopped)
	}
}

func TestCheckIdleIgnoresNeverInvokedAgents(t *testing.T) {
	adapter := &fakeAdapter{infos: []hostadapter.ContainerInfo{
		{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.1"},
	}}
	reg := registry.New(adapter, map[string]types.AgentPolicy{"demo": {}})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	r := New(adapter, reg, 15)
	r.checkIdle(context.Background())

	if len(adapter.stopped) != 0 {
		t.Fatal("agents never recorded active must never be stopped")
	}
}
