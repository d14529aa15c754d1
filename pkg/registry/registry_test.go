package registry

import (
	"context"
	"testing"

	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

type fakeAdapter struct {
	snapshot     []hostadapter.ContainerInfo
	startCalls   []string
	startErr     error
	afterStart   []hostadapter.ContainerInfo
}

func (f *fakeAdapter) Snapshot(ctx context.Context) ([]hostadapter.ContainerInfo, error) {
	if len(f.startCalls) > 0 && f.afterStart != nil {
		return f.afterStart, nil
	}
	return f.snapshot, nil
}

func (f *fakeAdapter) Start(ctx context.Context, name string) error {
	f.startCalls = append(f.startCalls, name)
	return f.startErr
}

func (f *fakeAdapter) Stop(ctx context.Context, name string) error { return nil }

func (f *fakeAdapter) Logs(ctx context.Context, name string, tail int) (string, error) {
	return "", nil
}

func TestRefreshPopulatesRunningAndIPMap(t *testing.T) {
	adapter := &fakeAdapter{
		snapshot: []hostadapter.ContainerInfo{
			{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.5", Port: "8000"},
			{ServiceName: "other", Status: "not-created"},
		},
	}
	reg := New(adapter, map[string]types.AgentPolicy{"demo": {}, "other": {}})

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	view, ok := reg.Get("demo")
	if !ok || view.State != types.AgentStateRunning {
		t.Fatalf("expected demo running, got %+v ok=%v", view, ok)
	}

	name, ok := reg.NameForIP("10.0.0.5")
	if !ok || name != "demo" {
		t.Fatalf("NameForIP(10.0.0.5) = %q, %v", name, ok)
	}

	otherView, ok := reg.Get("other")
	if !ok || otherView.State != types.AgentStateStopped {
		t.Fatalf("expected other stopped, got %+v ok=%v", otherView, ok)
	}
}

func TestEnsureRunningStartsAndPolls(t *testing.T) {
	adapter := &fakeAdapter{
		snapshot: nil,
		afterStart: []hostadapter.ContainerInfo{
			{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.5", Port: "8000"},
		},
	}
	reg := New(adapter, map[string]types.AgentPolicy{"demo": {}})

	if err := reg.EnsureRunning(context.Background(), "demo"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	if len(adapter.startCalls) != 1 || adapter.startCalls[0] != "demo" {
		t.Fatalf("expected exactly one Start(demo) call, got %v", adapter.startCalls)
	}

	view, ok := reg.Get("demo")
	if !ok || view.State != types.AgentStateRunning {
		t.Fatalf("expected demo running after ensure, got %+v", view)
	}
}

func TestEnsureRunningUnknownAgent(t *testing.T) {
	adapter := &fakeAdapter{}
	reg := New(adapter, map[string]types.AgentPolicy{})

	if err := reg.EnsureRunning(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unconfigured, never-seen agent")
	}
}

func TestCountByState(t *testing.T) {
	adapter := &fakeAdapter{
		snapshot: []hostadapter.ContainerInfo{
			{ServiceName: "demo", Status: "running", PrimaryIP: "10.0.0.5"},
		},
	}
	reg := New(adapter, map[string]types.AgentPolicy{"demo": {}, "idle": {}})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	running, stopped := reg.CountByState()
	if running != 1 || stopped != 1 {
		t.Fatalf("CountByState() = (%d, %d), want (1, 1)", running, stopped)
	}
}
