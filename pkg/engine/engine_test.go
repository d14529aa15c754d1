package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/agentsystems/control-plane-gateway/pkg/store"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
)

type fakeAdapter struct {
	info hostadapter.ContainerInfo
}

func (f *fakeAdapter) Snapshot(ctx context.Context) ([]hostadapter.ContainerInfo, error) {
	return []hostadapter.ContainerInfo{f.info}, nil
}
func (f *fakeAdapter) Start(ctx context.Context, name string) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context, name string) error  { return nil }
func (f *fakeAdapter) Logs(ctx context.Context, name string, tail int) (string, error) {
	return "", nil
}

func newTestEngine(t *testing.T, upstream *httptest.Server) (*Engine, *registry.Registry) {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{info: hostadapter.ContainerInfo{
		ServiceName: "demo", Status: "running", PrimaryIP: host, Port: port,
	}}
	reg := registry.New(adapter, map[string]types.AgentPolicy{"demo": {}})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	eng := New(reg, store.NewMemStore(), t.TempDir(), 10<<20)
	return eng, reg
}

func TestInvokeSyncSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer": 42}`))
	}))
	defer upstream.Close()

	eng, _ := newTestEngine(t, upstream)

	result, err := eng.Invoke(context.Background(), InvokeRequest{
		Agent:     "demo",
		UserToken: "Bearer tok",
		Payload:   map[string]interface{}{"question": "life"},
		Sync:      true,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		t.Fatalf("unmarshal result body: %v", err)
	}
	if body["answer"].(float64) != 42 {
		t.Fatalf("unexpected answer: %v", body["answer"])
	}
	if body["thread_id"] != result.ThreadID {
		t.Fatal("expected thread_id to be stitched into the sync response")
	}
}

func TestInvokeMissingBearerToken(t *testing.T) {
	eng, _ := newTestEngine(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	_, err := eng.Invoke(context.Background(), InvokeRequest{Agent: "demo", Payload: map[string]interface{}{}})
	if err == nil {
		t.Fatal("expected error for missing bearer token")
	}
}

func TestInvokeAsyncReturnsHandleAndJobIsQueryable(t *testing.T) {
	done := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
		close(done)
	}))
	defer upstream.Close()

	eng, _ := newTestEngine(t, upstream)

	result, err := eng.Invoke(context.Background(), InvokeRequest{
		Agent:     "demo",
		UserToken: "Bearer tok",
		Payload:   map[string]interface{}{},
		Sync:      false,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.StatusURL == "" || result.ResultURL == "" {
		t.Fatal("async invoke must return status/result URLs")
	}

	<-done

	var job *types.InvocationJob
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err = eng.Status(context.Background(), result.ThreadID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.State == types.JobCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.State != types.JobCompleted {
		t.Fatalf("expected job to complete, got state %q", job.State)
	}
}
