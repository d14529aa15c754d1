/*
Package hostadapter implements the Container Host Adapter (spec §4.1) over
a containerd socket: a single cheap labeled-listing snapshot, idempotent
start/stop with SIGTERM-then-SIGKILL, and label-derived IP/port discovery
instead of a per-container network-namespace inspect.
*/
package hostadapter

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"

	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
)

const (
	// LabelEnabled marks a container as agent-managed.
	LabelEnabled = "agent.enabled"
	// LabelIP carries the container's address on the agent-internal network.
	LabelIP = "agent.ip"
	// LabelPort carries the agent's listening port.
	LabelPort = "agent.port"
	// LabelService names the agent, mirroring com.docker.compose.service.
	LabelService = "com.docker.compose.service"

	stopGraceTimeout = 10 * time.Second
)

// ContainerInfo is one row of an Adapter snapshot.
type ContainerInfo struct {
	ServiceName string
	Status      string // containerd task status, or "not-created"
	PrimaryIP   string // empty if the container has no agent-internal address
	Port        string
	ID          string
}

// Adapter is the interface pkg/registry and pkg/reaper depend on, so tests
// can supply a fake without a real containerd socket.
type Adapter interface {
	Snapshot(ctx context.Context) ([]ContainerInfo, error)
	Start(ctx context.Context, serviceName string) error
	Stop(ctx context.Context, serviceName string) error
	Logs(ctx context.Context, serviceName string, tail int) (string, error)
}

// ContainerdAdapter is the production Adapter.
type ContainerdAdapter struct {
	client    *containerd.Client
	namespace string
}

// New connects to the containerd socket and returns an Adapter.
func New(socketPath, namespace string) (*ContainerdAdapter, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to containerd at %s: %v", gatewayerr.ErrHostUnavailable, socketPath, err)
	}
	return &ContainerdAdapter{client: client, namespace: namespace}, nil
}

// Close releases the containerd client connection.
func (a *ContainerdAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *ContainerdAdapter) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, a.namespace)
}

// Snapshot lists every agent-labeled container in one call and reads
// IP/port from labels rather than inspecting each container's network
// namespace, keeping the call O(1) per container regardless of task state.
func (a *ContainerdAdapter) Snapshot(ctx context.Context) ([]ContainerInfo, error) {
	nctx := a.ctx(ctx)
	containers, err := a.client.Containers(nctx, fmt.Sprintf(`labels.%q==true`, LabelEnabled))
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", gatewayerr.ErrHostUnavailable, err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(nctx)
		if err != nil {
			continue
		}

		name := labels[LabelService]
		if name == "" {
			name = c.ID()
		}

		status := "not-created"
		if task, err := c.Task(nctx, nil); err == nil {
			if st, err := task.Status(nctx); err == nil {
				status = string(st.Status)
			}
		}

		infos = append(infos, ContainerInfo{
			ServiceName: name,
			Status:      status,
			PrimaryIP:   labels[LabelIP],
			Port:        labels[LabelPort],
			ID:          c.ID(),
		})
	}
	return infos, nil
}

// Start is idempotent: it succeeds without action if the container already
// has a running task.
func (a *ContainerdAdapter) Start(ctx context.Context, serviceName string) error {
	nctx := a.ctx(ctx)
	c, err := a.findByService(nctx, serviceName)
	if err != nil {
		return err
	}

	if task, err := c.Task(nctx, nil); err == nil {
		if st, err := task.Status(nctx); err == nil && st.Status == containerd.Running {
			return nil
		}
	}

	task, err := c.NewTask(nctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("%w: create task for %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
	}
	if err := task.Start(nctx); err != nil {
		return fmt.Errorf("%w: start task for %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
	}
	return nil
}

// Stop sends SIGTERM, waits up to stopGraceTimeout, then SIGKILLs.
func (a *ContainerdAdapter) Stop(ctx context.Context, serviceName string) error {
	nctx := a.ctx(ctx)
	c, err := a.findByService(nctx, serviceName)
	if err != nil {
		return err
	}

	task, err := c.Task(nctx, nil)
	if err != nil {
		// No task: already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(nctx, stopGraceTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: SIGTERM %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("%w: wait for %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(nctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("%w: SIGKILL %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
		}
	}

	if _, err := task.Delete(nctx); err != nil {
		return fmt.Errorf("%w: delete task for %s: %v", gatewayerr.ErrHostUnavailable, serviceName, err)
	}
	return nil
}

// Logs is used only by glue (not part of the core's tested surface).
func (a *ContainerdAdapter) Logs(ctx context.Context, serviceName string, tail int) (string, error) {
	return "", fmt.Errorf("%w: log retrieval not implemented", gatewayerr.ErrInternal)
}

func (a *ContainerdAdapter) findByService(ctx context.Context, serviceName string) (containerd.Container, error) {
	containers, err := a.client.Containers(ctx, fmt.Sprintf(`labels.%q==true`, LabelEnabled))
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", gatewayerr.ErrHostUnavailable, err)
	}
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		name := labels[LabelService]
		if name == "" {
			name = c.ID()
		}
		if name == serviceName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: agent %s", gatewayerr.ErrAgentNotFound, serviceName)
}
