/*
Package gateway wires every component into a single GatewayState and runs
them together under one errgroup, replacing the module-level globals the
teacher's process used with one explicit value (spec §9).
*/
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/config"
	"github.com/agentsystems/control-plane-gateway/pkg/egress"
	"github.com/agentsystems/control-plane-gateway/pkg/engine"
	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/reaper"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/agentsystems/control-plane-gateway/pkg/store"
	apipkg "github.com/agentsystems/control-plane-gateway/pkg/api"
	"golang.org/x/sync/errgroup"
)

const (
	pgConnectAttempts = 10
	shutdownTimeout   = 15 * time.Second
)

// GatewayState holds every wired component for one running gateway
// process. Constructed once at startup and handed to Run.
type GatewayState struct {
	Env      config.Env
	Store    store.Store
	Adapter  *hostadapter.ContainerdAdapter
	Registry *registry.Registry
	Engine   *engine.Engine
	Reaper   *reaper.Reaper
	Egress   *egress.Proxy
	API      *apipkg.Server
	metrics  *metrics.Collector
}

// Build connects to every backing system and assembles a GatewayState.
// A database that cannot be reached within the retry budget falls back to
// an in-memory store rather than failing startup; jobs and the audit chain
// are then kept in process memory only.
func Build(ctx context.Context, env config.Env) (*GatewayState, error) {
	snapshot, err := config.Load(env.ConfigPath, env.GlobalIdleTimeoutMin)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var st store.Store
	pg, err := store.Connect(ctx, env.DSN(), pgConnectAttempts)
	if err != nil {
		log.Warn(fmt.Sprintf("audit database unreachable, falling back to in-memory store: %v", err))
		st = store.NewMemStore()
		metrics.StoreFallbackActive.Set(1)
		metrics.UpdateComponent("store", true, "in-memory fallback")
	} else {
		st = pg
		metrics.UpdateComponent("store", true, "")
	}

	adapter, err := hostadapter.New(env.ContainerdSocket, env.ContainerdNamespace)
	if err != nil {
		metrics.UpdateComponent("hostadapter", false, err.Error())
		return nil, fmt.Errorf("connect to container host: %w", err)
	}
	metrics.UpdateComponent("hostadapter", true, "")

	reg := registry.New(adapter, snapshot.Agents)
	if err := reg.Refresh(ctx); err != nil {
		log.Warn(fmt.Sprintf("initial registry refresh failed: %v", err))
	}

	eng := engine.New(reg, st, env.ArtifactsRoot, env.MaxUploadBytes)
	rp := reaper.New(adapter, reg, env.GlobalIdleTimeoutMin)

	eg := egress.New(reg, fmt.Sprintf("0.0.0.0:%d", env.ProxyPort))
	allowlist := make(map[string][]string, len(snapshot.Agents))
	for name, policy := range snapshot.Agents {
		allowlist[name] = policy.EgressAllowlist
	}
	eg.SetAllowlist(allowlist)

	apiServer := apipkg.NewServer(reg, eng, rp, eg, adapter, env.ArtifactsRoot)
	metrics.UpdateComponent("api", true, "")

	collector := metrics.NewCollector(reg)

	return &GatewayState{
		Env:      env,
		Store:    st,
		Adapter:  adapter,
		Registry: reg,
		Engine:   eng,
		Reaper:   rp,
		Egress:   eg,
		API:      apiServer,
		metrics:  collector,
	}, nil
}

// Run launches every background loop and the HTTP listeners, blocking
// until ctx is canceled or a component fails. A failure in one loop
// cancels the rest via the errgroup's shared context.
func (g *GatewayState) Run(ctx context.Context) error {
	grp, gctx := errgroup.WithContext(ctx)

	g.metrics.Start(gctx)
	defer g.metrics.Stop()

	grp.Go(func() error { return g.Registry.Run(gctx) })
	grp.Go(func() error { return g.Reaper.Run(gctx) })
	grp.Go(func() error { return g.Egress.Run(gctx) })

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", g.Env.APIPort),
		Handler: g.API.Handler(),
	}
	grp.Go(func() error {
		log.Info(fmt.Sprintf("API listening on %s", apiSrv.Addr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	return grp.Wait()
}

// Close releases backing connections. Call after Run returns.
func (g *GatewayState) Close() {
	if err := g.Store.Close(); err != nil {
		log.Warn(fmt.Sprintf("error closing store: %v", err))
	}
	if err := g.Adapter.Close(); err != nil {
		log.Warn(fmt.Sprintf("error closing containerd client: %v", err))
	}
}
