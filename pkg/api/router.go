/*
Package api implements the gateway's external HTTP surface (spec §6):
agent listing/control, invocation, status/result polling, progress
reporting, artifact access, execution history, and audit retrieval.
*/
package api

import (
	"net/http"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/egress"
	"github.com/agentsystems/control-plane-gateway/pkg/engine"
	"github.com/agentsystems/control-plane-gateway/pkg/hostadapter"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/reaper"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/gorilla/mux"
)

// Server holds every component the HTTP handlers call into.
type Server struct {
	registry      *registry.Registry
	engine        *engine.Engine
	reaper        *reaper.Reaper
	egress        *egress.Proxy
	adapter       hostadapter.Adapter
	artifactsRoot string
	router        *mux.Router
}

// NewServer builds the router and registers every route.
func NewServer(reg *registry.Registry, eng *engine.Engine, rp *reaper.Reaper, eg *egress.Proxy, adapter hostadapter.Adapter, artifactsRoot string) *Server {
	s := &Server{
		registry:      reg,
		engine:        eng,
		reaper:        rp,
		egress:        eg,
		adapter:       adapter,
		artifactsRoot: artifactsRoot,
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the root http.Handler, wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.router)
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/agents", s.handleListAgentsGet).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.handleListAgentsPost).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent}", s.handleAgentDetail).Methods(http.MethodGet)
	r.HandleFunc("/agents/{agent}/start", s.handleAgentStart).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent}/stop", s.handleAgentStop).Methods(http.MethodPost)

	r.HandleFunc("/invoke/{agent}", s.handleInvoke).Methods(http.MethodPost)
	r.HandleFunc("/status/{thread_id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/result/{thread_id}", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/progress/{thread_id}", s.handleProgress).Methods(http.MethodPost)

	r.HandleFunc("/artifacts/{thread_id}", s.handleListArtifacts).Methods(http.MethodGet)
	r.HandleFunc("/artifacts/{thread_id}/{file_path:.+}", s.handleDownloadArtifact).Methods(http.MethodGet)

	r.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{thread_id}/audit", s.handleAuditForThread).Methods(http.MethodGet)

	r.HandleFunc("/debug/egress-allowlist", s.handleEgressAllowlist).Methods(http.MethodGet)
	r.HandleFunc("/egress", s.handleEgressHTTP).Methods(http.MethodPost)
	r.HandleFunc("/audit/integrity-check", s.handleAuditIntegrityCheck).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
