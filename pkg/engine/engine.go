/*
Package engine implements the Invocation Engine (spec §4.5): forwards
agent invocation requests synchronously or asynchronously, persists job
state transitions, stages uploaded artifacts, and appends audit entries
for every request/response pair.
*/
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/agentsystems/control-plane-gateway/pkg/store"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"github.com/google/uuid"
)

const invokeTimeout = 2 * time.Hour

// UploadedFile is one multipart file part staged alongside a JSON payload.
type UploadedFile struct {
	Filename string
	Data     []byte
}

// InvokeRequest is the parsed, normalized form of an incoming invocation,
// produced by pkg/api from either a JSON or multipart/form-data body.
type InvokeRequest struct {
	Agent     string
	UserToken string
	Payload   map[string]interface{}
	Files     []UploadedFile
	Sync      bool
}

// InvokeResult is what pkg/api returns to the caller for a sync invocation,
// or the handle returned immediately for an async one.
type InvokeResult struct {
	ThreadID  string          `json:"thread_id"`
	StatusURL string          `json:"status_url,omitempty"`
	ResultURL string          `json:"result_url,omitempty"`
	Body      json.RawMessage `json:"-"`
}

// Engine wires together the registry, job store, artifact root, and an
// HTTP client used to forward invocations to agent containers.
type Engine struct {
	registry      *registry.Registry
	store         store.Store
	artifactsRoot string
	maxUploadSize int64
	client        *http.Client
}

// New builds an Engine.
func New(reg *registry.Registry, st store.Store, artifactsRoot string, maxUploadSize int64) *Engine {
	return &Engine{
		registry:      reg,
		store:         st,
		artifactsRoot: artifactsRoot,
		maxUploadSize: maxUploadSize,
		client:        &http.Client{Timeout: invokeTimeout},
	}
}

// Invoke runs the full request lifecycle: ensure the agent is running,
// persist the queued job and its audit "request" entry, stage any
// uploaded files, then forward the call either inline (sync) or via a
// background goroutine (async, the default).
func (e *Engine) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if err := e.registry.Refresh(ctx); err != nil {
		log.Warn(fmt.Sprintf("engine: registry refresh before invoke failed: %v", err))
	}
	if err := e.registry.EnsureRunning(ctx, req.Agent); err != nil {
		return nil, fmt.Errorf("%w: %v", gatewayerr.ErrAgentNotFound, err)
	}

	if !strings.HasPrefix(req.UserToken, "Bearer ") {
		return nil, fmt.Errorf("%w: missing bearer token", gatewayerr.ErrBadRequest)
	}

	threadID := uuid.NewString()
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", gatewayerr.ErrBadRequest, err)
	}

	job := &types.InvocationJob{
		ThreadID:  threadID,
		Agent:     req.Agent,
		UserToken: req.UserToken,
		State:     types.JobQueued,
		CreatedAt: time.Now().UTC(),
		Payload:   payloadJSON,
	}
	if err := e.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	e.auditRequest(ctx, req.UserToken, threadID, req.Agent, payloadJSON)

	if err := e.stageArtifacts(threadID, req.Files); err != nil {
		return nil, err
	}

	if req.Sync {
		body, err := e.runInline(ctx, job, req)
		if err != nil {
			return nil, err
		}
		return &InvokeResult{ThreadID: threadID, Body: body}, nil
	}

	go e.runAsync(context.Background(), job, req)

	return &InvokeResult{
		ThreadID:  threadID,
		StatusURL: fmt.Sprintf("/status/%s", threadID),
		ResultURL: fmt.Sprintf("/result/%s", threadID),
	}, nil
}

func (e *Engine) runInline(ctx context.Context, job *types.InvocationJob, req InvokeRequest) (json.RawMessage, error) {
	e.markRunning(ctx, job)

	timer := metrics.NewTimer()
	status, body, err := e.forward(ctx, job, req)
	outcome := "completed"
	if err != nil || status >= 400 || body == nil {
		outcome = "failed"
	}
	timer.ObserveDurationVec(metrics.InvocationDuration, req.Agent, outcome)
	metrics.InvocationsTotal.WithLabelValues(req.Agent, outcome).Inc()

	if err != nil {
		e.markFailed(ctx, job, 500, "", err.Error())
		e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, 500, nil, err.Error())
		return nil, fmt.Errorf("%w: %v", gatewayerr.ErrUpstreamFailure, err)
	}
	if status >= 400 || body == nil {
		msg := fmt.Sprintf("agent returned status %d", status)
		if status < 400 {
			msg = "agent returned a non-JSON body"
		}
		e.markFailed(ctx, job, status, string(body), msg)
		e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, status, nil, msg)
		return nil, fmt.Errorf("%w: %s", gatewayerr.ErrUpstreamFailure, msg)
	}

	e.markCompleted(ctx, job, body)
	e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, status, body, "")
	return withThreadID(body, job.ThreadID), nil
}

func (e *Engine) runAsync(ctx context.Context, job *types.InvocationJob, req InvokeRequest) {
	e.markRunning(ctx, job)

	timer := metrics.NewTimer()
	status, body, err := e.forward(ctx, job, req)
	outcome := "completed"
	if err != nil || status >= 400 || body == nil {
		outcome = "failed"
	}
	timer.ObserveDurationVec(metrics.InvocationDuration, req.Agent, outcome)
	metrics.InvocationsTotal.WithLabelValues(req.Agent, outcome).Inc()

	if err != nil {
		e.markFailed(ctx, job, 500, "", err.Error())
		e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, 500, nil, err.Error())
		return
	}
	if status >= 400 || body == nil {
		msg := "agent returned non-JSON or error status"
		if status == http.StatusForbidden {
			msg = "agent attempted outbound request to non-allowlisted URL"
		}
		e.markFailed(ctx, job, status, string(body), msg)
		e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, status, nil, msg)
		return
	}

	e.markCompleted(ctx, job, body)
	e.auditResponse(ctx, req.UserToken, job.ThreadID, req.Agent, status, body, "")
}

func (e *Engine) forward(ctx context.Context, job *types.InvocationJob, req InvokeRequest) (int, json.RawMessage, error) {
	view, ok := e.registry.Get(req.Agent)
	if !ok {
		return 0, nil, fmt.Errorf("%w: no known address for %s", gatewayerr.ErrHostUnavailable, req.Agent)
	}
	host := view.ContainerIP
	if host == "" {
		host = req.Agent
	}

	port := view.Port
	if port == "" {
		port = "8000"
	}
	url := fmt.Sprintf("http://%s:%s/invoke", host, port)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Thread-Id", job.ThreadID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	if !json.Valid(raw) {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, json.RawMessage(raw), nil
}

func withThreadID(body json.RawMessage, threadID string) json.RawMessage {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		obj = map[string]interface{}{}
	}
	if _, ok := obj["thread_id"]; !ok {
		obj["thread_id"] = threadID
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}

func (e *Engine) markRunning(ctx context.Context, job *types.InvocationJob) {
	now := time.Now().UTC()
	job.State = types.JobRunning
	job.StartedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Warn(fmt.Sprintf("engine: update job %s to running failed: %v", job.ThreadID, err))
	}
}

func (e *Engine) markCompleted(ctx context.Context, job *types.InvocationJob, result json.RawMessage) {
	now := time.Now().UTC()
	job.State = types.JobCompleted
	job.EndedAt = &now
	job.Result = result
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Warn(fmt.Sprintf("engine: update job %s to completed failed: %v", job.ThreadID, err))
	}
}

func (e *Engine) markFailed(ctx context.Context, job *types.InvocationJob, status int, body, message string) {
	now := time.Now().UTC()
	job.State = types.JobFailed
	job.EndedAt = &now
	job.Error = &types.JobError{Status: status, Body: truncate(body, 500), Message: message}
	if err := e.store.UpdateJob(ctx, job); err != nil {
		log.Warn(fmt.Sprintf("engine: update job %s to failed failed: %v", job.ThreadID, err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *Engine) auditRequest(ctx context.Context, userToken, threadID, agent string, payload json.RawMessage) {
	err := e.store.AppendAudit(ctx, &types.AuditEntry{
		UserToken:  userToken,
		ThreadID:   threadID,
		Actor:      "gateway",
		Action:     types.AuditInvokeRequest,
		Resource:   fmt.Sprintf("%s/invoke", agent),
		StatusCode: 0,
		Payload:    payload,
	})
	if err != nil {
		metrics.AuditInsertFailuresTotal.Inc()
		log.Warn(fmt.Sprintf("engine: audit invoke_request failed for %s: %v", threadID, err))
		return
	}
	metrics.AuditEntriesTotal.WithLabelValues(string(types.AuditInvokeRequest)).Inc()
}

func (e *Engine) auditResponse(ctx context.Context, userToken, threadID, agent string, statusCode int, payload json.RawMessage, errMsg string) {
	err := e.store.AppendAudit(ctx, &types.AuditEntry{
		UserToken:  userToken,
		ThreadID:   threadID,
		Actor:      agent,
		Action:     types.AuditInvokeResponse,
		Resource:   fmt.Sprintf("%s/invoke", agent),
		StatusCode: statusCode,
		Payload:    payload,
		ErrorMsg:   errMsg,
	})
	if err != nil {
		metrics.AuditInsertFailuresTotal.Inc()
		log.Warn(fmt.Sprintf("engine: audit invoke_response failed for %s: %v", threadID, err))
		return
	}
	metrics.AuditEntriesTotal.WithLabelValues(string(types.AuditInvokeResponse)).Inc()
}

// stageArtifacts writes uploaded files into <root>/<threadID>/in. Every file
// size is checked before anything is written, so an oversized upload leaves
// nothing on disk; otherwise the thread's in/out directories are created
// even for JSON-only invocations so agent containers can always write outputs.
func (e *Engine) stageArtifacts(threadID string, files []UploadedFile) error {
	for _, f := range files {
		name := filepath.Base(f.Filename)
		if name == "" || name == "." || name == ".." {
			continue
		}
		if int64(len(f.Data)) > e.maxUploadSize {
			return fmt.Errorf("%w: file %q exceeds upload limit", gatewayerr.ErrPayloadTooLarge, name)
		}
	}

	inDir := filepath.Join(e.artifactsRoot, threadID, "in")
	outDir := filepath.Join(e.artifactsRoot, threadID, "out")
	for _, dir := range []string{inDir, outDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("%w: create %s: %v", gatewayerr.ErrInternal, dir, err)
		}
	}

	for _, f := range files {
		name := filepath.Base(f.Filename)
		if name == "" || name == "." || name == ".." {
			continue
		}
		path := filepath.Join(inDir, name)
		if !strings.HasPrefix(path, inDir) {
			continue
		}
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return fmt.Errorf("%w: write %s: %v", gatewayerr.ErrInternal, path, err)
		}
	}
	return nil
}

// Status returns the lightweight polling view of a job.
func (e *Engine) Status(ctx context.Context, threadID string) (*types.InvocationJob, error) {
	return e.store.GetJob(ctx, threadID)
}

// Progress overwrites a job's progress field whatever its state, leaving the
// state unchanged; it is a write-through used by agent containers to report
// intermediate status.
func (e *Engine) Progress(ctx context.Context, threadID string, progress json.RawMessage) error {
	job, err := e.store.GetJob(ctx, threadID)
	if err != nil {
		return err
	}
	job.Progress = progress
	return e.store.UpdateJob(ctx, job)
}

// ListJobs exposes filtered execution history for the executions API.
func (e *Engine) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.InvocationJob, error) {
	return e.store.ListJobs(ctx, filter)
}

// AuditForThread returns the audit trail for a single invocation.
func (e *Engine) AuditForThread(ctx context.Context, threadID string) ([]*types.AuditEntry, error) {
	return e.store.ListAuditByThread(ctx, threadID)
}

// VerifyAuditChain walks the full audit log and reports whether its
// hash chain is intact.
func (e *Engine) VerifyAuditChain(ctx context.Context) (*types.AuditIntegrityReport, error) {
	return e.store.VerifyAuditChain(ctx)
}
