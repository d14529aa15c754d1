package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/agentsystems/control-plane-gateway/pkg/egress"
	"github.com/agentsystems/control-plane-gateway/pkg/engine"
	"github.com/agentsystems/control-plane-gateway/pkg/gatewayerr"
	"github.com/agentsystems/control-plane-gateway/pkg/metrics"
	"github.com/agentsystems/control-plane-gateway/pkg/registry"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"github.com/gorilla/mux"
)

const maxJSONBodyBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := gatewayerr.StatusFor(err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func agentsToInfo(views []registry.AgentView) []map[string]string {
	out := make([]map[string]string, 0, len(views))
	for _, v := range views {
		out = append(out, map[string]string{"name": v.Name, "state": string(v.State)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"] < out[j]["name"] })
	return out
}

func (s *Server) handleListAgentsGet(w http.ResponseWriter, r *http.Request) {
	_ = s.registry.Refresh(r.Context())
	views := s.registry.List(registry.StateAll)
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agentsToInfo(views)})
}

func (s *Server) handleListAgentsPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&body); err != nil {
		writeError(w, gatewayerr.ErrBadRequest)
		return
	}

	var state registry.State
	switch body.State {
	case "running":
		state = registry.StateRunning
	case "stopped":
		state = registry.StateStopped
	default:
		state = registry.StateAll
	}

	_ = s.registry.Refresh(r.Context())
	views := s.registry.List(state)
	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": names})
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	view, ok := s.registry.Get(agent)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"error": "unknown agent"})
		return
	}

	endpoint := ""
	if view.State == types.AgentStateRunning {
		endpoint = "http://" + view.ContainerIP + ":" + view.Port
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":         agent,
		"state":        string(view.State),
		"endpoint":     endpoint,
		"container_ip": view.ContainerIP,
	})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]
	if err := s.registry.EnsureRunning(r.Context(), agent); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "message": "agent not found or failed to start"})
		return
	}
	s.reaper.RecordActivity(agent)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "agent " + agent + " started successfully"})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]

	view, ok := s.registry.Get(agent)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent container not found"})
		return
	}
	if view.State != types.AgentStateRunning {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent is not running"})
		return
	}

	if err := s.adapter.Stop(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}

	s.reaper.ClearActivity(agent)
	_ = s.registry.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "agent " + agent + " stopped successfully"})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent"]

	// Agent identification/start and the bearer-token check both happen
	// inside Engine.Invoke, in that order, so an unknown agent reports 404
	// even when the request also carries no Authorization header.
	req := engine.InvokeRequest{Agent: agent, UserToken: r.Header.Get("Authorization")}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, gatewayerr.ErrBadRequest)
			return
		}
		req.Payload = map[string]interface{}{}
		if jsonPart := r.FormValue("json"); jsonPart != "" {
			_ = json.Unmarshal([]byte(jsonPart), &req.Payload)
		}
		if r.MultipartForm != nil {
			for _, headers := range r.MultipartForm.File {
				for _, fh := range headers {
					f, err := fh.Open()
					if err != nil {
						continue
					}
					data, err := io.ReadAll(f)
					f.Close()
					if err != nil {
						continue
					}
					req.Files = append(req.Files, engine.UploadedFile{Filename: fh.Filename, Data: data})
				}
			}
		}
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req.Payload); err != nil {
			writeError(w, gatewayerr.ErrBadRequest)
			return
		}
	}

	if sync, ok := req.Payload["sync"]; ok {
		if b, ok := sync.(bool); ok {
			req.Sync = b
		}
		delete(req.Payload, "sync")
	}

	s.reaper.RecordActivity(agent)

	result, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Sync && result.Body != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(result.Body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	job, err := s.engine.Status(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": threadID,
		"state":     job.State,
		"progress":  job.Progress,
		"error":     job.Error,
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	job, err := s.engine.Status(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": threadID,
		"result":    job.Result,
		"error":     job.Error,
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	var body struct {
		Progress json.RawMessage `json:"progress"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&body); err != nil || len(body.Progress) == 0 {
		writeError(w, gatewayerr.ErrBadRequest)
		return
	}
	if err := s.engine.Progress(r.Context(), threadID, body.Progress); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	base := filepath.Join(s.artifactsRoot, threadID)
	if _, err := os.Stat(base); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread artifacts not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":    threadID,
		"input_files":  listFiles(filepath.Join(base, "in"), "in", threadID),
		"output_files": listFiles(filepath.Join(base, "out"), "out", threadID),
	})
}

func listFiles(dir, kind, threadID string) []map[string]interface{} {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []map[string]interface{}{}
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"name":     e.Name(),
			"path":     "/artifacts/" + threadID + "/" + kind + "/" + e.Name(),
			"size":     info.Size(),
			"modified": info.ModTime().UTC(),
			"type":     kind,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["name"].(string) < out[j]["name"].(string) })
	return out
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	threadID := vars["thread_id"]
	filePath := strings.Trim(vars["file_path"], "/")

	if strings.Contains(filePath, "..") {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid file path"})
		return
	}
	if !strings.HasPrefix(filePath, "in/") && !strings.HasPrefix(filePath, "out/") {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "file must be in 'in' or 'out' directory"})
		return
	}

	full := filepath.Join(s.artifactsRoot, threadID, filePath)
	info, err := os.Stat(full)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	if info.IsDir() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "path is not a file"})
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(filePath)+`"`)
	http.ServeFile(w, r, full)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.JobFilter{
		Agent: q.Get("agent"),
		State: types.JobState(q.Get("state")),
		Limit: 50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	jobs, err := s.engine.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": jobs})
}

func (s *Server) handleAuditForThread(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	entries, err := s.engine.AuditForThread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread_id": threadID, "audit": entries})
}

func (s *Server) handleEgressAllowlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"allowlist": s.egress.Snapshot()})
}

// handleEgressHTTP is the non-CONNECT egress helper: an agent posts a
// target request here instead of opening its own CONNECT tunnel, and the
// gateway forwards it after the same allowlist check.
func (s *Server) handleEgressHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent   string            `json:"agent"`
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&body); err != nil {
		writeError(w, gatewayerr.ErrBadRequest)
		return
	}
	if body.Agent == "" || body.Method == "" || body.URL == "" {
		writeError(w, gatewayerr.ErrBadRequest)
		return
	}

	headers := make(http.Header, len(body.Headers))
	for k, v := range body.Headers {
		headers.Set(k, v)
	}

	resp, err := s.egress.Forward(r.Context(), body.Agent, body.Method, body.URL, headers, []byte(body.Body))
	if err != nil {
		if errors.Is(err, egress.ErrDenied) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONBodyBytes))
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(respBody),
	})
}

// handleAuditIntegrityCheck verifies the audit log's hash chain end to end.
func (s *Server) handleAuditIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifyAuditChain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

