package controlsurface

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/apiforge/internal/config"
	"github.com/bc-dunia/apiforge/internal/loadmodel"
	"github.com/bc-dunia/apiforge/internal/metrics"
	"github.com/bc-dunia/apiforge/internal/transport"
	"github.com/bc-dunia/apiforge/internal/variables"
)

const maxRequestBodySize = 10 * 1024 * 1024

const (
	sseHeartbeatInterval = 15 * time.Second
)

// errorResponse is the JSON envelope for every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func limitedBody(w http.ResponseWriter, r *http.Request) *http.Request {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	return r
}

// baseTransportConfig builds the daemon-wide transport.Config from the live
// configuration registry (spec §6's "recognised configuration keys, each
// with effect") rather than a hardcoded transport.DefaultConfig(): an
// operator who calls Registry.Set("max_redirects", ...) or
// Registry.Set("follow_redirects", ...) sees the new value take effect on
// the next run/execute, not just in the /config listing.
func (s *Server) baseTransportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	if s.reg == nil {
		return cfg
	}
	if !s.reg.BoolValue("follow_redirects", true) {
		cfg.RedirectMode = transport.RedirectDeny
	}
	cfg.MaxRedirects = int(s.reg.IntValue("max_redirects", int64(cfg.MaxRedirects)))
	return cfg
}

// transportConfigForTemplate layers a template's per-request transport
// overrides (follow_redirects/max_redirects/verify_tls) onto the live
// daemon-wide base config. Each field is a pointer (see
// loadmodel.HTTPRequestTemplate) so an omitted field inherits the base
// config instead of silently downgrading to a bool/int zero value.
func (s *Server) transportConfigForTemplate(tmpl loadmodel.HTTPRequestTemplate) transport.Config {
	cfg := s.baseTransportConfig()
	if tmpl.FollowRedirects != nil {
		if *tmpl.FollowRedirects {
			cfg.RedirectMode = transport.RedirectFollow
		} else {
			cfg.RedirectMode = transport.RedirectDeny
		}
	}
	if tmpl.MaxRedirects != nil && *tmpl.MaxRedirects > 0 {
		cfg.MaxRedirects = *tmpl.MaxRedirects
	}
	if tmpl.VerifyTLS != nil {
		cfg.TLSSkipVerify = !*tmpl.VerifyTLS
	}
	return cfg
}

// handleHealth answers spec.md §6's health check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	host := s.coord.HostSnapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"version": version,
		"host": map[string]interface{}{
			"cpu_percent": host.HostCPUPercent,
			"mem_percent": host.HostMemPercent,
		},
	})
}

// handleListConfig answers spec.md §6's "list configuration entries".
func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	if s.reg == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.reg.List())
}

type setConfigRequest struct {
	Value interface{} `json:"value"`
}

// handleConfigItem answers spec.md §6's "set configuration entry":
// PUT /config/{key} with body {"value": ...}. Values that JSON-decode as a
// number land as float64; Registry.Set expects int64 for TypeInt entries,
// so integer-typed keys get their value round-tripped through that
// conversion before Set's type/range check.
func (s *Server) handleConfigItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeMethodNotAllowed(w, "PUT")
		return
	}
	if s.reg == nil {
		s.writeError(w, http.StatusConflict, "configuration registry is disabled")
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/config/")
	key = strings.Trim(key, "/")
	entry, ok := s.reg.Get(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown configuration key %q", key))
		return
	}

	var req setConfigRequest
	if err := json.NewDecoder(limitedBody(w, r).Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	value := req.Value
	if entry.Type == config.TypeInt {
		if f, isFloat := value.(float64); isFloat {
			value = int64(f)
		}
	}
	if !s.reg.Set(key, value) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("value %v is not valid for key %q", req.Value, key))
		return
	}
	updated, _ := s.reg.Get(key)
	s.writeJSON(w, http.StatusOK, updated)
}

type executeRequest struct {
	Template      loadmodel.HTTPRequestTemplate `json:"template"`
	EnvironmentID string                        `json:"environment_id,omitempty"`
	Environment   map[string]string             `json:"environment,omitempty"`
}

type executeResponse struct {
	RunID    string                 `json:"run_id"`
	Response loadmodel.ResponseRecord `json:"response"`
	Script   *scriptOutcome         `json:"script,omitempty"`
}

type scriptOutcome struct {
	Success       bool     `json:"success"`
	ConsoleOutput []string `json:"console_output"`
	ErrorMessage  string   `json:"error_message,omitempty"`
}

// handleExecute answers spec.md §6's "execute one request": a single,
// ad-hoc dispatch outside any load profile.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(limitedBody(w, r).Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	envVars := req.Environment
	if envVars == nil && req.EnvironmentID != "" && s.store != nil {
		if v, ok, err := s.store.GetEnvironment(req.EnvironmentID); err == nil && ok {
			envVars = v
		}
	}
	var globals map[string]string
	if s.store != nil {
		globals, _ = s.store.GetGlobals()
	}
	env := variables.New(envVars, nil, globals)

	runID, result, err := s.coord.ExecuteDesign(r.Context(), req.Template, env, s.transportConfigForTemplate(req.Template))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := executeResponse{RunID: runID, Response: result.Response}
	if req.Template.TestScript != "" {
		resp.Script = &scriptOutcome{
			Success:       result.Script.Success,
			ConsoleOutput: result.Script.ConsoleOutput,
			ErrorMessage:  result.Script.ErrorMessage,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type saveEnvironmentRequest struct {
	EnvironmentID string            `json:"environment_id,omitempty"`
	Name          string            `json:"name"`
	Variables     map[string]string `json:"variables"`
}

// handleSaveEnvironment answers spec.md §6's "save environment": creates or
// updates a named variable set, minting a fresh environment_id when the
// caller omits one.
func (s *Server) handleSaveEnvironment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		s.writeMethodNotAllowed(w, "POST, PUT")
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusConflict, "persistence is disabled")
		return
	}
	var req saveEnvironmentRequest
	if err := json.NewDecoder(limitedBody(w, r).Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.EnvironmentID == "" {
		req.EnvironmentID = uuid.NewString()
	}
	if err := s.store.SaveEnvironment(req.EnvironmentID, req.Name, req.Variables); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"environment_id": req.EnvironmentID})
}

// handleGlobals answers spec.md §6's "get/set global variables": a single
// process-wide variable map layered beneath every environment.
func (s *Server) handleGlobals(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusConflict, "persistence is disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		globals, err := s.store.GetGlobals()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, globals)
	case http.MethodPut:
		var vars map[string]string
		if err := json.NewDecoder(limitedBody(w, r).Body).Decode(&vars); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if err := s.store.SaveGlobals(vars); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		s.writeMethodNotAllowed(w, "GET, PUT")
	}
}

type startRunRequest struct {
	Template      loadmodel.HTTPRequestTemplate `json:"template"`
	Profile       loadmodel.LoadProfile         `json:"profile"`
	EnvironmentID string                        `json:"environment_id,omitempty"`
	RequestID     string                        `json:"request_id,omitempty"`
	Comment       string                        `json:"comment,omitempty"`
}

type startRunResponse struct {
	RunID     string            `json:"run_id"`
	Status    loadmodel.RunStatus `json:"status"`
	StreamURL string            `json:"stream_url"`
}

// handleStartRun answers spec.md §6's "start load test".
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(limitedBody(w, r).Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Profile.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var envVars map[string]string
	if req.EnvironmentID != "" && s.store != nil {
		if v, ok, err := s.store.GetEnvironment(req.EnvironmentID); err == nil && ok {
			envVars = v
		}
	}
	var globals map[string]string
	if s.store != nil {
		globals, _ = s.store.GetGlobals()
	}
	env := variables.New(envVars, nil, globals)

	runID, err := s.coord.StartLoad(r.Context(), req.Template, req.Profile, env, s.transportConfigForTemplate(req.Template), metrics.Config{
		SnapshotIntervalMs: s.reg.IntValue("stats_interval_ms", config.DefaultStatsIntervalMs),
		SuccessSampleRate:  req.Profile.SuccessSampleRate,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:     runID,
		Status:    loadmodel.RunStatusPending,
		StreamURL: "/runs/" + runID + "/stream",
	})
}

// handleStopRun answers spec.md §6's "stop run".
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, "POST")
		return
	}
	if err := s.coord.Stop(runID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(loadmodel.RunStatusStopped)})
}

// handleGetRun answers spec.md §6's "get run" (status only, no report).
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	run, _, ok := s.coord.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleGetReport answers spec.md §6's "get run report".
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	_, report, ok := s.coord.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if report == nil {
		s.writeError(w, http.StatusConflict, "run has not finished")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleListRuns answers spec.md §6's "list runs".
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.List())
}

// handleDeleteRun answers spec.md §6's "delete run".
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request, runID string) {
	if !s.coord.Delete(runID) {
		s.writeError(w, http.StatusConflict, "run is active or not found")
		return
	}
	if s.store != nil {
		_ = s.store.DeleteRun(runID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStreamMetrics answers spec.md §6's "stream live metrics": an
// unbounded SSE sequence of metric snapshots ending with a completion event.
//
// Adapted from the teacher's handleStreamEvents (SSE headers, heartbeat
// ticker, flusher check): that handler polls a persisted event log, this one
// is push-based, fed by Broadcaster.subscribe, with persisted snapshots
// since a since_ms param used to backfill late subscribers who missed
// earlier points.
func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, "GET")
		return
	}
	run, _, ok := s.coord.Get(runID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var sinceMs int64
	if sp := r.URL.Query().Get("since_ms"); sp != "" {
		if parsed, err := strconv.ParseInt(sp, 10, 64); err == nil && parsed >= 0 {
			sinceMs = parsed
		}
	}
	if s.store != nil {
		if backfill, err := s.store.SnapshotsSince(runID, sinceMs); err == nil {
			for _, snap := range backfill {
				writeSnapshotEvent(w, snap)
			}
			if len(backfill) > 0 {
				flusher.Flush()
			}
		}
	}

	if run.Status == loadmodel.RunStatusCompleted || run.Status == loadmodel.RunStatusStopped || run.Status == loadmodel.RunStatusFailed {
		writeCompleteEvent(w, run.Status)
		flusher.Flush()
		return
	}

	ch, unsubscribe := s.broker.subscribe(runID)
	defer unsubscribe()

	ctx := r.Context()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case snap := <-ch:
			writeSnapshotEvent(w, snap)
			flusher.Flush()
		case <-poll.C:
			run, _, ok := s.coord.Get(runID)
			if !ok {
				return
			}
			if run.Status == loadmodel.RunStatusCompleted || run.Status == loadmodel.RunStatusStopped || run.Status == loadmodel.RunStatusFailed {
				writeCompleteEvent(w, run.Status)
				flusher.Flush()
				return
			}
		}
	}
}

func writeSnapshotEvent(w http.ResponseWriter, snap loadmodel.MetricSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: metric\n")
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeCompleteEvent(w http.ResponseWriter, status loadmodel.RunStatus) {
	data, _ := json.Marshal(map[string]string{"event": "complete", "status": string(status)})
	fmt.Fprintf(w, "event: complete\n")
	fmt.Fprintf(w, "data: %s\n\n", data)
}
