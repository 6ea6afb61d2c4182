package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/glfleet/backend/internal/jobs"
	"github.com/glfleet/backend/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500

	statusStreamInterval = 5 * time.Second
)

// listJobs handles GET /v1/jobs?status=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.JobStatus
	if param := strings.TrimSpace(r.URL.Query().Get("status")); param != "" {
		parsed, parseErr := parseJobStatus(param)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	list, err := s.jobStore.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type discoveryRequest struct {
	AccountID string `json:"account_id"`
}

// scheduleDiscovery handles POST /v1/jobs/discovery. A discovery that
// finished recently is not repeated; the response says which case applied.
func (s *Server) scheduleDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	job, scheduled, err := s.manager.EnsureDiscoveryJob(r.Context(), req.AccountID)
	if err != nil {
		s.logger.Error("schedule discovery failed", zap.String("account_id", req.AccountID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule discovery")
		return
	}
	status := http.StatusOK
	if scheduled {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"job": job, "scheduled": scheduled})
}

type recoveryRequest struct {
	Type string `json:"type"`
}

// triggerRecovery handles POST /v1/recovery {type: comprehensive|failed|stuck}.
func (s *Server) triggerRecovery(w http.ResponseWriter, r *http.Request) {
	req := recoveryRequest{Type: "comprehensive"}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	switch req.Type {
	case "", "comprehensive":
		writeJSON(w, http.StatusOK, s.recovery.RunComprehensive(r.Context()))
	case "failed":
		result := s.newSweepResult()
		s.recovery.RecoverFailed(r.Context(), result)
		result.FinishedAt = s.clock.Now()
		writeJSON(w, http.StatusOK, result)
	case "stuck":
		result := s.newSweepResult()
		s.recovery.ResetStuck(r.Context(), result)
		result.FinishedAt = s.clock.Now()
		writeJSON(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusBadRequest, "unknown recovery type")
	}
}

func (s *Server) newSweepResult() *jobs.RecoveryResult {
	return &jobs.RecoveryResult{StartedAt: s.clock.Now()}
}

// recoveryTypes handles GET /v1/recovery/types.
func (s *Server) recoveryTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"types": []map[string]string{
			{"type": "comprehensive", "description": "failed-job recovery followed by stuck-job reset"},
			{"type": "failed", "description": "re-queue retryably failed jobs"},
			{"type": "stuck", "description": "re-queue running jobs with stale updates"},
		},
	})
}

// getStatus handles GET /v1/status: aggregate health, per-connection
// snapshots, and protocol counters.
func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health":      s.monitor.Check(),
		"connections": s.handler.Connections(),
		"protocol":    s.handler.Stats(),
	})
}

// streamStatus handles GET /v1/status/stream as server-sent events. While a
// stream is open the UI channel counts as connected for aggregate health.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.monitor.SetUIConnected(true)
	defer s.monitor.SetUIConnected(false)

	ticker := time.NewTicker(statusStreamInterval)
	defer ticker.Stop()

	send := func() bool {
		payload, err := json.Marshal(map[string]any{
			"health":   s.monitor.Check(),
			"protocol": s.handler.Stats(),
		})
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("event: status\ndata: ")); err != nil {
			return false
		}
		if _, err := w.Write(append(payload, '\n', '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseJobStatus(input string) (store.JobStatus, error) {
	switch strings.ToLower(input) {
	case "queued":
		return store.JobQueued, nil
	case "running":
		return store.JobRunning, nil
	case "finished":
		return store.JobFinished, nil
	case "failed":
		return store.JobFailed, nil
	case "paused":
		return store.JobPaused, nil
	default:
		return "", errors.New("invalid status")
	}
}
