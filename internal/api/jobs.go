package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jerry-f/webweaver/internal/dispatch"
)

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.dispatcher.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, dispatch.ErrDuplicate) {
			writeError(w, http.StatusConflict, "article already has an active job")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var status *dispatch.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := dispatch.Status(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		status = &st
	}
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	jobs, err := s.jobs.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []dispatch.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := s.jobs.Retry(r.Context(), id, time.Now().UTC())
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatch.ErrNotRetryable):
		writeError(w, http.StatusConflict, "only failed jobs can be retried")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "retry job failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id.String(), "status": string(dispatch.StatusQueued)})
	}
}

func (s *Server) retryFailedJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.RetryAllFailed(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bulk retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := s.jobs.Delete(r.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatch.ErrRunning):
		writeError(w, http.StatusConflict, "running jobs cannot be deleted")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "delete job failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event history is not enabled")
		return
	}
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	events, err := s.events.ListJobEvents(r.Context(), id, intQuery(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list job events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
