package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
)

const defaultListLimit = 200

// Store is the part of the backend the API reads and edits.
type Store interface {
	jobs.Store
	ListProfiles(ctx context.Context) ([]encode.ProfileRecord, error)
	DeleteProfile(ctx context.Context, sig media.Signature) (bool, error)
	Ping(ctx context.Context) error
}

// Submitter queues backlog paths the same way the backlog file does.
type Submitter interface {
	Submit(ctx context.Context, path string) (string, error)
}

// Handler provides HTTP API handlers
type Handler struct {
	store  Store
	submit Submitter
	wake   func()
}

// NewHandler creates a new API handler. wake may be nil; otherwise it is
// called after jobs are queued so the dispatcher does not wait out its
// poll interval.
func NewHandler(store Store, submit Submitter, wake func()) *Handler {
	if wake == nil {
		wake = func() {}
	}
	return &Handler{store: store, submit: submit, wake: wake}
}

// response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListJobs handles GET /api/jobs?status=...&limit=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := jobs.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status: %s", raw))
			return
		}
		status = st
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   list,
		"counts": counts,
	})
}

// CreateJobsRequest is the request body for creating jobs
type CreateJobsRequest struct {
	Paths []string `json:"paths"`
}

// SubmitResult reports what happened to one submitted path.
type SubmitResult struct {
	Path    string `json:"path"`
	Outcome string `json:"outcome"`
}

// CreateJobs handles POST /api/jobs
func (h *Handler) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var req CreateJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "no paths provided")
		return
	}

	results := make([]SubmitResult, 0, len(req.Paths))
	queued := 0
	for _, path := range req.Paths {
		if path == "" {
			continue
		}
		outcome, err := h.submit.Submit(r.Context(), path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if outcome == jobs.OutcomeQueued {
			queued++
		}
		results = append(results, SubmitResult{Path: path, Outcome: outcome})
	}
	if queued > 0 {
		h.wake()
	}
	logger.Info("Jobs submitted over API", "paths", len(results), "queued", queued)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"results": results})
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RequeueJob handles POST /api/jobs/{id}/requeue
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := jobs.Requeue(r.Context(), h.store, id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, jobs.ErrNotRequeueable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.wake()
	writeJSON(w, http.StatusOK, job)
}

// ListProfiles handles GET /api/profiles
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if profiles == nil {
		profiles = []encode.ProfileRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

// DeleteProfile handles DELETE /api/profiles?signature=WIDTHxHEIGHT/codec/pix_fmt
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	sig, err := media.ParseSignature(r.URL.Query().Get("signature"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existed, err := h.store.DeleteProfile(r.Context(), sig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	logger.Info("Profile forgotten over API", "signature", sig.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}
