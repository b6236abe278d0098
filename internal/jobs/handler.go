package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/genbot/backend/internal/generation"
	"github.com/genbot/backend/internal/models"
)

// Request/response structs use snake_case JSON.

type CreateJobRequest struct {
	UserID      int64           `json:"user_id" validate:"required,gt=0"`
	Kind        string          `json:"kind" validate:"required,oneof=image video"`
	Parameters  json.RawMessage `json:"parameters" validate:"required"`
	SourceJobID *uuid.UUID      `json:"source_job_id,omitempty"`
	// Wait runs the job synchronously and responds with its terminal state.
	Wait bool `json:"wait"`
}

type JobResponse struct {
	*models.Job
	Events []*models.JobEvent `json:"events,omitempty"`
}

// API is the part of Service the HTTP handler uses.
type API interface {
	Request(ctx context.Context, userID int64, kind string, params json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error)
	Run(ctx context.Context, userID int64, kind string, params json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Job, error)
	Events(ctx context.Context, id uuid.UUID) ([]*models.JobEvent, error)
	Stats(ctx context.Context, days int) (*Stats, error)
}

var _ API = (*Service)(nil)

type Handler struct {
	svc      API
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(svc API, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	submit := h.svc.Request
	if req.Wait {
		submit = h.svc.Run
	}
	job, err := submit(r.Context(), req.UserID, req.Kind, req.Parameters, req.SourceJobID)
	switch {
	case errors.Is(err, generation.ErrInvalidParams), errors.Is(err, ErrInvalidSourceJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("create job failed", "user_id", req.UserID, "kind", req.Kind, "error", err)
		http.Error(w, `{"error":"create job failed"}`, http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	switch {
	case job.Outcome == models.OutcomeInsufficientCredits:
		status = http.StatusPaymentRequired
	case job.Outcome == models.OutcomeBusy:
		status = http.StatusTooManyRequests
	case job.Outcome == models.OutcomeDailyLimit:
		status = http.StatusForbidden
	case job.Terminal():
		status = http.StatusOK
	}
	writeJSON(w, status, JobResponse{Job: job})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get job failed", "job_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		h.log.Error("get job events failed", "job_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job, Events: events})
}

// ListUserJobs handles GET /v1/users/{id}/jobs.
func (h *Handler) ListUserJobs(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	list, err := h.svc.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list jobs failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetStats handles GET /v1/admin/stats?days=N (default 7, at most 90).
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxStatsDays {
			http.Error(w, `{"error":"days must be between 1 and 90"}`, http.StatusBadRequest)
			return
		}
		days = n
	}
	stats, err := h.svc.Stats(r.Context(), days)
	if err != nil {
		h.log.Error("job stats failed", "days", days, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
