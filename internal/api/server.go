// Package api is the thin HTTP adapter over the in-process service contract.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DemonGiggle/criticizer/internal/config"
	"github.com/DemonGiggle/criticizer/internal/failure"
	"github.com/DemonGiggle/criticizer/internal/ratelimit"
	"github.com/DemonGiggle/criticizer/internal/service"
	"github.com/DemonGiggle/criticizer/internal/store"
	"github.com/DemonGiggle/criticizer/internal/telemetry"
)

// Server wires HTTP handlers for the review API.
type Server struct {
	cfg     config.Config
	svc     *service.Service
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, svc *service.Service, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, svc: svc, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/reviews", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/reviews/{changelist}/rerun", s.handleRerun)
	r.Get("/deadletters", s.handleListDeadLetters)
	r.Post("/deadletters/{id}/replay", s.handleReplay)
	return r
}

type submitRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	ChangelistID   int64    `json:"changelist_id"`
	ReviewVersion  int      `json:"review_version"`
	Recipients     []string `json:"recipients"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" || req.ChangelistID == 0 || req.ReviewVersion < 1 {
		http.Error(w, "idempotency_key, changelist_id and review_version are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		limKey := fmt.Sprintf("rl:cl:%d", req.ChangelistID)
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	result, err := s.svc.SubmitReview(r.Context(), req.IdempotencyKey, req.ChangelistID, req.ReviewVersion, req.Recipients)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.svc.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type rerunRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	ReviewVersion  int      `json:"review_version"`
	Recipients     []string `json:"recipients"`
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var changelistID int64
	if _, err := fmt.Sscan(chi.URLParam(r, "changelist"), &changelistID); err != nil {
		http.Error(w, "invalid changelist id", http.StatusBadRequest)
		return
	}
	var req rerunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := s.svc.RequestRerun(r.Context(), changelistID, req.ReviewVersion, req.IdempotencyKey, req.Recipients)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusAccepted
	if !result.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeadLetterFilter{
		JobID:      q.Get("job_id"),
		Stage:      q.Get("stage"),
		ErrorClass: q.Get("error_class"),
		Status:     q.Get("status"),
	}
	items, err := s.svc.ListDeadLetters(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type replayRequest struct {
	RestartMode string `json:"restart_mode"`
	EvidenceRef string `json:"evidence_ref"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	dl, err := s.svc.Replay(r.Context(), id, req.RestartMode, req.EvidenceRef)
	if err != nil {
		switch err {
		case failure.ErrEvidenceRequired:
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case failure.ErrNotReplayable:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, dl)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
