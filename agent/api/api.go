// Package api is the HTTP and websocket surface of the agent, used by
// dashboards and for submitting actions without a scheduler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/agent/actions"
	"tangled.sh/tangled.sh/agent/metrics"
	"tangled.sh/tangled.sh/agent/models"
	"tangled.sh/tangled.sh/agent/queue"
	"tangled.sh/tangled.sh/telemetry"
)

type Server struct {
	actions *actions.Service
	queue   *queue.Queue
	metrics *metrics.Metrics
	tel     *telemetry.Telemetry
	l       *slog.Logger
}

// New builds the HTTP server. tel may be nil.
func New(svc *actions.Service, q *queue.Queue, m *metrics.Metrics, tel *telemetry.Telemetry, l *slog.Logger) *Server {
	return &Server{
		actions: svc,
		queue:   q,
		metrics: m,
		tel:     tel,
		l:       l.With("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.RequestLogger)
	if s.tel != nil {
		r.Use(s.tel.RequestInFlight(), s.tel.RequestDuration())
	}

	r.Route("/actions", func(r chi.Router) {
		r.Get("/", s.ListActions)
		r.Post("/", s.CreateAction)
		r.Get("/stream", s.CreationEvents)
		r.Get("/deletions", s.DeletionEvents)
		r.Get("/state", s.StateEvents)
		r.Get("/{id}", s.GetAction)
		r.Delete("/{id}", s.DeleteAction)
	})
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// ActionDTO is the JSON view of an action.
type ActionDTO struct {
	ID      uint32       `json:"id"`
	State   models.State `json:"state"`
	RepoURL string       `json:"repo_url"`
	Image   string       `json:"image"`
}

func toDTO(a *models.Action) ActionDTO {
	return ActionDTO{
		ID:      a.ID(),
		State:   a.State(),
		RepoURL: a.RepositoryURL(),
		Image:   a.Image(),
	}
}

type CreateActionRequest struct {
	Image    string   `json:"image"`
	Commands []string `json:"commands"`
	RepoURL  string   `json:"repo_url"`
	ActionID uint32   `json:"action_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) ListActions(w http.ResponseWriter, r *http.Request) {
	list := s.actions.List()
	out := make([]ActionDTO, 0, len(list))
	for _, a := range list {
		out = append(out, toDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetAction(w http.ResponseWriter, r *http.Request) {
	id, ok := actionID(w, r)
	if !ok {
		return
	}

	a, err := s.actions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(a))
}

func (s *Server) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req CreateActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: http.StatusBadRequest})
		return
	}
	if req.Image == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "image is required", Code: http.StatusBadRequest})
		return
	}

	l := s.l.With("action", req.ActionID)

	// output has no reader on this transport
	a, err := s.actions.Create(r.Context(), req.Image, req.Commands, models.Discard, req.RepoURL, req.ActionID)
	if err != nil {
		l.Error("failed to create action", "error", err)
		s.writeError(w, err)
		return
	}

	execCtx := context.WithoutCancel(r.Context())
	ok := s.queue.Enqueue(queue.Job{
		Run: func() error {
			return s.actions.Execute(execCtx, a)
		},
		OnFail: func(err error) {
			l.Warn("action failed", "error", err)
		},
	})
	if !ok {
		s.metrics.QueueRejected()
		if err := s.actions.Delete(execCtx, a.ID()); err != nil {
			l.Error("failed to drop rejected action", "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "job queue is full", Code: http.StatusServiceUnavailable})
		return
	}

	writeJSON(w, http.StatusCreated, toDTO(a))
}

func (s *Server) DeleteAction(w http.ResponseWriter, r *http.Request) {
	id, ok := actionID(w, r)
	if !ok {
		return
	}

	if err := s.actions.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"id": id})
}

func actionID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid action id %q", raw), Code: http.StatusBadRequest})
		return 0, false
	}
	return uint32(id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrActionExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidRepository):
		return http.StatusBadRequest
	case errors.Is(err, actions.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case models.IsStepFailure(err):
		// the repository could not be cloned
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.l.Error("request failed", "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
