package backendsim

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-batch/internal/protocol"
)

type Server struct {
	sim    *Simulator
	logger *slog.Logger
}

func NewServer(sim *Simulator, logger *slog.Logger) *Server {
	return &Server{sim: sim, logger: logger.With(slog.String("component", "backendsim"))}
}

// Router serves the batch API:
//
//	POST   /batch-tts
//	GET    /batch-tts/{jobID}/status
//	DELETE /batch-tts/{jobID}
//	GET    /health
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Route("/batch-tts", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/{jobID}/status", s.status)
		r.Delete("/{jobID}", s.forget)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "jobs": s.sim.Len()})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	id, err := s.sim.Submit(req.Items)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("batch accepted",
		slog.String("job_id", id),
		slog.Int("items", len(req.Items)),
		slog.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusOK, protocol.BatchSubmitResponse{JobID: id})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	status, err := s.sim.Status(chi.URLParam(r, "jobID"))
	if errors.Is(err, ErrUnknownJob) {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	if !s.sim.Forget(chi.URLParam(r, "jobID")) {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
