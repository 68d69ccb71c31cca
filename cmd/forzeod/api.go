package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forzeo/forzeo-core/pkg/authority"
	"github.com/forzeo/forzeo-core/pkg/queue"
	"github.com/forzeo/forzeo-core/pkg/runner"
	"github.com/forzeo/forzeo-core/pkg/sla"
)

// apiServer exposes the programmatic ingress: batch submission, batch
// lifecycle, engine authority inspection, and dead letter replay. It is a
// machine interface, not a UI.
type apiServer struct {
	submitter *queue.Submitter
	tracker   *authority.Tracker
	runner    *runner.Runner
	escalator *sla.Escalator
	logger    *slog.Logger
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batches", s.handleSubmit)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleBatchStatus)
	mux.HandleFunc("DELETE /v1/batches/{id}", s.handleBatchCancel)
	mux.HandleFunc("POST /v1/items/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/engines", s.handleEngines)
	mux.HandleFunc("GET /v1/engines/{id}/explain", s.handleExplain)
	mux.HandleFunc("GET /v1/outages", s.handleOutages)
	mux.HandleFunc("GET /v1/sla/compliance", s.handleCompliance)
	return mux
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	batch, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		var vErr *queue.ValidationError
		var bErr *queue.BudgetExceededError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &bErr):
			writeError(w, http.StatusPaymentRequired, err.Error())
		default:
			s.logger.Error("batch submission failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *apiServer) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.submitter.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *apiServer) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.submitter.Cancel(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, queue.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Replay(r.Context(), r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, queue.ErrItemNotFound):
			writeError(w, http.StatusNotFound, "item not found")
		case errors.Is(err, queue.ErrNotReplayable):
			writeError(w, http.StatusConflict, "item is not in the dead letter state")
		default:
			writeError(w, http.StatusInternalServerError, "replay failed")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *apiServer) handleEngines(w http.ResponseWriter, r *http.Request) {
	engines, err := s.tracker.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "engine listing failed")
		return
	}
	writeJSON(w, http.StatusOK, engines)
}

func (s *apiServer) handleExplain(w http.ResponseWriter, r *http.Request) {
	explanation, err := s.tracker.Explain(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, authority.ErrEngineNotFound) {
			writeError(w, http.StatusNotFound, "engine not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "explain failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"engine_id":   r.PathValue("id"),
		"explanation": explanation,
	})
}

func (s *apiServer) handleOutages(w http.ResponseWriter, r *http.Request) {
	outages, err := s.tracker.ActiveOutages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outage listing failed")
		return
	}
	writeJSON(w, http.StatusOK, outages)
}

func (s *apiServer) handleCompliance(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive number")
			return
		}
		days = parsed
	}

	to := time.Now().UTC()
	report, err := s.escalator.Compliance(r.Context(), to.AddDate(0, 0, -days), to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compliance report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
