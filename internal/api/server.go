package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ratewatch/internal/coverage"
	"ratewatch/internal/models"
	"ratewatch/internal/runreport"
	"ratewatch/internal/scheduler"
	"ratewatch/internal/telemetry"
)

// RunStore reads persisted run reports.
type RunStore interface {
	Get(ctx context.Context, runID string) (models.RunReport, error)
	PublicProgress(ctx context.Context, runID string) (models.RunProgress, error)
	List(ctx context.Context, limit int) ([]models.RunReport, error)
}

// DailyTrigger starts a daily run on demand.
type DailyTrigger interface {
	TriggerDailyRun(ctx context.Context, source string, force bool) (scheduler.DailyRunResult, error)
}

// TickRunner runs one coverage walker tick on demand.
type TickRunner interface {
	HandleHourlyTick(ctx context.Context, now time.Time) (coverage.TickReport, error)
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	runs    RunStore
	trigger DailyTrigger
	ticker  TickRunner
	log     *zap.Logger
}

// New constructs the API server.
func New(runs RunStore, trigger DailyTrigger, ticker TickRunner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{runs: runs, trigger: trigger, ticker: ticker, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs/daily", s.handleTriggerDaily)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/progress", s.handleRunProgress)
	r.Post("/ticks/wayback", s.handleWaybackTick)
	return r
}

type triggerDailyRequest struct {
	Source string `json:"source"`
	Force  bool   `json:"force"`
}

func (s *Server) handleTriggerDaily(w http.ResponseWriter, r *http.Request) {
	var req triggerDailyRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Source == "" {
		req.Source = models.RunSourceManual
	}

	result, err := s.trigger.TriggerDailyRun(r.Context(), req.Source, req.Force)
	if err != nil {
		s.log.Error("trigger daily run", zap.Error(err))
		http.Error(w, "trigger failed", http.StatusInternalServerError)
		return
	}
	if result.Skipped {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			http.Error(w, "limit must be 1-200", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runreport.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.runs.PublicProgress(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runreport.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read run progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleWaybackTick(w http.ResponseWriter, r *http.Request) {
	report, err := s.ticker.HandleHourlyTick(r.Context(), time.Now())
	if err != nil {
		s.log.Error("wayback tick", zap.Error(err))
		http.Error(w, "tick failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
