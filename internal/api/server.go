// Package api exposes on-demand run triggers, health and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AdvisoryScanner/internal/domain"
	"AdvisoryScanner/internal/logging"
	"AdvisoryScanner/internal/ports"
	"AdvisoryScanner/internal/usecase"
)

// FetchRunner runs one fetch cycle.
type FetchRunner interface {
	RunFetchCycle(ctx context.Context, opts usecase.FetchOptions) (domain.RunSummary, error)
}

// EnrichRunner runs enrichment and re-enrichment.
type EnrichRunner interface {
	RunEnrichment(ctx context.Context, opts usecase.EnrichOptions) (domain.EnrichResult, error)
	RunReEnrichment(ctx context.Context, opts usecase.ReEnrichOptions) (domain.EnrichResult, error)
}

// RunHistory lists recent run log entries.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]domain.RunLogEntry, error)
}

// Guards hold one lock per run kind, shared with the schedulers.
type Guards struct {
	Fetch    *usecase.Guard
	Enrich   *usecase.Guard
	ReEnrich *usecase.Guard
}

// Server handles the HTTP surface.
type Server struct {
	fetch   FetchRunner
	enrich  EnrichRunner
	history RunHistory
	guards  Guards
	budget  time.Duration
	logger  *slog.Logger
}

// NewServer builds the handler set. budget is the default re-enrichment time budget.
func NewServer(fetch FetchRunner, enrich EnrichRunner, history RunHistory, guards Guards, budget time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	for _, g := range []**usecase.Guard{&guards.Fetch, &guards.Enrich, &guards.ReEnrich} {
		if *g == nil {
			*g = &usecase.Guard{}
		}
	}
	return &Server{fetch: fetch, enrich: enrich, history: history, guards: guards, budget: budget, logger: logger}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs/fetch", s.handleFetch)
	mux.HandleFunc("POST /runs/enrich", s.handleEnrich)
	mux.HandleFunc("POST /runs/reenrich", s.handleReEnrich)
	mux.HandleFunc("GET /runs", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) *http.Server {
	httpServer := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	s.logger.Info("api listening", "addr", addr)
	return httpServer
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := usecase.FetchOptions{SourceFilter: q.Get("source"), Force: flag(q.Get("force"))}

	var (
		summary domain.RunSummary
		err     error
	)
	if !s.guards.Fetch.TryRun(func() { summary, err = s.fetch.RunFetchCycle(r.Context(), opts) }) {
		writeError(w, http.StatusConflict, "fetch run already in progress")
		return
	}
	if err != nil {
		s.logger.Error("fetch run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := usecase.EnrichOptions{SourceFilter: q.Get("source"), Force: flag(q.Get("force"))}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		opts.MaxAlerts = n
	}
	if v := q.Get("alert"); v != "" {
		key, err := domain.ParseAlertKey(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.AlertKey = &key
	}
	fields, err := usecase.ParseFields(q.Get("missing"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.MissingOnly = fields

	s.runEnrich(r.Context(), w, s.guards.Enrich, "enrich", func(ctx context.Context) (domain.EnrichResult, error) {
		return s.enrich.RunEnrichment(ctx, opts)
	})
}

func (s *Server) handleReEnrich(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := usecase.ReEnrichOptions{SourceFilter: q.Get("source"), Force: flag(q.Get("force")), Budget: s.budget}
	if v := q.Get("budget"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "budget must be a positive number of seconds")
			return
		}
		opts.Budget = time.Duration(secs) * time.Second
	}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	s.runEnrich(r.Context(), w, s.guards.ReEnrich, "reenrich", func(ctx context.Context) (domain.EnrichResult, error) {
		return s.enrich.RunReEnrichment(ctx, opts)
	})
}

func (s *Server) runEnrich(ctx context.Context, w http.ResponseWriter, guard *usecase.Guard, kind string, run func(context.Context) (domain.EnrichResult, error)) {
	var (
		res domain.EnrichResult
		err error
	)
	if !guard.TryRun(func() { res, err = run(ctx) }) {
		writeError(w, http.StatusConflict, kind+" run already in progress")
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ports.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.logger.Error("run failed", "kind", kind, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history unavailable")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func flag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
