package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/log"
)

// Server is the engram admin API: health, per-user stats, on-demand sweeps
// and prometheus metrics. It does not serve memory contents.
type Server struct {
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server over eng. gatherer backs /metrics.
func New(eng *engine.Engine, gatherer prometheus.Gatherer, version string) *Server {
	s := &Server{
		engine:   eng,
		gatherer: gatherer,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Post("/sweep", s.handleSweep)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	schema, err := s.engine.DB.SchemaVersion(r.Context())
	if err != nil {
		dbOK = false
	}

	code, status := http.StatusOK, "ok"
	if !dbOK {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"db":             dbOK,
		"db_path":        s.engine.DB.Path,
		"schema_version": schema,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DB.Stats(r.Context())
	if err != nil {
		log.FromCtx(r.Context()).Error().Err(err).Msg("stats failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": stats,
		"count": len(stats),
	})
}

// handleSweep runs one rescoring pass, for every user or for ?user=.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reports []engine.SweepReport
	if user := r.URL.Query().Get("user"); user != "" {
		rep, err := s.engine.SweepUser(ctx, user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reports = append(reports, rep)
	} else {
		all, err := s.engine.SweepAll(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		reports = all
	}

	type reportJSON struct {
		engine.SweepReport
		Error string `json:"error,omitempty"`
	}
	out := make([]reportJSON, len(reports))
	archived := 0
	for i, rep := range reports {
		out[i] = reportJSON{SweepReport: rep}
		if rep.Err != nil {
			out[i].Error = rep.Err.Error()
		}
		archived += rep.Archived
	}

	log.FromCtx(ctx).Info().Int("users", len(out)).Int("archived", archived).Msg("sweep requested")
	writeJSON(w, http.StatusOK, map[string]any{
		"reports":  out,
		"archived": archived,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
