// Package api serves the read-only dashboard endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/scale-ingest/internal/model"
	"github.com/sells-group/scale-ingest/internal/monitoring"
	"github.com/sells-group/scale-ingest/internal/store"
)

const (
	defaultFilesLimit    = 50
	maxFilesLimit        = 500
	defaultLookbackHours = 24
	requestTimeout       = 30 * time.Second
)

// Server wires HTTP handlers to a metrics reader.
type Server struct {
	reader   *monitoring.Reader
	lookback int
}

// NewServer creates a Server. lookbackHours is the default window for
// /api/metrics.
func NewServer(reader *monitoring.Reader, lookbackHours int) *Server {
	if lookbackHours <= 0 {
		lookbackHours = defaultLookbackHours
	}
	return &Server{reader: reader, lookback: lookbackHours}
}

// Router builds the chi router. Only GET routes are exposed.
func (s *Server) Router(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/scales", s.handleScales)
		r.Get("/files", s.handleFiles)
		r.Get("/files/{id}", s.handleFile)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.reader.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"response_time_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.reader.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleScales(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.ScaleStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats == nil {
		stats = []model.ScaleStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultFilesLimit)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxFilesLimit {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
		return
	}

	files, err := s.reader.RecentFiles(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []model.IngestionFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid file id"})
		return
	}

	fs, err := s.reader.FileStats(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours, ok := intParam(w, r, "lookback_hours", s.lookback)
	if !ok {
		return
	}
	if hours <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lookback_hours must be > 0"})
		return
	}

	snap, err := s.reader.Snapshot(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// intParam reads an integer query parameter. It writes a 400 and returns
// false when the value does not parse.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be an integer"})
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("api: request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
