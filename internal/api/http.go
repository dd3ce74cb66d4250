package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// SourceHTTP labels records posted to the ingest endpoint.
const SourceHTTP = "http"

// Backend is the ingest and query surface exposed over HTTP and gRPC.
type Backend interface {
	Ingest(source string, records []models.LogRecord)
	Latest(filter LatestFilter) models.CycleResult
	Summary(ctx context.Context, hours int) (models.AlertSummary, error)
	Status() engine.Status
}

// HTTPServer serves ingestion, the latest batch, the anomaly stream and metrics.
type HTTPServer struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	backend  Backend
	hub      *Hub
	gatherer prometheus.Gatherer
	srv      *http.Server
	now      func() time.Time
}

// NewHTTPServer wires routes; hub and gatherer may be nil to disable the
// stream and metrics endpoints.
func NewHTTPServer(cfg config.ServerConfig, backend Backend, hub *Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	s := &HTTPServer{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		hub:      hub,
		gatherer: gatherer,
		now:      time.Now,
	}
	s.srv = &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler builds the routed, CORS-wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/logs", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	if s.hub != nil {
		v1.Handle("/anomalies/stream", s.hub).Methods(http.MethodGet)
	}
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/summary", s.handleSummary).Methods(http.MethodGet)

	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.Use(s.logRequests)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router)
}

// Start serves until Shutdown; a clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server listening", slog.String("address", s.cfg.HTTPAddress))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and disconnects stream subscribers.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	batch, err := ingest.Decode(body, s.now())
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch.Records) > 0 {
		s.backend.Ingest(SourceHTTP, batch.Records)
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": len(batch.Records),
		"rejected": batch.Rejected,
	})
}

func (s *HTTPServer) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter LatestFilter
	sev, err := ParseSeverityFilter(q.Get("severity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Severity = sev
	if raw := q.Get("scores"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scores must be a boolean")
			return
		}
		filter.IncludeScores = include
	}
	writeJSON(w, http.StatusOK, s.backend.Latest(filter))
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	hours := 0
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
			return
		}
		hours = n
	}
	summary, err := s.backend.Summary(r.Context(), hours)
	if utils.IsInvalid(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("alert summary failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "alert summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
