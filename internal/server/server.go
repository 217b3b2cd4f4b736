package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/ingestion"
	"github.com/cyderes/post-metrics-service/internal/models"
	"github.com/cyderes/post-metrics-service/internal/selector"
)

// Runner triggers reconciliation runs and reports their status
type Runner interface {
	Run(ctx context.Context, selectionType, selectionValue string) (*models.Report, error)
	Status() models.RunStatus
}

// UpdateRequest is the body of POST /update-metrics. Selection may be sent
// as a JSON string or number.
type UpdateRequest struct {
	Type      string          `json:"type" validate:"required"`
	Selection json.RawMessage `json:"selection"`
}

func (u UpdateRequest) selectionValue() string {
	raw := strings.TrimSpace(string(u.Selection))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(u.Selection, &s); err == nil {
		return s
	}
	return raw
}

// UpdateResponse is returned by POST /update-metrics
type UpdateResponse struct {
	Success bool           `json:"success"`
	Result  *models.Report `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Server handles HTTP requests
type Server struct {
	config   config.ServerConfig
	runner   Runner
	logger   *zap.Logger
	validate *validator.Validate
	router   *mux.Router
	server   *http.Server
}

// NewServer creates a new HTTP server. Metrics are served from gatherer when it is not nil.
func NewServer(cfg config.ServerConfig, runner Runner, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		config:   cfg,
		runner:   runner,
		logger:   logger,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}

	s.router.Use(Recovery(logger), RequestID, Logging(logger))
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/update-metrics", s.handleUpdateMetrics).Methods(http.MethodPost)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler exposes the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Post Metrics Service is running",
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the current or last run
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Status())
}

// handleUpdateMetrics runs a reconciliation for the requested selection
func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, UpdateResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, UpdateResponse{Error: "Missing required field: type"})
		return
	}

	selection := req.selectionValue()
	s.logger.Info("processing update request",
		zap.String("type", req.Type),
		zap.String("selection", selection),
		zap.String("request_id", r.Header.Get("X-Request-ID")))

	// A run is not cancelled when the client goes away.
	report, err := s.runner.Run(context.WithoutCancel(r.Context()), req.Type, selection)
	if err != nil {
		writeJSON(w, statusFor(err), UpdateResponse{Result: report, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, UpdateResponse{Success: true, Result: report})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, selector.ErrInvalidSelection), errors.Is(err, selector.ErrNoCandidates):
		return http.StatusBadRequest
	case errors.Is(err, ingestion.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
