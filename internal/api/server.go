// Package api exposes the views of a correlated campaign report over a
// read-only HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/api/gateway"
	"github.com/lvonguyen/phishforge/internal/campaign"
	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
	"github.com/lvonguyen/phishforge/internal/report"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitTier   string
	Version         string
}

// RequestRecorder counts served requests. *observability.Metrics
// satisfies it.
type RequestRecorder interface {
	ObserveRequest(method, path string, status int)
}

// Server serves one report document.
type Server struct {
	config   ServerConfig
	doc      *report.Document
	logger   *zap.Logger
	limiter  *gateway.RateLimiter
	metrics  http.Handler
	recorder RequestRecorder
	router   chi.Router
}

// Option customises a Server.
type Option func(*Server)

// WithRateLimiter limits /api/v1 requests per client.
func WithRateLimiter(rl *gateway.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithRequestRecorder counts every request by route pattern.
func WithRequestRecorder(rec RequestRecorder) Option {
	return func(s *Server) { s.recorder = rec }
}

// NewServer builds the router for doc.
func NewServer(cfg ServerConfig, doc *report.Document, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{config: cfg, doc: doc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(s.config.RateLimitTier))
		}

		r.Get("/report", s.handleReport)
		r.Get("/stats", s.handleStats)
		r.Get("/credentials", s.handleCredentials)

		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", s.handleListRecipients)
			r.Get("/{email}", s.handleGetRecipient)
		})

		r.Route("/addresses", func(r chi.Router) {
			r.Get("/", s.handleListAddresses)
			r.Get("/{ip}", s.handleGetAddress)
		})
	})

	return r
}

// Serve listens on the configured address until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Server stopped")
	return nil
}

// requestLogger logs each request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		if s.recorder != nil {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			s.recorder.ObserveRequest(r.Method, route, ww.Status())
		}
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.config.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.doc == nil || s.doc.Report == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Report handlers

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.doc)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.doc.Report.Stats,
		"lookups": s.doc.Report.Lookups,
	})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	rows := s.doc.Report.Credentials
	if rows == nil {
		rows = []correlation.CredentialRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldnames":  s.doc.Report.Schema,
		"credentials": rows,
		"count":       len(rows),
	})
}

// recipientSummary is a recipient timeline with its classified stage.
type recipientSummary struct {
	correlation.RecipientTimeline
	Stage campaign.Stage `json:"stage"`
}

// handleListRecipients lists timelines, optionally filtered by ?stage=.
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	filter := campaign.Stage(r.URL.Query().Get("stage"))
	switch filter {
	case campaign.StageNone, campaign.StageOpened, campaign.StageClicked, campaign.StageSubmitted:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stage"})
		return
	}

	recipients := make([]recipientSummary, 0, len(s.doc.Report.Recipients))
	for _, timeline := range s.doc.Report.Recipients {
		stage := correlation.ClassifyStage(timeline.Events)
		if filter != campaign.StageNone && stage != filter {
			continue
		}
		recipients = append(recipients, recipientSummary{RecipientTimeline: timeline, Stage: stage})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recipients": recipients,
		"count":      len(recipients),
	})
}

func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email"})
		return
	}
	timeline, ok := s.doc.Report.Recipient(email)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "recipient not found"})
		return
	}
	writeJSON(w, http.StatusOK, recipientSummary{
		RecipientTimeline: timeline,
		Stage:             correlation.ClassifyStage(timeline.Events),
	})
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	addresses := s.doc.Report.Addresses
	if addresses == nil {
		addresses = []correlation.AddressDossier{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": addresses,
		"count":     len(addresses),
	})
}

func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	dossier, ok := s.doc.Report.Address(ip)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "address not found"})
		return
	}
	writeJSON(w, http.StatusOK, dossier)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
