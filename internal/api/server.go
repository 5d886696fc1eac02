// Package api serves the current pipeline snapshot over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/monitoring"
)

// LoadFunc produces a fresh dataset for retrain requests, normally by
// re-reading the configured source.
type LoadFunc func(ctx context.Context) (*model.Dataset, error)

// Server exposes the engine's snapshot and retrain control.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	metrics *monitoring.Metrics
	load    LoadFunc
}

// NewServer wires the API around an engine. Metrics may be nil; load may be
// nil when retraining over HTTP is not offered.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, m *monitoring.Metrics, load LoadFunc) *Server {
	return &Server{cfg: cfg, engine: eng, metrics: m, load: load}
}

// Router builds the route tree. Health and metrics sit outside the rate
// limit so probes and scrapes never see 429.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Get("/summary", s.handleSummary)
		r.Get("/taxpayers/{id}", s.handleTaxpayer)
		r.Get("/risk-scores", s.handleRiskScores)
		r.Get("/high-risk", s.handleHighRisk)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/queue", s.handleQueue)
		r.Get("/industry-stats", s.handleIndustryStats)
		r.Get("/compliance-stats", s.handleComplianceStats)
		r.Get("/model", s.handleModel)
		r.Post("/retrain", s.handleRetrain)
	})

	return r
}

// observe logs every request and feeds the HTTP metrics, labeled by route
// pattern rather than raw path to keep cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.ObserveHTTP(r.Method, route, ww.Status(), elapsed.Seconds())
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed))
	})
}
