package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"browser-test-orchestrator/internal/config"
	"browser-test-orchestrator/internal/monitor"
)

// Server is the orchestrator's HTTP front end.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	cfg        *config.Config
}

// NewServer registers every route behind the middleware chain.
func NewServer(cfg *config.Config, h *Handlers, metrics *monitor.Metrics) *Server {
	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true so all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /executions", h.HandleRunExecution)
	apiMux.HandleFunc("GET /executions", h.HandleListExecutions)
	apiMux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)
	apiMux.HandleFunc("GET /executions/{id}/export", h.HandleExportExecution)
	apiMux.HandleFunc("GET /executions/{id}/events", h.HandleExecutionEvents)
	apiMux.HandleFunc("POST /executions/{id}/start", h.HandleStartCallback)
	apiMux.HandleFunc("POST /executions/{id}/result", h.HandleResultCallback)
	apiMux.HandleFunc("POST /executions/{id}/progress", h.HandleProgressCallback)
	apiMux.HandleFunc("GET /events/ws", h.HandleEventsWebSocket)

	apiMux.HandleFunc("POST /testcases", h.HandleCreateTestCase)
	apiMux.HandleFunc("GET /testcases", h.HandleListTestCases)
	apiMux.HandleFunc("GET /testcases/{id}", h.HandleGetTestCase)
	apiMux.HandleFunc("PUT /testcases/{id}", h.HandleUpdateTestCase)
	apiMux.HandleFunc("DELETE /testcases/{id}", h.HandleDeleteTestCase)

	apiMux.HandleFunc("GET /statistics/testcases", h.HandleTestCaseStats)
	apiMux.HandleFunc("GET /statistics/testcases/{id}", h.HandleTestCaseStat)
	apiMux.HandleFunc("GET /dashboard/summary", h.HandleDashboardSummary)
	apiMux.HandleFunc("GET /dashboard/execution-chart", h.HandleExecutionChart)
	apiMux.HandleFunc("GET /dashboard/top-testcases", h.HandleTopTestCases)
	apiMux.HandleFunc("GET /dashboard/health-check", h.HandleHealthCheck)
	apiMux.HandleFunc("GET /dashboard/failure-analysis", h.HandleFailureAnalysis)
	apiMux.HandleFunc("GET /reports/failure-analysis", h.HandleFailureBreakdown)
	apiMux.HandleFunc("GET /reports/performance", h.HandlePerformance)
	apiMux.HandleFunc("GET /reports/executions.xlsx", h.HandleExecutionsWorkbook)

	apiMux.HandleFunc("/", h.HandleNotFound)

	authed := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.Metrics.Enabled && metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authed)

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	return &Server{
		handler: handler,
		cfg:     cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address(),
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start blocks serving requests, over TLS when configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server")
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
