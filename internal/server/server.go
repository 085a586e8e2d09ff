// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/config"
	"github.com/vyrodovalexey/lostfound/internal/handler"
	"github.com/vyrodovalexey/lostfound/internal/middleware"
	"github.com/vyrodovalexey/lostfound/internal/search"
)

// Server serves the browse API, the live view websocket and, when a probe
// port is configured, a separate probe listener.
type Server struct {
	httpServer  *http.Server
	probeServer *http.Server
	router      *mux.Router
	probeRouter *mux.Router
	config      *config.Config
	logger      *zap.Logger
	restHandler *handler.RESTHandler
	wsHandler   *handler.WebSocketHandler
}

// New creates a new Server instance.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	collection handler.LiveCollection,
	pipeline *search.Pipeline,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		probeRouter: mux.NewRouter(),
		config:      cfg,
		logger:      logger,
	}

	s.setupMiddleware()
	s.setupRoutes(collection, pipeline)
	s.setupProbeRoutes()
	s.setupHTTPServer()

	return s
}

// setupMiddleware configures the middleware chain. The first entry is
// the outermost; an empty origin list admits every origin.
func (s *Server) setupMiddleware() {
	chain := []middleware.Middleware{
		middleware.Recovery(s.logger),
		middleware.RequestID(),
	}

	if s.config.Server.MetricsEnabled {
		chain = append(chain, middleware.Metrics())
	}

	chain = append(chain,
		middleware.Logging(s.logger),
		middleware.NoStore(),
		middleware.CORS(
			s.config.Server.CORSOrigins,
			middleware.DefaultCORSMethods,
			middleware.DefaultCORSHeaders,
		),
	)

	s.router.Use(mux.MiddlewareFunc(middleware.Chain(chain...)))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes(collection handler.LiveCollection, pipeline *search.Pipeline) {
	s.restHandler = handler.NewRESTHandler(collection, pipeline, handler.Settings{
		Location:        s.config.Location(),
		SimilarRadiusKm: s.config.Search.SimilarRadiusKm,
		SimilarLimit:    s.config.Search.SimilarLimit,
	}, s.logger)
	s.restHandler.RegisterRoutes(s.router)

	s.wsHandler = handler.NewWebSocketHandler(
		collection,
		pipeline,
		s.config.Location(),
		middleware.OriginChecker(s.config.Server.CORSOrigins),
		s.logger,
	)
	s.wsHandler.RegisterRoutes(s.router)

	if s.config.Server.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	// Preflight requests must match a route for the CORS middleware to run.
	// Method or path matchers here would turn unknown paths into a 405.
	s.router.MatcherFunc(isPreflight).Name(middleware.PreflightRoute).HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	)
}

func isPreflight(r *http.Request, _ *mux.RouteMatch) bool {
	return r.Method == http.MethodOptions
}

// setupProbeRoutes configures the probe router. Probes skip the request
// middleware so that kubelet traffic does not show up in request metrics.
func (s *Server) setupProbeRoutes() {
	s.probeRouter.HandleFunc("/health", s.restHandler.HealthCheck).Methods(http.MethodGet)
	s.probeRouter.HandleFunc("/ready", s.restHandler.ReadyCheck).Methods(http.MethodGet)

	if s.config.Server.MetricsEnabled {
		s.probeRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// setupHTTPServer configures the HTTP servers.
func (s *Server) setupHTTPServer() {
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	if s.config.Server.ProbePort > 0 {
		s.probeServer = &http.Server{
			Addr:              s.config.ProbeAddress(),
			Handler:           s.probeRouter,
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      5 * time.Second,
			IdleTimeout:       30 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		}
	}
}

// Start starts the HTTP servers. It blocks until the main server stops.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		zap.String("address", s.config.Address()),
		zap.Bool("metrics_enabled", s.config.Server.MetricsEnabled),
	)

	if s.probeServer != nil {
		s.logger.Info("starting probe server", zap.String("address", s.config.ProbeAddress()))

		go func() {
			if err := s.probeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("probe server failed", zap.Error(err))
			}
		}()
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen and serve: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// Live views hold hijacked connections that http.Server.Shutdown does not track.
	if s.wsHandler != nil {
		s.wsHandler.CloseAllConnections()
	}

	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	if s.probeServer != nil {
		if err := s.probeServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("probe server shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Router returns the server's router for testing purposes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ProbeRouter returns the probe router for testing purposes.
func (s *Server) ProbeRouter() *mux.Router {
	return s.probeRouter
}
