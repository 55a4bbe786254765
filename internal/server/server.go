// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware and
// routes, and it owns the lifetime of everything the routes depend on:
//
//	cmd/server builds:  config → registry (initialized pools)
//	server.New builds:  sqlite.DB → ExecutionService → handlers → routes
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes) rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/coderunner/internal/auth"
	"github.com/sakif/coderunner/internal/config"
	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/middleware"
	"github.com/sakif/coderunner/internal/registry"
	sqliteRepo "github.com/sakif/coderunner/internal/repository/sqlite"
	"github.com/sakif/coderunner/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database and the runner registry. Shutdown releases
// them in dependency order: stop taking HTTP requests, stop the worker
// pools (in-flight executions resolve with "shutting down"), then close the
// database so the last history rows are flushed.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	registry *registry.Registry
}

// New builds the server around an already initialized registry. The
// registry is owned by the server from here on.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		registry: reg,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// POST   /auth/token                → API key for bearer token (auth enabled only)
// GET    /api/v1/health             → pool statistics per language
// GET    /api/v1/languages          → configured and available languages
// POST   /api/v1/execute            → run code             [auth, rate limit]
// GET    /api/v1/executions         → history              [auth]
// GET    /api/v1/executions/{id}    → one history entry    [auth]
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: unique ID per request, picked up by the logger
// 2. RealIP: rewrites RemoteAddr from proxy headers, the rate limiter keys on it
// 3. Logger: logs each request with timing info
// 4. Recoverer: turns panics into 500s instead of crashing the process
// 5. CORS: answers preflight requests before auth sees them
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	execService := service.NewExecutionService(s.registry, s.db, service.Limits{
		Defaults:   s.config.ExecOptions(),
		MaxTimeout: s.config.Defaults.MaxTimeout,
	}, s.logger)
	executeHandler := handler.NewExecuteHandler(execService, s.logger)
	systemHandler := handler.NewSystemHandler(s.registry)

	requireAuth := func(next http.Handler) http.Handler { return next }
	if s.config.Auth.Enabled() {
		tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		keys := auth.NewKeyService(s.config.Auth.APIKeys)
		tokenHandler := handler.NewTokenHandler(keys, tokens, s.logger)

		s.router.Post("/auth/token", tokenHandler.HandleToken)
		requireAuth = auth.RequireAuth(tokens, handler.Unauthorized)
	} else {
		s.logger.Warn("auth.jwt_secret not set, the execution API is open")
	}

	rateLimit := func(next http.Handler) http.Handler { return next }
	if s.config.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(s.config.Server.RateLimit, s.config.Server.RateBurst)
		rateLimit = limiter.Handler(handler.RateLimited)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", systemHandler.HandleHealth)
		r.Get("/languages", systemHandler.HandleLanguages)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.With(rateLimit).Post("/execute", executeHandler.HandleExecute)
			r.Get("/executions", executeHandler.HandleList)
			r.Get("/executions/{id}", executeHandler.HandleGet)
		})
	})

	return nil
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is cancelled or the listener fails, then releases
// everything the server owns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		s.closeResources()
		return fmt.Errorf("listening on port %d: %w", s.config.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// WriteTimeout must outlast the longest execution plus its queue wait,
	// otherwise slow requests are cut off mid-response.
	writeTimeout := max(s.config.Server.WriteTimeout, 2*s.config.Defaults.MaxTimeout+5*time.Second)
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("database", s.config.Storage.DBPath),
			slog.Any("languages", s.registry.Languages()),
		)
		serverErrors <- srv.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := s.registry.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stopping runners: %w", err))
	}
	if err := s.db.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("closing database: %w", err))
	}
	s.logger.Info("server stopped")
	return runErr
}

func (s *Server) closeResources() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	_ = s.registry.Shutdown(ctx)
	_ = s.db.Close()
}
