package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/information-sharing-networks/ksef-gateway/internal/app"
	"github.com/information-sharing-networks/ksef-gateway/internal/config"
	"github.com/information-sharing-networks/ksef-gateway/internal/logger"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/handlers"
	"github.com/information-sharing-networks/ksef-gateway/internal/server/middleware"
	"github.com/information-sharing-networks/ksef-gateway/internal/version"
)

// requestTimeout bounds a single request. Job handlers may process a full queue batch, each
// entry with its own retries, so this is longer than a typical API timeout.
const requestTimeout = 5 * time.Minute

type Server struct {
	app    *app.App
	config *config.ServerEnvironment
	logger *slog.Logger
	router *chi.Mux
}

func NewServer(a *app.App) *Server {
	server := &Server{
		app:    a,
		config: a.Config,
		logger: a.Logger,
		router: chi.NewRouter(),
	}

	server.setupMiddleware()
	server.registerRoutes()

	return server
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(logger.RequestLogging(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.SecurityHeaders(s.config.Environment))
	s.router.Use(middleware.RateLimit(s.config.RateLimitRPS, s.config.RateLimitBurst))
	s.router.Use(middleware.RequestSizeLimit(s.config.MaxRequestBodySize))
	s.router.Use(chimiddleware.Timeout(requestTimeout))
}

func (s *Server) registerRoutes() {
	a := s.app
	cfg := s.config

	s.router.Get("/health/live", handlers.HandleHealth)
	s.router.Get("/health/ready", handlers.HandleReadiness(a.Store))
	s.router.Get("/version", handlers.HandleVersion(version.Get()))

	s.router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(cfg.APIToken))

			r.Post("/invoices", handlers.HandleCreateInvoice(a.Store))
			r.Get("/invoices/{id}", handlers.HandleGetInvoice(a.Store))
			r.Post("/invoices/{id}/send", handlers.HandleSendInvoice(a.Pipeline))
			r.Post("/invoices/{id}/status", handlers.HandleRefreshStatus(a.Reconciler))
			r.Post("/invoices/{id}/upo", handlers.HandleFetchReceipt(a.Reconciler))
			r.Get("/upo-files/{name}", handlers.HandleUpoFile(a.Archive))

			r.Post("/batches", handlers.HandleSubmitBatch(a.Pipeline))
			r.Get("/batches", handlers.HandleListBatches(a.Store))

			r.Get("/sessions", handlers.HandleListSessions(a.Sessions))
			r.Post("/sessions", handlers.HandleInitSession(a.Sessions))
			r.Delete("/sessions/{id}", handlers.HandleTerminateSession(a.Sessions))

			r.Get("/queue", handlers.HandleListQueue(a.Queue))
			r.Get("/audit", handlers.HandleListAudit(a.Store))
			r.Get("/config", handlers.HandleConfig(cfg))
		})

		// scheduler endpoints
		r.Route("/jobs", func(r chi.Router) {
			r.Use(middleware.BearerAuth(cfg.JobSecret()))

			r.Post("/keepalive", handlers.HandleKeepAliveJob(a.Sessions, cfg.KsefKeepAliveAfter))
			r.Post("/retry-queue", handlers.HandleRetryQueueJob(a.Drainer, cfg.KsefQueueBatchSize))
			r.Post("/poll-status", handlers.HandlePollStatusJob(a.Reconciler, cfg.KsefStatusPollSince, cfg.KsefStatusPollLimit))
			r.Post("/purge-sessions", handlers.HandlePurgeSessionsJob(a.Sessions))
		})
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	serverAddr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("service listening",
			slog.String("environment", s.config.Environment),
			slog.String("address", serverAddr))

		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ServerShutdownTimeout)
	defer shutdownCancel()

	s.logger.Info("shutting down HTTP server")

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Warn("HTTP server shutdown error",
			slog.String("error", err.Error()))
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}
