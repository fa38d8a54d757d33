// Package http hosts the playback-facing JSON API, the HLS output
// mount, and the health endpoint. Admin, auth, and catalog management
// belong to the application fronting this service; this layer exists so
// the playlist paths the supervisor hands out resolve.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/thomasbambino/streamcore/internal/config"
	"github.com/thomasbambino/streamcore/internal/database"
	"github.com/thomasbambino/streamcore/internal/epg"
	"github.com/thomasbambino/streamcore/internal/http/middleware"
	"github.com/thomasbambino/streamcore/internal/ledger"
	"github.com/thomasbambino/streamcore/internal/observability"
	"github.com/thomasbambino/streamcore/internal/repository"
	"github.com/thomasbambino/streamcore/internal/scheduler"
	"github.com/thomasbambino/streamcore/internal/storage"
	"github.com/thomasbambino/streamcore/internal/transcoder"
)

// Deps carries the collaborators the routes are built on. Scheduler and
// DB may be nil; the health endpoint reports them as absent.
type Deps struct {
	Ledger     *ledger.Ledger
	Supervisor *transcoder.Supervisor
	History    repository.ViewingHistoryRepository
	Scheduler  *scheduler.Scheduler
	DB         *database.DB
	// Guide is nil when the program guide is disabled.
	Guide *epg.XMLTVProvider
	// Output is the sandbox the supervisor writes HLS files into; it
	// backs the /hls mount.
	Output  *storage.Sandbox
	Version string
}

// Server is the HTTP server.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	router *chi.Mux
}

// NewServer builds the router and middleware chain.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "http")

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID(logger))
	router.Use(middleware.RequestLogger("/hls/"))
	router.Use(middleware.Recovery(logger))

	mountRoutes(router, deps, logger)

	return &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}
}

func mountRoutes(router chi.Router, deps Deps, logger *slog.Logger) {
	sessions := &sessionHandler{
		ledger:  deps.Ledger,
		history: deps.History,
	}
	playback := &playbackHandler{
		supervisor: deps.Supervisor,
		output:     deps.Output,
	}
	health := newHealthHandler(deps, logger)

	router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", sessions.acquire)
		r.Post("/sessions/{token}/heartbeat", sessions.heartbeat)
		r.Delete("/sessions/{token}", sessions.release)
		r.Delete("/users/{id}/sessions", sessions.releaseUser)
		r.Get("/users/{id}/history", sessions.userHistory)
		r.Delete("/sources/{id}/sessions", sessions.releaseSource)
		r.Get("/sources/{id}/capacity", sessions.capacity)
		r.Post("/channels/{key}/playlist", playback.ensurePlaylist)
	})
	router.Get("/health", health.get)
	router.Get("/hls/*", playback.serveOutput)
}

// Router returns the chi router, for tests and for mounting extra
// routes before ListenAndServe.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the server until ctx is canceled or the listener
// fails. On cancellation, in-flight requests get the configured shutdown
// timeout to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("draining http server",
		slog.Duration("timeout", s.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
