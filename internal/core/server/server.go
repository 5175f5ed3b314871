package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/grid-content-cache/internal/core/config"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/grid-content-cache/internal/core/middleware"
	"github.com/mohammed-shakir/grid-content-cache/internal/core/router"
)

// Deps are the collaborators the routes serve from. Ready, Probes, Metrics
// and Session are optional.
type Deps struct {
	Cells   router.CellService
	Ready   health.ReadinessReporter
	Probes  map[string]health.Probe
	Metrics http.Handler
	Session string
}

// NewHandler builds the chi route tree.
func NewHandler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	if d.Session != "" {
		r.Use(middleware.Session(d.Session))
	}
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready, d.Probes))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Get("/cell", router.HandleCell(logger, d.Cells))
	r.Get("/cell/neighbors", router.HandleNeighbors(d.Cells))
	r.Post("/viewport", router.HandleViewport(logger, d.Cells))
	r.Get("/stats", router.HandleStats(d.Cells))
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, logger, NewHandler(logger, d))
}

func serve(ctx context.Context, ln net.Listener, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
