// Package adminapi is the read-only HTTP surface wholly additional to
// the TCP line protocol: a health check, a point-in-time extension
// listing, and a Prometheus scrape endpoint. Nothing here can mutate a
// TU or the Registry, so it needs no authentication layer, keeping the
// "authentication" non-goal intact while still exercising chi and
// client_golang the way the teacher's internal/api and internal/metrics
// packages do.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbxsim/internal/pbx"
)

// Server is the admin HTTP surface.
type Server struct {
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New builds the admin HTTP surface bound to registry, listening on
// addr once Start is called.
func New(addr string, registry *pbx.Registry, logger *slog.Logger) *Server {
	logger = logger.With("component", "adminapi")

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(registry))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(structuredLogger(logger))
	r.Use(recoverer(logger))

	r.Get("/health", handleHealth)
	r.Get("/extensions", handleExtensions(registry))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		router: r,
		http:   &http.Server{Addr: addr, Handler: r},
		logger: logger,
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully. It blocks until the server has stopped.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin http surface listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin http shutdown did not complete cleanly", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleExtensions(registry *pbx.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"max_extensions": registry.MaxExtensions(),
			"active":         registry.ActiveCount(),
			"extensions":     registry.Snapshot(),
		})
	}
}
