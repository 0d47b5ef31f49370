package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vault-liquidator/internal/service"
	"vault-liquidator/internal/storage"
	"vault-liquidator/internal/version"
)

const requestTimeout = 10 * time.Second

// StatusSource reports the most recent cycle.
type StatusSource interface {
	Status() (service.Status, bool)
}

// Server exposes the health banner, cycle health and Prometheus metrics.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

type healthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	LastCycle *service.Status `json:"last_cycle,omitempty"`
}

// New builds the HTTP server. gatherer may be nil to use the default registry.
func New(addr string, status StatusSource, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http").Logger()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "Liquidation bot is running")
	})
	r.Get("/healthz", healthHandler(status))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout,
			IdleTimeout:  2 * requestTimeout,
		},
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func healthHandler(source StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{Status: "starting", Version: version.String()}
		code := http.StatusOK

		if source != nil {
			if last, ok := source.Status(); ok {
				resp.LastCycle = &last
				resp.Status = "ok"
				if last.Status == storage.CycleStatusAborted {
					resp.Status = "degraded"
					code = http.StatusServiceUnavailable
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
