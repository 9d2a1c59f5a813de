package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/infra/api/apiv1"
)

// Server is the process HTTP front door: the versioned operator API plus
// health and metrics endpoints, wrapped in the shared middleware chain.
type Server struct {
	cfg    *config.APIConfig
	server *http.Server
	log    *zerolog.Logger
}

func NewServer(cfg *config.APIConfig, v1 *apiv1.Server, logger *zerolog.Logger) *Server {
	r := chi.NewRouter()
	apiv1.RegisterAPIV1(r, v1)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Upgrade requests keep their connection open for the stream's lifetime,
	// so the request timeout applies to plain HTTP only.
	timeout := Timeout(30 * time.Second)
	deadline := func(next http.Handler) http.Handler {
		limited := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, req)
				return
			}
			limited.ServeHTTP(w, req)
		})
	}

	handler := Chain(r,
		Recover(logger),
		TraceID(logger),
		RequestLog(logger),
		deadline,
	)

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
