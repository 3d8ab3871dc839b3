package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// ReadinessCheck reports why the process cannot serve traffic yet.
type ReadinessCheck func(ctx context.Context) error

type readiness struct {
	name  string
	check ReadinessCheck
}

type route struct {
	pattern string
	handler http.Handler
}

type Server struct {
	port   int
	logger *zerolog.Logger
	checks []readiness
	routes []route
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadiness adds a check consulted by /readyz.
func WithReadiness(name string, check ReadinessCheck) ServerOption {
	return func(s *Server) { s.checks = append(s.checks, readiness{name: name, check: check}) }
}

// WithHandler mounts an additional handler next to the health endpoints.
func WithHandler(pattern string, handler http.Handler) ServerOption {
	return func(s *Server) { s.routes = append(s.routes, route{pattern: pattern, handler: handler}) }
}

func NewServer(port int, logger *zerolog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Server{port: port, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the mux serving health, readiness, metrics and the mounted handlers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "OK")
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range s.checks {
			if err := c.check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = fmt.Fprintf(w, "%s: %v", c.name, err)

				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "OK")
	})

	mux.Handle("/metrics", promhttp.Handler())

	for _, rt := range s.routes {
		mux.Handle(rt.pattern, rt.handler)
	}

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)

		defer cancel()

		//nolint:errcheck,contextcheck // shutdown in signal handler is best-effort, non-inherited context intentional
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Int("port", s.port).Msg("HTTP server starting")

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}
