package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/threadline/platform/internal/config"
	"github.com/threadline/platform/pkg/logger"
)

// HTTPServer runs the API listener as a managed service.
type HTTPServer struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// NewHTTPServer wraps handler in a configured http.Server.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.NewDefault("httpserver")
	}
	return &HTTPServer{
		srv: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

func (s *HTTPServer) Name() string { return "http-server" }

// Start begins serving in the background. Listener failures after startup are
// logged, not returned.
func (s *HTTPServer) Start(_ context.Context) error {
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server terminated")
		}
	}()
	return nil
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *HTTPServer) Stop(ctx context.Context) error {
	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
