package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"speech-recognition-bridge/internal/observability/logging"
)

// Server wraps the HTTP listener for the router.
type Server struct {
	server *http.Server
	addr   string
	logger zerolog.Logger
}

// NewServer creates an HTTP server for handler. WriteTimeout is left unset
// because WebSocket streams are long lived.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr:   addr,
		logger: logging.WithComponent("http"),
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting HTTP server")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
