package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /health.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	log      logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer returns a server for addr. It does not listen until Start.
func NewServer(addr string, gatherer prometheus.Gatherer, log logger.Logger) *Server {
	return &Server{addr: addr, gatherer: gatherer, log: log}
}

// Handler returns the mux served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New().WithMessage(errors.ErrAlreadyRunning, "metrics server is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.New().Wrap(errors.ErrInitFailed, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Metrics server failed")
		}
	}(s.server)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
