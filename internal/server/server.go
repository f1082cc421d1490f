package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esnunes/pagesmith/internal/models"
)

// Version is reported by the root endpoint. It is set at build time.
var Version = "dev"

// TaskHandler processes one submission.
type TaskHandler interface {
	Handle(ctx context.Context, req models.TaskRequest) (models.OutcomeResult, error)
}

// Status describes the configuration reported by the health endpoint.
type Status struct {
	AIProviders      []string
	GitHubConfigured bool
	ConfigLoaded     bool
}

type Options struct {
	Status Status
	// Gatherer is exposed on /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// LogFile is served on /logs when set.
	LogFile string
	Logger  *slog.Logger
}

type Server struct {
	tasks   TaskHandler
	status  Status
	logFile string
	log     *slog.Logger
	httpSrv *http.Server
	ln      net.Listener
	addr    string
}

// maxBodyBytes bounds request bodies; attachments may be inline data URIs.
const maxBodyBytes = 16 << 20

func New(tasks TaskHandler, opts Options) *Server {
	s := &Server{
		tasks:   tasks,
		status:  opts.Status,
		logFile: opts.LogFile,
		log:     opts.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /process_task", s.handleProcessTask)
	mux.HandleFunc("GET /logs", s.handleLogs)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Handler:           s.requestID(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Listen binds the server to addr. Call Serve to start handling requests.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve starts handling HTTP requests. Blocks until ctx is cancelled, then
// waits up to grace for in-flight requests.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", "error", err)
		}
	}()

	s.log.Info("listening", "addr", s.addr)
	if err := s.httpSrv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	<-stopped
	s.log.Info("server stopped")
	return nil
}

func (s *Server) Addr() string {
	return s.addr
}
