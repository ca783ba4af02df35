package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/eventproto"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// Runner is the part of the run controller the API drives
type Runner interface {
	Start(ctx context.Context, req runner.RunRequest) error
	Stop()
	Snapshot() runner.Snapshot
	Catalog() *domain.Catalog
}

// History interface for database operations
type History interface {
	ListRuns(limit int) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	ResultsForRun(runID string) ([]*domain.TestResult, error)
}

// Options configures how runs requested over the API are launched
type Options struct {
	Dir    string
	Env    map[string]string
	Pytest config.PytestOptions
	// ExtraArgs go before the arguments of each request
	ExtraArgs []string
	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API server
type Server struct {
	runner  Runner
	history History
	opts    Options
	addr    string
	mux     *http.ServeMux
	hub     *Hub
	log     *log.Logger

	// runs outlive the request that started them
	baseCtx context.Context
}

// NewServer creates a new API server. history may be nil when runs are not
// persisted.
func NewServer(r Runner, history History, addr string, opts Options) *Server {
	s := &Server{
		runner:  r,
		history: history,
		opts:    opts,
		addr:    addr,
		mux:     http.NewServeMux(),
		hub:     NewHub(),
		log:     logger.With("web"),
		baseCtx: context.Background(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tests", s.listTestsHandler())
	s.mux.HandleFunc("/api/markers", s.listMarkersHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/stop", s.stopRunHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())

	if s.opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub clients are served from
func (s *Server) Hub() *Hub {
	return s.hub
}

// Publisher returns a run observer that streams every notification to the
// connected clients. Subscribe it to the controller.
func (s *Server) Publisher() *eventproto.Publisher {
	return eventproto.NewPublisher(func(msgType string, data []byte) {
		s.hub.Broadcast(Event{Type: msgType, Data: data})
	})
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
