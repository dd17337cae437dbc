// Package api serves the dashboard's HTTP interface: read views over the
// ledger and the submission endpoint the cost agent posts to.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/costguard/ledger/pkg/ingest"
	"github.com/costguard/ledger/pkg/ledger"
)

// Queries is the read side served by the API.
type Queries interface {
	Scan(ctx context.Context, repo string) (ledger.ScanSnapshot, error)
	Decisions(ctx context.Context, repo string, limit int) ([]ledger.DecisionRecord, error)
	RepoSummaries(ctx context.Context) ([]ledger.RepoSummary, error)
}

// Submitter stores submissions.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error)
}

type Config struct {
	Addr string
	// APIKey, when non-empty, must be sent as a bearer token to /submit.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	cfg       Config
	log       logrus.FieldLogger
	queries   Queries
	submitter Submitter
}

// NewServer creates a new HTTP server instance
func NewServer(cfg Config, queries Queries, submitter Submitter, log logrus.FieldLogger) *Server {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	s := &Server{
		router:    http.NewServeMux(),
		cfg:       cfg,
		log:       log,
		queries:   queries,
		submitter: submitter,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.applyMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.Addr).Info("starting http server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP runs the full middleware chain; tests drive the server through it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps the handler with middleware in the correct order
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.log)(handler)
	handler = LoggingMiddleware(s.log)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = CORSMiddleware()(handler)
	return handler
}
