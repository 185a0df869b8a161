// Package api provides the HTTP server for TherapyPipe.
//
// It exposes RESTful endpoints to create therapy sessions, submit user input,
// process turns (plain or streamed as server-sent events), inspect and export
// conversations, manage crisis state and edit prompts.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/BTreeMap/TherapyPipe/internal/workflow"
)

// Default configuration values
const (
	DefaultAddr            = ":8080"
	DefaultTurnTimeout     = 2 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	// MaxRequestBodyBytes caps JSON request bodies.
	MaxRequestBodyBytes = 64 * 1024
)

// ErrNoSessions is returned by NewServer without a session registry.
var ErrNoSessions = errors.New("api server requires a session registry")

// Opts holds the optional server configuration.
type Opts struct {
	Addr        string
	TurnTimeout time.Duration
	// RateLimit is the number of requests per second accepted across all
	// clients; zero disables limiting.
	RateLimit float64
	RateBurst int
	Metrics   http.Handler
	Prompts   *prompts.Store
	Repo      store.SessionRepo
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTurnTimeout bounds the time one turn may take.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// WithRateLimit limits accepted requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimit = rps
		o.RateBurst = burst
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithPrompts enables the prompt endpoints.
func WithPrompts(p *prompts.Store) Option {
	return func(o *Opts) { o.Prompts = p }
}

// WithRepo enables session listing and full transcript export.
func WithRepo(r store.SessionRepo) Option {
	return func(o *Opts) { o.Repo = r }
}

// Server serves the TherapyPipe HTTP API.
type Server struct {
	sessions *workflow.Sessions
	opts     Opts
	limiter  *rate.Limiter
	validate *validator.Validate
	started  time.Time
}

// NewServer creates a server over sessions.
func NewServer(sessions *workflow.Sessions, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, ErrNoSessions
	}
	cfg := Opts{Addr: DefaultAddr, TurnTimeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	s := &Server{
		sessions: sessions,
		opts:     cfg,
		validate: newValidator(),
		started:  time.Now(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/input", s.inputHandler)
	mux.HandleFunc("POST /sessions/{id}/turn", s.turnHandler)
	mux.HandleFunc("POST /sessions/{id}/turn/stream", s.streamTurnHandler)
	mux.HandleFunc("GET /sessions/{id}/conversation", s.conversationHandler)
	mux.HandleFunc("GET /sessions/{id}/stats", s.statsHandler)
	mux.HandleFunc("POST /sessions/{id}/reset", s.resetHandler)
	mux.HandleFunc("POST /sessions/{id}/stage/retreat", s.retreatStageHandler)
	mux.HandleFunc("GET /sessions/{id}/transcript", s.transcriptHandler)
	mux.HandleFunc("GET /sessions/{id}/crisis", s.crisisStatusHandler)
	mux.HandleFunc("POST /sessions/{id}/crisis/deactivate", s.deactivateCrisisHandler)

	mux.HandleFunc("GET /prompts/{agent}", s.getPromptHandler)
	mux.HandleFunc("PUT /prompts/{agent}", s.setSystemPromptHandler)
	mux.HandleFunc("PUT /prompts/{agent}/stages/{stage}", s.setStagePromptHandler)

	return s.logRequests(s.rateLimit(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API: %w", err)
	}
	return nil
}
