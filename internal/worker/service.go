// Package worker provides the HTTP service that ingests messages into the
// active discussion and serves its read model.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/embedding"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/internal/worker/sse"
	"github.com/thebtf/concord/pkg/models"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// LongOperationTimeout bounds requests that call collaborators for a whole
	// discussion (bootstrap, representative selection, consensus).
	LongOperationTimeout = 5 * time.Minute

	// MaxRequestBodySize caps request bodies.
	MaxRequestBodySize = 1 << 20

	// DefaultMessageRate is the per-client message ingestion rate (messages/s).
	DefaultMessageRate  = 20
	DefaultMessageBurst = 40
)

// Session is the discussion handle used by the handlers.
type Session interface {
	Start(ctx context.Context, topic string) (*models.Discussion, error)
	Snapshot() (*models.Discussion, error)
}

// Clusters places messages and re-clusters the discussion.
type Clusters interface {
	Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error)
	Assign(ctx context.Context, msg *models.Message) (*cluster.AssignResult, error)
}

// Representatives selects cluster representatives.
type Representatives interface {
	Select(ctx context.Context, force bool) ([]representative.Selection, error)
}

// Consensus evaluates discussion snapshots.
type Consensus interface {
	Evaluate(ctx context.Context, d *models.Discussion) ([]consensus.Verdict, error)
	Thresholds() consensus.Thresholds
}

// Options tunes the service.
type Options struct {
	Version string
	Addr    string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// EmbeddingStats reports embedding cache effectiveness on /api/stats when set.
	EmbeddingStats func() embedding.Stats
	MessageRate    float64
	MessageBurst   int
}

// Service is the HTTP worker.
type Service struct {
	session         Session
	clusters        Clusters
	representatives Representatives
	consensus       Consensus
	events          *sse.Broadcaster
	limiter         *PerClientRateLimiter
	metrics         http.Handler
	embeddingStats  func() embedding.Stats
	router          *chi.Mux
	server          *http.Server
	initError       error
	startTime       time.Time
	version         string
	addr            string
	wg              sync.WaitGroup
	initMu          sync.RWMutex
	ready           atomic.Bool
}

// NewService creates the worker. The health endpoints answer immediately;
// API routes return 503 until SetReady is called.
func NewService(
	session Session,
	clusters Clusters,
	representatives Representatives,
	cons Consensus,
	events *sse.Broadcaster,
	opts Options,
) *Service {
	if events == nil {
		events = sse.NewBroadcaster()
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = DefaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = DefaultMessageBurst
	}

	s := &Service{
		session:         session,
		clusters:        clusters,
		representatives: representatives,
		consensus:       cons,
		events:          events,
		limiter:         NewPerClientRateLimiter(opts.MessageRate, opts.MessageBurst),
		metrics:         opts.Metrics,
		embeddingStats:  opts.EmbeddingStats,
		router:          chi.NewRouter(),
		startTime:       time.Now(),
		version:         opts.Version,
		addr:            opts.Addr,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// SetReady marks initialization complete.
func (s *Service) SetReady() {
	s.ready.Store(true)
	log.Info().Msg("Worker ready")
}

// SetInitError records a failed initialization.
func (s *Service) SetInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Initialization failed")
}

// GetInitError returns the initialization error, if any.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(SecurityHeaders)
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)

	// Streams stay open, so no request timeout here.
	s.router.Get("/api/events", s.events.HandleSSE)

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Use(MaxBodySize(MaxRequestBodySize))
		r.Use(RequireJSONContentType)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(DefaultHTTPTimeout))

			r.Post("/api/discussions", s.handleStartDiscussion)
			r.Get("/api/discussion", s.handleGetDiscussion)
			r.Get("/api/dashboard", s.handleDashboard)
			r.Get("/api/stats", s.handleStats)
			r.With(PerClientRateLimitMiddleware(s.limiter)).Post("/api/messages", s.handlePostMessage)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(LongOperationTimeout))

			r.Post("/api/clusters/bootstrap", s.handleBootstrap)
			r.Post("/api/representatives", s.handleRepresentatives)
			r.Get("/api/consensus", s.handleConsensus)
		})
	})
}

// Start begins serving on the configured address.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server.RegisterOnShutdown(s.events.CloseAll)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().Str("addr", s.addr).Msg("Worker HTTP server started")
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	log.Info().Msg("Worker HTTP server stopped")
	return err
}
