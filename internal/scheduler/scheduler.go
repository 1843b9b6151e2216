// Package scheduler runs the periodic engine cycles: re-clustering followed
// by representative selection, and consensus evaluation.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/pkg/models"
)

// SessionReader provides discussion snapshots.
type SessionReader interface {
	Snapshot() (*models.Discussion, error)
}

// Bootstrapper re-clusters the discussion.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error)
}

// Selector picks cluster representatives.
type Selector interface {
	Select(ctx context.Context, force bool) ([]representative.Selection, error)
}

// Evaluator checks a snapshot for consensus.
type Evaluator interface {
	Evaluate(ctx context.Context, d *models.Discussion) ([]consensus.Verdict, error)
}

// SchedulerConfig contains scheduling intervals and thresholds.
type SchedulerConfig struct {
	// BootstrapInterval is the period between re-clustering checks (default 2s).
	BootstrapInterval time.Duration `json:"bootstrap_interval"`
	// ConsensusInterval is the period between consensus evaluations (default 10s).
	ConsensusInterval time.Duration `json:"consensus_interval"`
	// MinBootstrapMessages is the message count below which bootstrap is skipped (default 4).
	MinBootstrapMessages int `json:"min_bootstrap_messages"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BootstrapInterval:    2 * time.Second,
		ConsensusInterval:    10 * time.Second,
		MinBootstrapMessages: 4,
	}
}

// Scheduler runs engine cycles on a schedule.
type Scheduler struct {
	session      SessionReader
	bootstrapper Bootstrapper
	selector     Selector
	evaluator    Evaluator
	logger       zerolog.Logger
	stopCh       chan struct{}
	lastID       string
	config       SchedulerConfig
	lastCount    int
	mu           sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(
	session SessionReader,
	bootstrapper Bootstrapper,
	selector Selector,
	evaluator Evaluator,
	config SchedulerConfig,
	logger zerolog.Logger,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.BootstrapInterval <= 0 {
		config.BootstrapInterval = def.BootstrapInterval
	}
	if config.ConsensusInterval <= 0 {
		config.ConsensusInterval = def.ConsensusInterval
	}
	if config.MinBootstrapMessages <= 0 {
		config.MinBootstrapMessages = def.MinBootstrapMessages
	}
	return &Scheduler{
		session:      session,
		bootstrapper: bootstrapper,
		selector:     selector,
		evaluator:    evaluator,
		config:       config,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the scheduler's background loops. Call from a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("bootstrap_interval", s.config.BootstrapInterval).
		Dur("consensus_interval", s.config.ConsensusInterval).
		Msg("Scheduler started")

	bootstrapTicker := time.NewTicker(s.config.BootstrapInterval)
	consensusTicker := time.NewTicker(s.config.ConsensusInterval)
	defer bootstrapTicker.Stop()
	defer consensusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopping (context done)")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("Scheduler stopping (stop signal)")
			return
		case <-bootstrapTicker.C:
			if _, err := s.RunBootstrap(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Bootstrap cycle failed")
			}
		case <-consensusTicker.C:
			if _, err := s.RunConsensus(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Consensus cycle failed")
			}
		}
	}
}

// Stop signals the scheduler to shut down gracefully.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		// Already stopped
	default:
		close(s.stopCh)
	}
}

// RunBootstrap re-clusters when the message count changed since the last
// successful run and is at least the minimum, then selects representatives.
// It reports whether a bootstrap ran.
func (s *Scheduler) RunBootstrap(ctx context.Context) (bool, error) {
	d, err := s.session.Snapshot()
	if errors.Is(err, models.ErrNoDiscussion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	n := len(d.Messages)
	if n < s.config.MinBootstrapMessages {
		return false, nil
	}
	s.mu.Lock()
	unchanged := d.ID == s.lastID && n == s.lastCount
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}

	start := time.Now()
	result, err := s.bootstrapper.Bootstrap(ctx)
	switch {
	case errors.Is(err, cluster.ErrBootstrapInFlight), errors.Is(err, cluster.ErrNotEnoughMessages):
		s.logger.Debug().Err(err).Msg("Bootstrap skipped")
		return false, nil
	case err != nil:
		return false, err
	}

	s.mu.Lock()
	s.lastID, s.lastCount = d.ID, result.Messages
	s.mu.Unlock()

	selections, err := s.selector.Select(ctx, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Representative selection incomplete")
	}

	s.logger.Info().
		Int("messages", result.Messages).
		Int("clusters", len(result.Labels)).
		Int("representatives", len(selections)).
		Dur("elapsed", time.Since(start)).
		Msg("Bootstrap cycle complete")
	return true, nil
}

// RunConsensus evaluates the current discussion.
func (s *Scheduler) RunConsensus(ctx context.Context) ([]consensus.Verdict, error) {
	d, err := s.session.Snapshot()
	if errors.Is(err, models.ErrNoDiscussion) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	verdicts, err := s.evaluator.Evaluate(ctx, d)

	reached := 0
	for _, v := range verdicts {
		if v.Consensus {
			reached++
		}
	}
	s.logger.Debug().
		Int("labels", len(verdicts)).
		Int("consensus", reached).
		Dur("elapsed", time.Since(start)).
		Msg("Consensus cycle complete")
	return verdicts, err
}

// RunAll triggers every cycle once, in order.
func (s *Scheduler) RunAll(ctx context.Context) error {
	if _, err := s.RunBootstrap(ctx); err != nil {
		return err
	}
	_, err := s.RunConsensus(ctx)
	return err
}
