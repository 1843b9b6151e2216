package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/pkg/models"
)

// SchedulerSuite validates scheduler cycles.
type SchedulerSuite struct {
	suite.Suite
	ctx       context.Context
	session   *mockSession
	boot      *mockBootstrapper
	selector  *mockSelector
	evaluator *mockEvaluator
	sched     *Scheduler
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
	s.session = &mockSession{discussion: discussionWith(4)}
	s.boot = &mockBootstrapper{}
	s.selector = &mockSelector{}
	s.evaluator = &mockEvaluator{}
	s.sched = NewScheduler(s.session, s.boot, s.selector, s.evaluator, SchedulerConfig{}, zerolog.Nop())
}

type mockSession struct {
	discussion *models.Discussion
	err        error
	mu         sync.Mutex
}

func (m *mockSession) Snapshot() (*models.Discussion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.discussion.Clone(), nil
}

func (m *mockSession) set(d *models.Discussion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discussion = d
}

type mockBootstrapper struct {
	bootstrapFn     func(context.Context) (*cluster.BootstrapResult, error)
	bootstrapCalled int
	mu              sync.Mutex
}

func (m *mockBootstrapper) Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error) {
	m.mu.Lock()
	m.bootstrapCalled++
	m.mu.Unlock()
	if m.bootstrapFn == nil {
		return &cluster.BootstrapResult{Labels: []string{"A", "B"}, Messages: 4}, nil
	}
	return m.bootstrapFn(ctx)
}

func (m *mockBootstrapper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootstrapCalled
}

type mockSelector struct {
	selectFn     func(context.Context, bool) ([]representative.Selection, error)
	selectCalled int
	lastForce    bool
}

func (m *mockSelector) Select(ctx context.Context, force bool) ([]representative.Selection, error) {
	m.selectCalled++
	m.lastForce = force
	if m.selectFn == nil {
		return nil, nil
	}
	return m.selectFn(ctx, force)
}

type mockEvaluator struct {
	evaluateFn     func(context.Context, *models.Discussion) ([]consensus.Verdict, error)
	evaluateCalled int
	mu             sync.Mutex
}

func (m *mockEvaluator) Evaluate(ctx context.Context, d *models.Discussion) ([]consensus.Verdict, error) {
	m.mu.Lock()
	m.evaluateCalled++
	m.mu.Unlock()
	if m.evaluateFn == nil {
		return nil, nil
	}
	return m.evaluateFn(ctx, d)
}

func (m *mockEvaluator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateCalled
}

func discussionWith(n int) *models.Discussion {
	d := models.NewDiscussion("topic")
	for i := 0; i < n; i++ {
		_ = d.AddMessage(&models.Message{ID: fmt.Sprint(i), AuthorID: "a", Content: "text"})
	}
	return d
}

func (s *SchedulerSuite) TestDefaultSchedulerConfigValues() {
	cfg := DefaultSchedulerConfig()
	assert.Equal(s.T(), 2*time.Second, cfg.BootstrapInterval)
	assert.Equal(s.T(), 10*time.Second, cfg.ConsensusInterval)
	assert.Equal(s.T(), 4, cfg.MinBootstrapMessages)
	assert.Equal(s.T(), cfg, s.sched.config, "zero config takes defaults")
}

func (s *SchedulerSuite) TestRunBootstrap_RunsThenSelects() {
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)
	s.True(ran)
	s.Equal(1, s.boot.calls())
	s.Equal(1, s.selector.selectCalled)
	s.False(s.selector.lastForce)
}

func (s *SchedulerSuite) TestRunBootstrap_SkipsUnchangedCount() {
	_, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)

	ran, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)
	s.False(ran)
	s.Equal(1, s.boot.calls())

	d := s.session.discussion.Clone()
	s.Require().NoError(d.AddMessage(&models.Message{ID: "new", AuthorID: "b", Content: "more"}))
	s.session.set(d)
	s.boot.bootstrapFn = func(context.Context) (*cluster.BootstrapResult, error) {
		return &cluster.BootstrapResult{Messages: 5}, nil
	}

	ran, err = s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)
	s.True(ran)
	s.Equal(2, s.boot.calls())
}

func (s *SchedulerSuite) TestRunBootstrap_NewDiscussionRunsAgain() {
	_, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)

	s.session.set(discussionWith(4))
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)
	s.True(ran)
}

func (s *SchedulerSuite) TestRunBootstrap_SkipsBelowMinimum() {
	s.session.set(discussionWith(3))
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.Require().NoError(err)
	s.False(ran)
	s.Zero(s.boot.calls())
}

func (s *SchedulerSuite) TestRunBootstrap_NoDiscussion() {
	s.session.err = models.ErrNoDiscussion
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.NoError(err)
	s.False(ran)

	verdicts, err := s.sched.RunConsensus(s.ctx)
	s.NoError(err)
	s.Nil(verdicts)
	s.Zero(s.evaluator.calls())
}

func (s *SchedulerSuite) TestRunBootstrap_InFlightIsSkipped() {
	s.boot.bootstrapFn = func(context.Context) (*cluster.BootstrapResult, error) {
		return nil, cluster.ErrBootstrapInFlight
	}
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.NoError(err)
	s.False(ran)
	s.Zero(s.selector.selectCalled)
}

func (s *SchedulerSuite) TestRunBootstrap_FailureRetriesNextTick() {
	s.boot.bootstrapFn = func(context.Context) (*cluster.BootstrapResult, error) {
		return nil, models.ErrCollaboratorUnavailable
	}
	_, err := s.sched.RunBootstrap(s.ctx)
	s.ErrorIs(err, models.ErrCollaboratorUnavailable)
	s.Zero(s.selector.selectCalled)

	s.boot.bootstrapFn = nil
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.NoError(err)
	s.True(ran)
}

func (s *SchedulerSuite) TestRunBootstrap_SelectionFailureIsLogged() {
	s.selector.selectFn = func(context.Context, bool) ([]representative.Selection, error) {
		return nil, errors.New("judge down")
	}
	ran, err := s.sched.RunBootstrap(s.ctx)
	s.NoError(err)
	s.True(ran)
}

func (s *SchedulerSuite) TestRunConsensus() {
	s.evaluator.evaluateFn = func(_ context.Context, d *models.Discussion) ([]consensus.Verdict, error) {
		s.Len(d.Messages, 4)
		return []consensus.Verdict{{Label: "A", Consensus: true}}, nil
	}
	verdicts, err := s.sched.RunConsensus(s.ctx)
	s.Require().NoError(err)
	s.Len(verdicts, 1)
}

func (s *SchedulerSuite) TestRunAll() {
	s.NoError(s.sched.RunAll(s.ctx))
	s.Equal(1, s.boot.calls())
	s.Equal(1, s.evaluator.calls())
}

func (s *SchedulerSuite) TestStartStop() {
	sched := NewScheduler(s.session, s.boot, s.selector, s.evaluator, SchedulerConfig{
		BootstrapInterval: 5 * time.Millisecond,
		ConsensusInterval: 5 * time.Millisecond,
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		sched.Start(s.ctx)
		close(done)
	}()

	s.Eventually(func() bool { return s.evaluator.calls() > 0 && s.boot.calls() > 0 }, time.Second, 5*time.Millisecond)
	sched.Stop()
	sched.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("scheduler did not stop")
	}
}

func (s *SchedulerSuite) TestStartStopsOnContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		s.sched.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("scheduler did not stop")
	}
}
