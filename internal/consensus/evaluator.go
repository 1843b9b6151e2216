// Package consensus decides when a theme has gathered broad, homogeneous
// support and publishes consensus events for it.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/concord/pkg/models"
	"github.com/thebtf/concord/pkg/similarity"
)

// Embedder embeds message texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Solver synthesizes a solution for a theme that reached consensus.
type Solver interface {
	SolutionForCluster(ctx context.Context, label string, messages []string, metrics models.ConsensusMetrics) (*models.Solution, error)
}

// MemberCounter reports how many people could take part in the discussion.
// A zero count means unknown.
type MemberCounter interface {
	MemberCount(ctx context.Context) (int, error)
}

// EventSink receives consensus events.
type EventSink interface {
	Publish(ctx context.Context, event models.ConsensusEvent) error
}

// Verdict is the evaluation of one label.
type Verdict struct {
	Event     *models.ConsensusEvent  `json:"event,omitempty"`
	Label     string                  `json:"label"`
	Metrics   models.ConsensusMetrics `json:"metrics"`
	Consensus bool                    `json:"consensus"`
}

// Evaluator computes per-label metrics over a discussion snapshot.
type Evaluator struct {
	embedder   Embedder
	solver     Solver
	members    MemberCounter
	thresholds atomic.Pointer[Thresholds]
	logger     zerolog.Logger
	sinks      []EventSink
	mu         sync.RWMutex
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(embedder Embedder, solver Solver, thresholds Thresholds, logger zerolog.Logger) *Evaluator {
	e := &Evaluator{
		embedder: embedder,
		solver:   solver,
		logger:   logger.With().Str("component", "consensus").Logger(),
	}
	e.thresholds.Store(&thresholds)
	return e
}

// SetMemberCounter installs the source of the participant denominator.
func (e *Evaluator) SetMemberCounter(mc MemberCounter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.members = mc
}

// Subscribe adds a sink for consensus events.
func (e *Evaluator) Subscribe(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Thresholds returns the active thresholds.
func (e *Evaluator) Thresholds() Thresholds {
	return *e.thresholds.Load()
}

// SetThresholds swaps the thresholds; evaluations already running keep the old ones.
func (e *Evaluator) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.thresholds.Store(&t)
	e.logger.Info().
		Float64("min_size_ratio", t.MinSizeRatio).
		Float64("min_participant_ratio", t.MinParticipantRatio).
		Float64("max_sentiment_stddev", t.MaxSentimentStdDev).
		Float64("min_intra_similarity", t.MinIntraSimilarity).
		Msg("Consensus thresholds updated")
	return nil
}

type labelGroup struct {
	label    string
	messages []*models.Message
}

// Evaluate checks every label with at least two messages. For each label that
// meets the thresholds it asks the solver for a solution and, when one comes
// back, publishes an event. Solver failures are collected and returned along
// with all verdicts.
func (e *Evaluator) Evaluate(ctx context.Context, d *models.Discussion) ([]Verdict, error) {
	thresholds := e.Thresholds()
	e.mu.RLock()
	members, sinks := e.members, append([]EventSink(nil), e.sinks...)
	e.mu.RUnlock()

	groups := groupByLabel(d.Messages)
	denominator := e.participantDenominator(ctx, members, d)

	var verdicts []Verdict
	var errs []error
	for _, g := range groups {
		if len(g.messages) < 2 {
			continue
		}
		metrics := e.metrics(ctx, g, len(d.Messages), denominator)
		v := Verdict{Label: g.label, Metrics: metrics, Consensus: thresholds.IsConsensus(metrics)}
		if v.Consensus {
			event, err := e.solve(ctx, d, g, metrics)
			if err != nil {
				errs = append(errs, err)
			}
			v.Event = event
		}
		verdicts = append(verdicts, v)
	}

	for _, v := range verdicts {
		if v.Event == nil {
			continue
		}
		for _, sink := range sinks {
			if err := sink.Publish(ctx, *v.Event); err != nil {
				e.logger.Warn().Err(err).Str("label", v.Label).Msg("Failed to publish consensus event")
			}
		}
	}
	return verdicts, errors.Join(errs...)
}

// Metrics computes the metrics of one label without checking thresholds.
func (e *Evaluator) Metrics(ctx context.Context, d *models.Discussion, label string) (models.ConsensusMetrics, bool) {
	for _, g := range groupByLabel(d.Messages) {
		if g.label == label {
			e.mu.RLock()
			members := e.members
			e.mu.RUnlock()
			return e.metrics(ctx, g, len(d.Messages), e.participantDenominator(ctx, members, d)), true
		}
	}
	return models.ConsensusMetrics{}, false
}

func (e *Evaluator) metrics(ctx context.Context, g labelGroup, totalMessages, totalMembers int) models.ConsensusMetrics {
	authors := authorIDs(g.messages)
	_, stddev := models.SentimentStats(g.messages)

	m := models.ConsensusMetrics{
		SizeRatio:       float64(len(g.messages)) / float64(max(1, totalMessages)),
		SentimentStdDev: stddev,
		MessageCount:    len(g.messages),
		AuthorCount:     len(authors),
		TotalMessages:   totalMessages,
		TotalMembers:    totalMembers,
	}
	m.ParticipantRatio = float64(len(authors)) / float64(max(1, totalMembers))
	m.IntraSimilarity = e.intraSimilarity(ctx, g)
	return m
}

// intraSimilarity embeds the label's messages. Failures are logged and count as zero.
func (e *Evaluator) intraSimilarity(ctx context.Context, g labelGroup) float64 {
	if len(g.messages) == 1 {
		return 1
	}
	texts := contents(g.messages)
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		e.logger.Warn().Err(err).Str("label", g.label).Msg("Failed to embed messages for intra-similarity")
		return 0
	}
	return similarity.IntraSimilarity(similarity.NormalizeAll(vectors))
}

func (e *Evaluator) participantDenominator(ctx context.Context, members MemberCounter, d *models.Discussion) int {
	if members != nil {
		n, err := members.MemberCount(ctx)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Msg("Failed to count members, using participants")
		case n > 0:
			return n
		}
	}
	return len(d.Participants)
}

func (e *Evaluator) solve(ctx context.Context, d *models.Discussion, g labelGroup, metrics models.ConsensusMetrics) (*models.ConsensusEvent, error) {
	solution, err := e.solver.SolutionForCluster(ctx, g.label, contents(g.messages), metrics)
	if err != nil {
		e.logger.Warn().Err(err).Str("label", g.label).Msg("Solution synthesis failed")
		return nil, fmt.Errorf("solution for %q: %w", g.label, err)
	}
	if solution == nil {
		e.logger.Debug().Str("label", g.label).Msg("Consensus without solution")
		return nil, nil
	}

	confidence := solution.Confidence
	if confidence <= 0 {
		confidence = metricConfidence(metrics)
	}
	event := &models.ConsensusEvent{
		DetectedAt:   time.Now().UTC(),
		Type:         models.EventConsensusDetected,
		DiscussionID: d.ID,
		Label:        g.label,
		Solution:     solution.Text,
		Participants: authorIDs(g.messages),
		Metrics:      metrics,
		Confidence:   confidence,
	}
	e.logger.Info().
		Str("label", g.label).
		Float64("confidence", confidence).
		Int("participants", len(event.Participants)).
		Msg("Consensus detected")
	return event, nil
}

// metricConfidence averages how strongly each signal points at agreement.
func metricConfidence(m models.ConsensusMetrics) float64 {
	agreement := 1 - m.SentimentStdDev
	c := (m.SizeRatio + m.ParticipantRatio + agreement + m.IntraSimilarity) / 4
	return max(0, min(1, c))
}

// groupByLabel groups labeled messages in order of each label's first message.
func groupByLabel(msgs []*models.Message) []labelGroup {
	index := make(map[string]int)
	var groups []labelGroup
	for _, m := range msgs {
		if m.ClusterLabel == "" {
			continue
		}
		i, ok := index[m.ClusterLabel]
		if !ok {
			i = len(groups)
			index[m.ClusterLabel] = i
			groups = append(groups, labelGroup{label: m.ClusterLabel})
		}
		groups[i].messages = append(groups[i].messages, m)
	}
	return groups
}

func authorIDs(msgs []*models.Message) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range msgs {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			ids = append(ids, m.AuthorID)
		}
	}
	return ids
}

func contents(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
