// Package cluster maintains the discussion's themes: full re-clustering
// (bootstrap) and incremental placement of single messages.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/pkg/models"
	"github.com/thebtf/concord/pkg/similarity"
)

var (
	// ErrBootstrapInFlight is returned when a bootstrap is already running.
	ErrBootstrapInFlight = errors.New("bootstrap already in flight")

	// ErrNotEnoughMessages is returned when the discussion is too small to cluster.
	ErrNotEnoughMessages = errors.New("not enough messages to bootstrap")

	errUnchanged = errors.New("unchanged")
)

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Labeler names clusters and classifies message sentiment.
type Labeler interface {
	TwoWordLabel(ctx context.Context, samples, existing []string, attempt int) (string, error)
	ClassifySentiment(ctx context.Context, text string) (models.Sentiment, error)
}

// Strategy selects the bootstrap partitioning algorithm.
type Strategy string

const (
	StrategyKMeans       Strategy = "kmeans"
	StrategyHierarchical Strategy = "hierarchical"
)

// Config holds the clustering parameters.
type Config struct {
	Strategy                  Strategy
	MaxClusters               int
	MinBootstrapMessages      int
	LabelMaxAttempts          int
	AssignmentThreshold       float64
	HierarchicalMinSimilarity float64
	LabelSimilarityLimit      float64
	CarryOverOverlap          float64
	Seed                      int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:                  StrategyKMeans,
		MaxClusters:               4,
		MinBootstrapMessages:      4,
		LabelMaxAttempts:          3,
		AssignmentThreshold:       0.73,
		HierarchicalMinSimilarity: 0.6,
		LabelSimilarityLimit:      0.90,
		CarryOverOverlap:          0.5,
		Seed:                      42,
	}
}

// BootstrapResult summarizes a completed bootstrap pass.
type BootstrapResult struct {
	Labels      []string      `json:"labels"`
	CarriedOver []string      `json:"carried_over"`
	Messages    int           `json:"messages"`
	Duration    time.Duration `json:"duration"`
}

// AssignResult reports where a single message landed.
type AssignResult struct {
	MessageID  string           `json:"message_id"`
	Label      string           `json:"label,omitempty"`
	Sentiment  models.Sentiment `json:"sentiment"`
	Similarity float64          `json:"similarity"`
	Assigned   bool             `json:"assigned"`
	Duplicate  bool             `json:"duplicate"`
}

// Manager runs cluster lifecycle operations against a discussion session.
type Manager struct {
	session       *discussion.Session
	embedder      Embedder
	labeler       Labeler
	logger        zerolog.Logger
	config        Config
	bootstrapping atomic.Bool
}

// NewManager creates a manager. Zero config fields take their defaults.
func NewManager(session *discussion.Session, embedder Embedder, labeler Labeler, cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MaxClusters <= 0 {
		cfg.MaxClusters = def.MaxClusters
	}
	if cfg.MinBootstrapMessages <= 0 {
		cfg.MinBootstrapMessages = def.MinBootstrapMessages
	}
	if cfg.LabelMaxAttempts <= 0 {
		cfg.LabelMaxAttempts = def.LabelMaxAttempts
	}
	if cfg.AssignmentThreshold <= 0 {
		cfg.AssignmentThreshold = def.AssignmentThreshold
	}
	if cfg.HierarchicalMinSimilarity <= 0 {
		cfg.HierarchicalMinSimilarity = def.HierarchicalMinSimilarity
	}
	if cfg.LabelSimilarityLimit <= 0 {
		cfg.LabelSimilarityLimit = def.LabelSimilarityLimit
	}
	if cfg.CarryOverOverlap <= 0 {
		cfg.CarryOverOverlap = def.CarryOverOverlap
	}
	return &Manager{
		session:  session,
		embedder: embedder,
		labeler:  labeler,
		config:   cfg,
		logger:   logger.With().Str("component", "cluster").Logger(),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Bootstrap re-clusters every message from scratch and swaps the new cluster
// list in atomically. Labels of prior clusters survive when membership overlaps.
func (m *Manager) Bootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !m.bootstrapping.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInFlight
	}
	defer m.bootstrapping.Store(false)

	start := time.Now()
	var result *BootstrapResult
	err := m.session.Mutate(ctx, func(ctx context.Context, d *models.Discussion) error {
		n := len(d.Messages)
		if n < m.config.MinBootstrapMessages {
			return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughMessages, n, m.config.MinBootstrapMessages)
		}
		if err := m.classifyMissing(ctx, d.Messages); err != nil {
			return err
		}

		texts := make([]string, n)
		for i, msg := range d.Messages {
			texts[i] = msg.Content
		}
		raw, err := m.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return collaboratorErr("embed messages", err)
		}
		normalized := similarity.NormalizeAll(raw)

		assignment, err := m.partition(normalized)
		if err != nil {
			return fmt.Errorf("partition: %w", err)
		}

		clusters := m.buildClusters(d, assignment, raw, normalized)
		carried := carryOver(d.Clusters, clusters, m.config.CarryOverOverlap)
		if err := m.labelClusters(ctx, d, clusters, assignment, normalized); err != nil {
			return err
		}

		d.Clusters = clusters
		d.Unassigned = []string{}
		for _, msg := range d.Messages {
			msg.ClusterLabel = ""
			msg.IsRepresentative = false
		}
		for _, c := range clusters {
			for _, id := range c.MemberIDs {
				d.Message(id).ClusterLabel = c.Label
			}
		}

		result = &BootstrapResult{
			Labels:      d.Labels(),
			CarriedOver: carried,
			Messages:    n,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	m.logger.Info().
		Int("messages", result.Messages).
		Int("clusters", len(result.Labels)).
		Int("carried_over", len(result.CarriedOver)).
		Dur("elapsed", result.Duration).
		Msg("Bootstrap complete")
	return result, nil
}

// Assign appends msg to the discussion and places it in the nearest cluster,
// or in the unassigned buffer when no cluster is close enough. Re-ingesting a
// known message id changes nothing.
func (m *Manager) Assign(ctx context.Context, msg *models.Message) (*AssignResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	msg = msg.Clone()
	msg.ClusterLabel = ""
	msg.IsRepresentative = false

	var result *AssignResult
	err := m.session.Mutate(ctx, func(ctx context.Context, d *models.Discussion) error {
		if existing := d.Message(msg.ID); existing != nil {
			result = &AssignResult{
				MessageID: existing.ID,
				Label:     existing.ClusterLabel,
				Sentiment: existing.Sentiment,
				Assigned:  existing.ClusterLabel != "",
				Duplicate: true,
			}
			return errUnchanged
		}

		if !msg.Classified() {
			sentiment, err := m.labeler.ClassifySentiment(ctx, msg.Content)
			if err != nil {
				return collaboratorErr("classify sentiment", err)
			}
			msg.Sentiment = sentiment
		}
		vec, err := m.embedder.Embed(ctx, msg.Content)
		if err != nil {
			return collaboratorErr("embed message", err)
		}

		if dropped := d.PruneStaleMembers(); len(dropped) > 0 {
			m.logger.Warn().Strs("message_ids", dropped).Msg("Dropped cluster members without messages")
		}

		result = &AssignResult{MessageID: msg.ID, Sentiment: msg.Sentiment}
		centroids := make([][]float32, len(d.Clusters))
		for i, c := range d.Clusters {
			centroids[i] = c.Centroid
		}
		idx, ok := similarity.NearestCluster(vec, centroids, m.config.AssignmentThreshold)
		if idx >= 0 {
			result.Similarity = similarity.CosineSimilarity(vec, centroids[idx])
		}

		if !ok {
			if err := d.AddMessage(msg); err != nil {
				return err
			}
			d.Unassigned = append(d.Unassigned, msg.ID)
			return nil
		}

		c := d.Clusters[idx]
		msg.ClusterLabel = c.Label
		if err := d.AddMessage(msg); err != nil {
			return err
		}
		c.MemberIDs = append(c.MemberIDs, msg.ID)
		if err := m.recompute(ctx, d, c); err != nil {
			return err
		}
		result.Label = c.Label
		result.Assigned = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		m.logger.Debug().Str("message_id", msg.ID).Msg("Message already ingested")
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	event := m.logger.Debug().Str("message_id", msg.ID).Float64("similarity", result.Similarity)
	if result.Assigned {
		event.Str("label", result.Label).Msg("Message assigned")
	} else {
		event.Msg("Message buffered")
	}
	return result, nil
}

func (m *Manager) classifyMissing(ctx context.Context, msgs []*models.Message) error {
	for _, msg := range msgs {
		if msg.Classified() {
			continue
		}
		sentiment, err := m.labeler.ClassifySentiment(ctx, msg.Content)
		if err != nil {
			return collaboratorErr("classify sentiment", err)
		}
		msg.Sentiment = sentiment
	}
	return nil
}

func (m *Manager) partition(normalized [][]float32) ([]int, error) {
	k := min(m.config.MaxClusters, len(normalized))
	if m.config.Strategy == StrategyHierarchical {
		return similarity.HierarchicalPartition(normalized, m.config.HierarchicalMinSimilarity, k)
	}
	return similarity.Partition(normalized, k, m.config.Seed)
}

// buildClusters turns a partition into unlabeled clusters with statistics.
func (m *Manager) buildClusters(d *models.Discussion, assignment []int, raw, normalized [][]float32) []*models.Cluster {
	groups := groupIndexes(assignment)
	now := time.Now().UTC()
	clusters := make([]*models.Cluster, len(groups))
	for g, idx := range groups {
		c := &models.Cluster{
			ID:        uuid.NewString(),
			CreatedAt: now,
			MemberIDs: make([]string, len(idx)),
		}
		for j, i := range idx {
			c.MemberIDs[j] = d.Messages[i].ID
		}
		// Group members are non-empty and share the embedder's dimension.
		c.Centroid, _ = similarity.Centroid(pick(raw, idx))
		c.IntraSimilarity = similarity.IntraSimilarity(pick(normalized, idx))
		c.SentimentMean, c.SentimentStdDev = models.SentimentStats(d.Members(c))
		clusters[g] = c
	}
	return clusters
}

// recompute refreshes centroid and statistics of c from its members' embeddings.
func (m *Manager) recompute(ctx context.Context, d *models.Discussion, c *models.Cluster) error {
	members := d.Members(c)
	texts := make([]string, len(members))
	for i, msg := range members {
		texts[i] = msg.Content
	}
	raw, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return collaboratorErr("embed cluster members", err)
	}
	centroid, err := similarity.Centroid(raw)
	if err != nil {
		return fmt.Errorf("cluster %q: %w", c.Label, err)
	}
	c.Centroid = centroid
	c.IntraSimilarity = similarity.IntraSimilarity(similarity.NormalizeAll(raw))
	c.SentimentMean, c.SentimentStdDev = models.SentimentStats(members)
	return nil
}

// groupIndexes collects vector indexes per group label, in label order.
func groupIndexes(assignment []int) [][]int {
	groups := make([][]int, similarity.GroupCount(assignment))
	for i, g := range assignment {
		groups[g] = append(groups[g], i)
	}
	return groups
}

func pick(vectors [][]float32, idx []int) [][]float32 {
	out := make([][]float32, len(idx))
	for j, i := range idx {
		out[j] = vectors[i]
	}
	return out
}

// nearestTexts orders member texts by closeness to the group's mean direction.
func nearestTexts(d *models.Discussion, idx []int, normalized [][]float32) []string {
	center, _ := similarity.Centroid(pick(normalized, idx))
	order := append([]int(nil), idx...)
	sort.SliceStable(order, func(a, b int) bool {
		return similarity.CosineSimilarity(normalized[order[a]], center) >
			similarity.CosineSimilarity(normalized[order[b]], center)
	})
	texts := make([]string, len(order))
	for j, i := range order {
		texts[j] = d.Messages[i].Content
	}
	return texts
}

func collaboratorErr(op string, err error) error {
	if errors.Is(err, models.ErrCollaboratorUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrCollaboratorUnavailable, op, err)
}
