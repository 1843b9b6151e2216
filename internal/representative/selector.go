// Package representative picks the message that best speaks for each cluster
// and the participant who knows the theme best.
package representative

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/pkg/models"
)

// DefaultConcurrency bounds parallel judgement calls.
const DefaultConcurrency = 4

// Judge makes the text judgements selection needs.
type Judge interface {
	PickBest(ctx context.Context, label string, candidates []string) (string, error)
	ExpertRationale(ctx context.Context, label string, messages []string) ([]string, error)
}

// Selection is the outcome for one cluster.
type Selection struct {
	ClusterID        string   `json:"cluster_id"`
	Label            string   `json:"label"`
	RepresentativeID string   `json:"representative_id"`
	ExpertID         string   `json:"expert_id"`
	Rationale        []string `json:"rationale,omitempty"`
}

// Selector runs representative selection against a session.
type Selector struct {
	session     *discussion.Session
	judge       Judge
	logger      zerolog.Logger
	concurrency int
}

// NewSelector creates a selector. concurrency <= 0 uses DefaultConcurrency.
func NewSelector(session *discussion.Session, judge Judge, concurrency int, logger zerolog.Logger) *Selector {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Selector{
		session:     session,
		judge:       judge,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "representative").Logger(),
	}
}

// Select chooses representatives for clusters that lack a current one, or for
// every cluster when force is set. Judgements run on a snapshot; results are
// applied only where the cluster still exists and still holds the chosen
// message. Per-cluster failures are skipped and returned joined.
func (s *Selector) Select(ctx context.Context, force bool) ([]Selection, error) {
	d, err := s.session.Snapshot()
	if err != nil {
		return nil, err
	}

	var pending []*models.Cluster
	for _, c := range d.Clusters {
		if c.Size() == 0 {
			continue
		}
		if !force && c.RepresentativeID != "" && c.HasMember(c.RepresentativeID) {
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results := make([]*Selection, len(pending))
	failures := make([]error, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range pending {
		g.Go(func() error {
			sel, err := s.selectOne(gctx, d, c)
			if err != nil {
				s.logger.Warn().Err(err).Str("label", c.Label).Msg("Representative selection failed")
				failures[i] = fmt.Errorf("cluster %q: %w", c.Label, err)
				return nil
			}
			results[i] = sel
			return nil
		})
	}
	_ = g.Wait()

	var applied []Selection
	err = s.session.Mutate(ctx, func(_ context.Context, live *models.Discussion) error {
		applied = applied[:0]
		for _, sel := range results {
			if sel == nil {
				continue
			}
			c := live.Cluster(sel.ClusterID)
			if c == nil || !c.HasMember(sel.RepresentativeID) {
				s.logger.Debug().Str("label", sel.Label).Msg("Cluster changed during selection, result dropped")
				continue
			}
			for _, m := range live.Members(c) {
				m.IsRepresentative = m.ID == sel.RepresentativeID
			}
			c.RepresentativeID = sel.RepresentativeID
			c.ExpertID = sel.ExpertID
			c.Rationale = sel.Rationale
			applied = append(applied, *sel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int("clusters", len(pending)).Int("applied", len(applied)).Msg("Representatives selected")
	return applied, errors.Join(failures...)
}

func (s *Selector) selectOne(ctx context.Context, d *models.Discussion, c *models.Cluster) (*Selection, error) {
	members := d.Members(c)
	rep := members[0]
	if len(members) > 1 {
		texts := make([]string, len(members))
		for i, m := range members {
			texts[i] = m.Content
		}
		best, err := s.judge.PickBest(ctx, c.Label, texts)
		if err != nil {
			return nil, err
		}
		rep = Match(best, members)
	}

	expert := Expert(members, rep.ID)
	sel := &Selection{
		ClusterID:        c.ID,
		Label:            c.Label,
		RepresentativeID: rep.ID,
		ExpertID:         expert,
	}

	var own []string
	for _, m := range members {
		if m.AuthorID == expert {
			own = append(own, m.Content)
		}
	}
	rationale, err := s.judge.ExpertRationale(ctx, c.Label, own)
	if err != nil {
		s.logger.Warn().Err(err).Str("label", c.Label).Msg("Expert rationale unavailable")
	} else {
		sel.Rationale = rationale
	}
	return sel, nil
}

// Match maps a judged text back to a member: exact match first, then
// containment in either direction, then the first member.
func Match(text string, members []*models.Message) *models.Message {
	text = strings.TrimSpace(text)
	for _, m := range members {
		if strings.TrimSpace(m.Content) == text {
			return m
		}
	}
	if lower := strings.ToLower(text); lower != "" {
		for _, m := range members {
			content := strings.ToLower(strings.TrimSpace(m.Content))
			if content == "" {
				continue
			}
			if strings.Contains(content, lower) || strings.Contains(lower, content) {
				return m
			}
		}
	}
	return members[0]
}

// Expert returns the author of the representative when it is a member,
// otherwise the author with the most messages. Ties go to the author seen first.
func Expert(members []*models.Message, representativeID string) string {
	counts := make(map[string]int)
	var order []string
	for _, m := range members {
		if m.ID == representativeID {
			return m.AuthorID
		}
		if counts[m.AuthorID] == 0 {
			order = append(order, m.AuthorID)
		}
		counts[m.AuthorID]++
	}
	best := ""
	for _, id := range order {
		if counts[id] > counts[best] {
			best = id
		}
	}
	return best
}
