package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/thebtf/concord/internal/llm"
	"github.com/thebtf/concord/pkg/models"
	"github.com/thebtf/concord/pkg/similarity"
)

// Overlap is |a ∩ b| / min(|a|, |b|); zero when either set is empty.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	shared := 0
	for _, id := range b {
		if set[id] {
			shared++
		}
	}
	return float64(shared) / float64(min(len(a), len(b)))
}

// carryOver copies label, id and creation time from prior clusters onto new
// clusters whose membership overlaps by more than limit. Pairs are matched
// greedily by descending overlap and each prior cluster is claimed once.
func carryOver(prior, next []*models.Cluster, limit float64) []string {
	type pair struct {
		overlap   float64
		next, old int
	}
	var pairs []pair
	for i, c := range next {
		for j, p := range prior {
			if o := Overlap(c.MemberIDs, p.MemberIDs); o > limit {
				pairs = append(pairs, pair{overlap: o, next: i, old: j})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		return pairs[a].overlap > pairs[b].overlap
	})

	var carried []string
	usedNext := make(map[int]bool)
	usedOld := make(map[int]bool)
	for _, p := range pairs {
		if usedNext[p.next] || usedOld[p.old] {
			continue
		}
		usedNext[p.next], usedOld[p.old] = true, true
		old := prior[p.old]
		next[p.next].Label = old.Label
		next[p.next].ID = old.ID
		next[p.next].CreatedAt = old.CreatedAt
		carried = append(carried, old.Label)
	}
	return carried
}

// labelSet tracks labels taken in one bootstrap pass and their embeddings.
type labelSet struct {
	embedder Embedder
	vectors  map[string][]float32
	labels   []string
	limit    float64
}

func (s *labelSet) add(label string) {
	s.labels = append(s.labels, label)
}

func (s *labelSet) taken(label string) bool {
	for _, l := range s.labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

func (s *labelSet) vector(ctx context.Context, label string) ([]float32, error) {
	key := strings.ToLower(label)
	if v, ok := s.vectors[key]; ok {
		return v, nil
	}
	v, err := s.embedder.Embed(ctx, label)
	if err != nil {
		return nil, collaboratorErr("embed label", err)
	}
	s.vectors[key] = v
	return v, nil
}

// collides reports an exact (case-insensitive) match or an embedding
// similarity above the limit against any taken label.
func (s *labelSet) collides(ctx context.Context, label string) (bool, error) {
	if s.taken(label) {
		return true, nil
	}
	if len(s.labels) == 0 {
		return false, nil
	}
	v, err := s.vector(ctx, label)
	if err != nil {
		return false, err
	}
	for _, l := range s.labels {
		tv, err := s.vector(ctx, l)
		if err != nil {
			return false, err
		}
		if similarity.CosineSimilarity(v, tv) > s.limit {
			return true, nil
		}
	}
	return false, nil
}

// labelClusters names every cluster that did not inherit a label.
func (m *Manager) labelClusters(ctx context.Context, d *models.Discussion, clusters []*models.Cluster, assignment []int, normalized [][]float32) error {
	set := &labelSet{
		embedder: m.embedder,
		vectors:  make(map[string][]float32),
		limit:    m.config.LabelSimilarityLimit,
	}
	for _, c := range clusters {
		if c.Label != "" {
			set.add(c.Label)
		}
	}

	groups := groupIndexes(assignment)
	for g, c := range clusters {
		if c.Label != "" {
			continue
		}
		samples := nearestTexts(d, groups[g], normalized)
		label, err := m.uniqueLabel(ctx, set, samples)
		if err != nil {
			return err
		}
		c.Label = label
		set.add(label)
	}
	return nil
}

// uniqueLabel asks for a label up to LabelMaxAttempts times, escalating the
// attempt level on each collision. If every attempt collides, words from the
// cluster's own text are appended, then an ordinal.
func (m *Manager) uniqueLabel(ctx context.Context, set *labelSet, samples []string) (string, error) {
	last := llm.DefaultLabel
	for attempt := 0; attempt < m.config.LabelMaxAttempts; attempt++ {
		label, err := m.labeler.TwoWordLabel(ctx, samples, set.labels, attempt)
		if err != nil {
			return "", collaboratorErr("generate label", err)
		}
		if strings.TrimSpace(label) == "" {
			label = llm.DefaultLabel
		}
		last = label
		collides, err := set.collides(ctx, label)
		if err != nil {
			return "", err
		}
		if !collides {
			return label, nil
		}
		m.logger.Debug().Str("label", label).Int("attempt", attempt+1).Msg("Label collides, retrying")
	}

	for _, word := range similarity.DistinguishingWords(samples...) {
		if strings.Contains(strings.ToLower(last), strings.ToLower(word)) {
			continue
		}
		if candidate := last + " " + word; !set.taken(candidate) {
			m.logger.Warn().Str("label", candidate).Msg("Label collision unresolved, appended distinguishing word")
			return candidate, nil
		}
	}
	for n := 2; ; n++ {
		if candidate := fmt.Sprintf("%s %d", last, n); !set.taken(candidate) {
			m.logger.Warn().Str("label", candidate).Msg("Label collision unresolved, appended ordinal")
			return candidate, nil
		}
	}
}
