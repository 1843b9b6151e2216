package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/thebtf/concord/pkg/models"
	"github.com/thebtf/concord/pkg/similarity"
)

var (
	positiveWords = map[string]bool{
		"agree": true, "agreed": true, "good": true, "great": true, "yes": true, "love": true,
		"like": true, "support": true, "excellent": true, "helpful": true, "better": true,
		"best": true, "works": true, "perfect": true, "nice": true, "happy": true, "sure": true,
		"definitely": true, "absolutely": true, "awesome": true, "fine": true, "benefit": true,
	}
	negativeWords = map[string]bool{
		"disagree": true, "bad": true, "terrible": true, "hate": true, "awful": true,
		"worse": true, "worst": true, "wrong": true, "problem": true, "broken": true,
		"against": true, "fail": true, "fails": true, "risky": true, "waste": true,
		"poor": true, "concern": true, "worried": true, "expensive": true, "never": true,
	}
	negators = map[string]bool{
		"not": true, "no": true, "don't": true, "dont": true, "isn't": true, "isnt": true,
		"never": true, "can't": true, "cant": true, "won't": true, "wont": true,
	}
)

// Heuristic is an offline Generator built on term statistics and a small
// sentiment lexicon. It never fails and is deterministic.
type Heuristic struct{}

var _ Generator = Heuristic{}

// TwoWordLabel joins the two most frequent terms of samples. Later attempts
// skip words already used by existing labels and move further down the ranking.
func (Heuristic) TwoWordLabel(_ context.Context, samples, existing []string, attempt int) (string, error) {
	ranked := rankTerms(samples)
	if attempt > 0 {
		used := make(map[string]bool)
		for _, l := range existing {
			for _, w := range strings.Fields(strings.ToLower(l)) {
				used[w] = true
			}
		}
		filtered := ranked[:0:0]
		for _, t := range ranked {
			if !used[t] {
				filtered = append(filtered, t)
			}
		}
		ranked = filtered
		if offset := attempt - 1; offset > 0 && offset < len(ranked)-1 {
			ranked = ranked[offset:]
		}
	}
	switch len(ranked) {
	case 0:
		return DefaultLabel, nil
	case 1:
		return similarity.TitleCase(ranked[0]), nil
	}
	return similarity.TitleCase(ranked[0] + " " + ranked[1]), nil
}

// ClassifySentiment scores lexicon hits, flipping a word preceded by a negator.
func (Heuristic) ClassifySentiment(_ context.Context, text string) (models.Sentiment, error) {
	words := strings.Fields(strings.ToLower(text))
	score := 0
	for i, raw := range words {
		w := strings.Trim(raw, ".,!?;:\"()")
		sign := 0
		switch {
		case positiveWords[w]:
			sign = 1
		case negativeWords[w]:
			sign = -1
		}
		if sign != 0 && i > 0 && negators[strings.Trim(words[i-1], ".,!?;:\"()")] {
			sign = -sign
		}
		score += sign
	}
	switch {
	case score > 0:
		return models.SentimentPositive, nil
	case score < 0:
		return models.SentimentNegative, nil
	}
	return models.SentimentNeutral, nil
}

// PickBest returns the candidate sharing the most terms with the others.
// Ties go to the earlier candidate.
func (Heuristic) PickBest(_ context.Context, _ string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	terms := make([]map[string]int, len(candidates))
	for i, c := range candidates {
		terms[i] = similarity.ExtractTerms(c)
	}
	best, bestScore := 0, -1
	for i := range candidates {
		score := 0
		for j := range candidates {
			if i == j {
				continue
			}
			for t := range terms[i] {
				if terms[j][t] > 0 {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return candidates[best], nil
}

// SolutionForCluster restates the most central message as the resolution.
func (h Heuristic) SolutionForCluster(ctx context.Context, label string, messages []string, metrics models.ConsensusMetrics) (*models.Solution, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	central, _ := h.PickBest(ctx, label, messages)
	confidence := (metrics.SizeRatio + metrics.ParticipantRatio + metrics.IntraSimilarity + (1 - metrics.SentimentStdDev)) / 4
	return &models.Solution{
		Text:       fmt.Sprintf("%s: %s", label, central),
		Confidence: clampConfidence(confidence),
	}, nil
}

// ExpertRationale lists the author's most frequent topics.
func (Heuristic) ExpertRationale(_ context.Context, label string, messages []string) ([]string, error) {
	ranked := rankTerms(messages)
	bullets := make([]string, 0, RationaleBullets)
	if label != "" {
		bullets = append(bullets, fmt.Sprintf("Contributes most to %s", label))
	}
	for _, t := range ranked {
		if len(bullets) == RationaleBullets {
			break
		}
		bullets = append(bullets, fmt.Sprintf("Discusses %s", t))
	}
	return PadBullets(bullets), nil
}

// rankTerms orders terms by frequency, breaking ties by first appearance.
func rankTerms(texts []string) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	pos := 0
	for _, text := range texts {
		for _, w := range similarity.Tokenize(strings.ToLower(text)) {
			if len([]rune(w)) < 3 || similarity.IsStopWord(w) {
				continue
			}
			if _, ok := first[w]; !ok {
				first[w] = pos
			}
			counts[w]++
			pos++
		}
	}
	ranked := make([]string, 0, len(counts))
	for t := range counts {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return first[ranked[i]] < first[ranked[j]]
	})
	return ranked
}
