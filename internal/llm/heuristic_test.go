package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/concord/pkg/models"
)

func TestHeuristic_TwoWordLabel(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()
	samples := []string{"cut the marketing budget", "marketing budget is too big", "budget for events"}

	label, err := h.TwoWordLabel(ctx, samples, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "Budget Marketing", label)

	retry, err := h.TwoWordLabel(ctx, samples, []string{"Budget Marketing"}, 1)
	require.NoError(t, err)
	assert.NotEqual(t, label, retry)

	empty, err := h.TwoWordLabel(ctx, []string{"a an it"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLabel, empty)
}

func TestHeuristic_ClassifySentiment(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()
	tests := map[string]models.Sentiment{
		"I agree, great idea!":     models.SentimentPositive,
		"That is a terrible plan.": models.SentimentNegative,
		"This is not good":         models.SentimentNegative,
		"We meet on Tuesday":       models.SentimentNeutral,
		"not bad, I support it":    models.SentimentPositive,
	}
	for text, want := range tests {
		got, err := h.ClassifySentiment(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, want, got, text)
	}
}

func TestHeuristic_PickBestAndSolution(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()
	candidates := []string{"lunch options", "cut marketing budget now", "marketing budget too high"}

	best, err := h.PickBest(ctx, "", candidates)
	require.NoError(t, err)
	assert.Equal(t, "cut marketing budget now", best)

	sol, err := h.SolutionForCluster(ctx, "Budget Marketing", candidates, models.ConsensusMetrics{SizeRatio: 1, ParticipantRatio: 1, IntraSimilarity: 1})
	require.NoError(t, err)
	require.NotNil(t, sol)
	assert.Equal(t, 1.0, sol.Confidence)
	assert.Contains(t, sol.Text, "cut marketing budget now")

	none, err := h.SolutionForCluster(ctx, "x", nil, models.ConsensusMetrics{})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestHeuristic_ExpertRationale(t *testing.T) {
	bullets, err := Heuristic{}.ExpertRationale(context.Background(), "Budget Cuts", []string{"forecast the budget", "budget review"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Contributes most to Budget Cuts", "Discusses budget", "Discusses forecast"}, bullets)
}
