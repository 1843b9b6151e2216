package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistinguishingWords(t *testing.T) {
	words := DistinguishingWords("We should cut the marketing budget", "Marketing spend is too high")
	assert.Equal(t, []string{"Marketing", "Budget", "Spend", "High"}, words)
}

func TestDistinguishingWords_NoneQualify(t *testing.T) {
	assert.Empty(t, DistinguishingWords("it is on", "by the way"))
}

func TestExtractTerms(t *testing.T) {
	terms := ExtractTerms("The budget, the BUDGET and the timeline!")
	assert.Equal(t, map[string]int{"budget": 2, "timeline": 1}, terms)
}

func TestIsStopWord(t *testing.T) {
	assert.True(t, IsStopWord("The"))
	assert.False(t, IsStopWord("budget"))
}

func TestTitleCase(t *testing.T) {
	assert.Equal(t, "Budget Cuts", TitleCase("  budget   CUTS "))
	assert.Equal(t, "", TitleCase(""))
}
