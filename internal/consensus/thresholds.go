package consensus

import (
	"fmt"

	"github.com/thebtf/concord/pkg/models"
)

// Thresholds are the trigger levels a theme must meet to count as consensus.
type Thresholds struct {
	MinSizeRatio        float64 `json:"min_size_ratio"`
	MinParticipantRatio float64 `json:"min_participant_ratio"`
	MaxSentimentStdDev  float64 `json:"max_sentiment_stddev"`
	MinIntraSimilarity  float64 `json:"min_intra_similarity"`
}

// DefaultThresholds returns the production trigger levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSizeRatio:        0.45,
		MinParticipantRatio: 0.50,
		MaxSentimentStdDev:  0.25,
		MinIntraSimilarity:  0.55,
	}
}

// IsConsensus reports whether every condition holds. Boundaries are inclusive.
func (t Thresholds) IsConsensus(m models.ConsensusMetrics) bool {
	return m.SizeRatio >= t.MinSizeRatio &&
		m.ParticipantRatio >= t.MinParticipantRatio &&
		m.SentimentStdDev <= t.MaxSentimentStdDev &&
		m.IntraSimilarity >= t.MinIntraSimilarity
}

// Validate checks that ratios lie in [0,1] and the stddev limit in [0,1].
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"min_size_ratio":        t.MinSizeRatio,
		"min_participant_ratio": t.MinParticipantRatio,
		"max_sentiment_stddev":  t.MaxSentimentStdDev,
		"min_intra_similarity":  t.MinIntraSimilarity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s out of range: %v", name, v)
		}
	}
	return nil
}
