package models

import "time"

// EventConsensusDetected is the type tag of consensus events.
const EventConsensusDetected = "consensus_detected"

// ConsensusMetrics are the signals measured for one cluster label.
type ConsensusMetrics struct {
	SizeRatio        float64 `json:"size_ratio"`
	ParticipantRatio float64 `json:"participant_ratio"`
	SentimentStdDev  float64 `json:"sentiment_stddev"`
	IntraSimilarity  float64 `json:"intra_similarity"`
	MessageCount     int     `json:"message_count"`
	AuthorCount      int     `json:"author_count"`
	TotalMessages    int     `json:"total_messages"`
	TotalMembers     int     `json:"total_members"`
}

// Solution is the synthesized resolution of a consensus cluster.
type Solution struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ConsensusEvent is published when a cluster meets every consensus threshold.
type ConsensusEvent struct {
	DetectedAt   time.Time        `json:"detected_at"`
	Type         string           `json:"type"`
	DiscussionID string           `json:"discussion_id"`
	Label        string           `json:"label"`
	Solution     string           `json:"solution"`
	Participants []string         `json:"participants"`
	Metrics      ConsensusMetrics `json:"metrics"`
	Confidence   float64          `json:"confidence"`
}
