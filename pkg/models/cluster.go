package models

import (
	"slices"
	"time"
)

// Cluster is a group of semantically related messages sharing a label.
type Cluster struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	Label            string    `json:"label"`
	RepresentativeID string    `json:"representative_id,omitempty"`
	ExpertID         string    `json:"expert_id,omitempty"`
	Centroid         []float32 `json:"centroid"`
	MemberIDs        []string  `json:"member_ids"`
	Rationale        []string  `json:"rationale,omitempty"`
	IntraSimilarity  float64   `json:"intra_similarity"`
	SentimentMean    float64   `json:"sentiment_mean"`
	SentimentStdDev  float64   `json:"sentiment_stddev"`
	Frozen           bool      `json:"frozen"`
}

// HasMember reports whether msgID belongs to the cluster.
func (c *Cluster) HasMember(msgID string) bool {
	return slices.Contains(c.MemberIDs, msgID)
}

// Size returns the number of members.
func (c *Cluster) Size() int {
	return len(c.MemberIDs)
}

// Clone returns a deep copy of the cluster.
func (c *Cluster) Clone() *Cluster {
	cp := *c
	cp.Centroid = slices.Clone(c.Centroid)
	cp.MemberIDs = slices.Clone(c.MemberIDs)
	cp.Rationale = slices.Clone(c.Rationale)
	return &cp
}
