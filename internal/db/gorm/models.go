package gorm

import (
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/thebtf/concord/pkg/models"
)

// DiscussionRow is the discussions table.
type DiscussionRow struct {
	CreatedAt  time.Time
	UpdatedAt  time.Time              `gorm:"index:idx_discussions_updated,sort:desc"`
	ID         string                 `gorm:"primaryKey;type:text"`
	Topic      string                 `gorm:"type:text;not null"`
	Unassigned models.JSONStringArray `gorm:"type:jsonb;not null;default:'[]'"`
}

// TableName returns the table name for DiscussionRow.
func (DiscussionRow) TableName() string { return "discussions" }

// MessageRow is the messages table.
type MessageRow struct {
	Timestamp        time.Time
	DiscussionID     string `gorm:"primaryKey;type:text"`
	MessageID        string `gorm:"primaryKey;type:text"`
	AuthorID         string `gorm:"type:text;not null;index"`
	AuthorName       string `gorm:"type:text"`
	Content          string `gorm:"type:text;not null"`
	ClusterLabel     string `gorm:"type:text;index"`
	Sentiment        string `gorm:"type:text"`
	Position         int    `gorm:"not null"`
	IsRepresentative bool   `gorm:"not null;default:false"`
}

// TableName returns the table name for MessageRow.
func (MessageRow) TableName() string { return "messages" }

// ClusterRow is the clusters table. Centroids are stored as pgvector values.
type ClusterRow struct {
	CreatedAt        time.Time
	DiscussionID     string                 `gorm:"primaryKey;type:text"`
	ClusterID        string                 `gorm:"primaryKey;type:text"`
	Label            string                 `gorm:"type:text;not null"`
	RepresentativeID string                 `gorm:"type:text"`
	ExpertID         string                 `gorm:"type:text"`
	Centroid         pgvector.Vector        `gorm:"type:vector"`
	MemberIDs        models.JSONStringArray `gorm:"type:jsonb;not null;default:'[]'"`
	Rationale        models.JSONStringArray `gorm:"type:jsonb;not null;default:'[]'"`
	IntraSimilarity  float64
	SentimentMean    float64
	SentimentStdDev  float64
	Position         int  `gorm:"not null"`
	Frozen           bool `gorm:"not null;default:false"`
}

// TableName returns the table name for ClusterRow.
func (ClusterRow) TableName() string { return "clusters" }

// ParticipantRow is the participants table.
type ParticipantRow struct {
	DiscussionID  string `gorm:"primaryKey;type:text"`
	ParticipantID string `gorm:"primaryKey;type:text"`
	DisplayName   string `gorm:"type:text"`
	MessageCount  int    `gorm:"not null;default:0"`
	Position      int    `gorm:"not null"`
}

// TableName returns the table name for ParticipantRow.
func (ParticipantRow) TableName() string { return "participants" }

// EmbeddingRow is the embedding_cache table.
type EmbeddingRow struct {
	CreatedAt  time.Time
	CacheKey   string          `gorm:"primaryKey;type:text"`
	Vector     pgvector.Vector `gorm:"type:vector;not null"`
	Dimensions int             `gorm:"not null"`
}

// TableName returns the table name for EmbeddingRow.
func (EmbeddingRow) TableName() string { return "embedding_cache" }

// toRows flattens a discussion into table rows.
func toRows(d *models.Discussion) (DiscussionRow, []MessageRow, []ClusterRow, []ParticipantRow) {
	disc := DiscussionRow{
		ID:         d.ID,
		Topic:      d.Topic,
		CreatedAt:  d.CreatedAt,
		Unassigned: models.JSONStringArray(d.Unassigned),
	}

	msgs := make([]MessageRow, len(d.Messages))
	for i, m := range d.Messages {
		msgs[i] = MessageRow{
			DiscussionID:     d.ID,
			MessageID:        m.ID,
			AuthorID:         m.AuthorID,
			AuthorName:       m.AuthorName,
			Content:          m.Content,
			ClusterLabel:     m.ClusterLabel,
			Sentiment:        string(m.Sentiment),
			Timestamp:        m.Timestamp,
			Position:         i,
			IsRepresentative: m.IsRepresentative,
		}
	}

	clusters := make([]ClusterRow, len(d.Clusters))
	for i, c := range d.Clusters {
		clusters[i] = ClusterRow{
			DiscussionID:     d.ID,
			ClusterID:        c.ID,
			Label:            c.Label,
			RepresentativeID: c.RepresentativeID,
			ExpertID:         c.ExpertID,
			Centroid:         pgvector.NewVector(c.Centroid),
			MemberIDs:        models.JSONStringArray(c.MemberIDs),
			Rationale:        models.JSONStringArray(c.Rationale),
			IntraSimilarity:  c.IntraSimilarity,
			SentimentMean:    c.SentimentMean,
			SentimentStdDev:  c.SentimentStdDev,
			CreatedAt:        c.CreatedAt,
			Position:         i,
			Frozen:           c.Frozen,
		}
	}

	parts := make([]ParticipantRow, len(d.Participants))
	for i, p := range d.Participants {
		parts[i] = ParticipantRow{
			DiscussionID:  d.ID,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			MessageCount:  p.MessageCount,
			Position:      i,
		}
	}
	return disc, msgs, clusters, parts
}

// fromRows rebuilds a discussion. Child rows must be ordered by Position.
func fromRows(disc DiscussionRow, msgs []MessageRow, clusters []ClusterRow, parts []ParticipantRow) *models.Discussion {
	d := &models.Discussion{
		ID:           disc.ID,
		Topic:        disc.Topic,
		CreatedAt:    disc.CreatedAt,
		Messages:     make([]*models.Message, len(msgs)),
		Clusters:     make([]*models.Cluster, len(clusters)),
		Unassigned:   []string(disc.Unassigned),
		Participants: make([]*models.Participant, len(parts)),
	}
	if d.Unassigned == nil {
		d.Unassigned = []string{}
	}
	for i, m := range msgs {
		d.Messages[i] = &models.Message{
			ID:               m.MessageID,
			AuthorID:         m.AuthorID,
			AuthorName:       m.AuthorName,
			Content:          m.Content,
			ClusterLabel:     m.ClusterLabel,
			Sentiment:        models.Sentiment(m.Sentiment),
			Timestamp:        m.Timestamp,
			IsRepresentative: m.IsRepresentative,
		}
	}
	for i, c := range clusters {
		d.Clusters[i] = &models.Cluster{
			ID:               c.ClusterID,
			Label:            c.Label,
			RepresentativeID: c.RepresentativeID,
			ExpertID:         c.ExpertID,
			Centroid:         c.Centroid.Slice(),
			MemberIDs:        []string(c.MemberIDs),
			Rationale:        []string(c.Rationale),
			IntraSimilarity:  c.IntraSimilarity,
			SentimentMean:    c.SentimentMean,
			SentimentStdDev:  c.SentimentStdDev,
			CreatedAt:        c.CreatedAt,
			Frozen:           c.Frozen,
		}
	}
	for i, p := range parts {
		d.Participants[i] = &models.Participant{
			ID:           p.ParticipantID,
			DisplayName:  p.DisplayName,
			MessageCount: p.MessageCount,
		}
	}
	return d
}
