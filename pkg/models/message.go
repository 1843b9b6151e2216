// Package models contains the domain models for concord.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Sentiment is the three-way polarity assigned to a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ParseSentiment maps free-form classifier output onto a Sentiment.
// Anything that does not mention a known polarity is neutral.
func ParseSentiment(s string) Sentiment {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, string(SentimentPositive)):
		return SentimentPositive
	case strings.Contains(s, string(SentimentNegative)):
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Valid reports whether s is one of the three known classes.
func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNeutral || s == SentimentNegative
}

// Score returns the numeric encoding used for dispersion: +1, 0, -1.
func (s Sentiment) Score() float64 {
	switch s {
	case SentimentPositive:
		return 1
	case SentimentNegative:
		return -1
	default:
		return 0
	}
}

// Message is one chat message contributed to a discussion.
// ID, AuthorID, AuthorName, Content and Timestamp never change after ingestion.
type Message struct {
	Timestamp        time.Time `json:"timestamp"`
	ID               string    `json:"message_id"`
	AuthorID         string    `json:"author_id"`
	AuthorName       string    `json:"author_name"`
	Content          string    `json:"content"`
	ClusterLabel     string    `json:"cluster_label,omitempty"`
	Sentiment        Sentiment `json:"sentiment,omitempty"`
	IsRepresentative bool      `json:"is_representative"`
}

// Validate checks the identity fields of an incoming message.
func (m *Message) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	case strings.TrimSpace(m.AuthorID) == "":
		return fmt.Errorf("%w: missing author id", ErrInvalidMessage)
	case strings.TrimSpace(m.Content) == "":
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	return nil
}

// Classified reports whether a sentiment has been assigned.
func (m *Message) Classified() bool {
	return m.Sentiment.Valid()
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// SentimentStats returns the mean and population standard deviation of the
// numeric sentiment of msgs. An empty slice yields (0, 0).
func SentimentStats(msgs []*Message) (mean, stddev float64) {
	if len(msgs) == 0 {
		return 0, 0
	}
	for _, m := range msgs {
		mean += m.Sentiment.Score()
	}
	mean /= float64(len(msgs))

	var variance float64
	for _, m := range msgs {
		d := m.Sentiment.Score() - mean
		variance += d * d
	}
	variance /= float64(len(msgs))
	return mean, math.Sqrt(variance)
}
