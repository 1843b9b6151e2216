package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Participant is an author who has posted at least once.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	MessageCount int    `json:"message_count"`
}

// Discussion is the aggregate root: one topic, its messages, clusters and participants.
// Messages are append-only; the cluster list is replaced wholesale on bootstrap.
type Discussion struct {
	CreatedAt    time.Time      `json:"created_at"`
	ID           string         `json:"id"`
	Topic        string         `json:"topic"`
	Messages     []*Message     `json:"messages"`
	Clusters     []*Cluster     `json:"clusters"`
	Unassigned   []string       `json:"unassigned"`
	Participants []*Participant `json:"participants"`
}

// NewDiscussion creates an empty discussion for topic.
func NewDiscussion(topic string) *Discussion {
	return &Discussion{
		ID:           uuid.NewString(),
		Topic:        topic,
		CreatedAt:    time.Now().UTC(),
		Messages:     []*Message{},
		Clusters:     []*Cluster{},
		Unassigned:   []string{},
		Participants: []*Participant{},
	}
}

// Message returns the message with the given id, or nil.
func (d *Discussion) Message(id string) *Message {
	for _, m := range d.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// HasMessage reports whether a message with this id was ingested.
func (d *Discussion) HasMessage(id string) bool {
	return d.Message(id) != nil
}

// AddMessage appends msg and updates the author's participant record.
// Re-adding a known id returns ErrDuplicateMessage and changes nothing.
func (d *Discussion) AddMessage(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if d.HasMessage(msg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	d.Messages = append(d.Messages, msg)

	if p := d.Participant(msg.AuthorID); p != nil {
		p.MessageCount++
		if msg.AuthorName != "" {
			p.DisplayName = msg.AuthorName
		}
		return nil
	}
	d.Participants = append(d.Participants, &Participant{
		ID:           msg.AuthorID,
		DisplayName:  msg.AuthorName,
		MessageCount: 1,
	})
	return nil
}

// Participant returns the participant record for authorID, or nil.
func (d *Discussion) Participant(authorID string) *Participant {
	for _, p := range d.Participants {
		if p.ID == authorID {
			return p
		}
	}
	return nil
}

// Cluster returns the cluster with the given id, or nil.
func (d *Discussion) Cluster(id string) *Cluster {
	for _, c := range d.Clusters {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ClusterByLabel returns the cluster with the given label (case-insensitive), or nil.
func (d *Discussion) ClusterByLabel(label string) *Cluster {
	for _, c := range d.Clusters {
		if strings.EqualFold(c.Label, label) {
			return c
		}
	}
	return nil
}

// ClusterIndexOf returns the index of the cluster containing msgID, or -1.
func (d *Discussion) ClusterIndexOf(msgID string) int {
	for i, c := range d.Clusters {
		if c.HasMember(msgID) {
			return i
		}
	}
	return -1
}

// IsPlaced reports whether msgID is in a cluster or in the unassigned buffer.
func (d *Discussion) IsPlaced(msgID string) bool {
	return d.ClusterIndexOf(msgID) >= 0 || slices.Contains(d.Unassigned, msgID)
}

// Labels returns the cluster labels in cluster order.
func (d *Discussion) Labels() []string {
	labels := make([]string, 0, len(d.Clusters))
	for _, c := range d.Clusters {
		labels = append(labels, c.Label)
	}
	return labels
}

// Members resolves the member ids of c into messages, skipping unknown ids.
func (d *Discussion) Members(c *Cluster) []*Message {
	msgs := make([]*Message, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		if m := d.Message(id); m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// PruneStaleMembers removes cluster members and buffered ids that do not
// reference an ingested message. It returns the removed ids.
func (d *Discussion) PruneStaleMembers() []string {
	var dropped []string
	keep := func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if d.HasMessage(id) {
				out = append(out, id)
				continue
			}
			dropped = append(dropped, id)
		}
		return out
	}
	for _, c := range d.Clusters {
		c.MemberIDs = keep(c.MemberIDs)
		if c.RepresentativeID != "" && !c.HasMember(c.RepresentativeID) {
			c.RepresentativeID = ""
		}
	}
	d.Unassigned = keep(d.Unassigned)
	return dropped
}

// CheckInvariants verifies that every message sits in at most one cluster or the
// buffer, that cluster labels are unique and that cluster members exist.
func (d *Discussion) CheckInvariants() error {
	seen := make(map[string]string)
	labels := make(map[string]bool)
	for _, c := range d.Clusters {
		key := strings.ToLower(c.Label)
		if labels[key] {
			return fmt.Errorf("%w: duplicate label %q", ErrInconsistentState, c.Label)
		}
		labels[key] = true
		for _, id := range c.MemberIDs {
			if !d.HasMessage(id) {
				return fmt.Errorf("%w: cluster %q references unknown message %s", ErrInconsistentState, c.Label, id)
			}
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("%w: message %s in %q and %q", ErrInconsistentState, id, prev, c.Label)
			}
			seen[id] = c.Label
		}
	}
	for _, id := range d.Unassigned {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%w: buffered message %s also in %q", ErrInconsistentState, id, prev)
		}
		seen[id] = ""
	}
	return nil
}

// Clone returns a deep copy safe to read while the original keeps changing.
func (d *Discussion) Clone() *Discussion {
	cp := *d
	cp.Messages = make([]*Message, len(d.Messages))
	for i, m := range d.Messages {
		cp.Messages[i] = m.Clone()
	}
	cp.Clusters = make([]*Cluster, len(d.Clusters))
	for i, c := range d.Clusters {
		cp.Clusters[i] = c.Clone()
	}
	cp.Unassigned = slices.Clone(d.Unassigned)
	if cp.Unassigned == nil {
		cp.Unassigned = []string{}
	}
	cp.Participants = make([]*Participant, len(d.Participants))
	for i, p := range d.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}
	return &cp
}
