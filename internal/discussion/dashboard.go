package discussion

import (
	"sort"

	"github.com/thebtf/concord/pkg/models"
)

// Opinion is one member message as shown on the dashboard.
type Opinion struct {
	MessageID        string           `json:"message_id"`
	AuthorID         string           `json:"author_id"`
	AuthorName       string           `json:"author_name"`
	Content          string           `json:"content"`
	Sentiment        models.Sentiment `json:"sentiment"`
	IsRepresentative bool             `json:"is_representative"`
}

// ClusterView summarizes one cluster for consumers.
type ClusterView struct {
	Representative  *Opinion  `json:"representative,omitempty"`
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	ExpertID        string    `json:"expert_id,omitempty"`
	ExpertName      string    `json:"expert_name,omitempty"`
	Rationale       []string  `json:"rationale,omitempty"`
	Opinions        []Opinion `json:"opinions"`
	SizeRatio       float64   `json:"size_ratio"`
	IntraSimilarity float64   `json:"intra_similarity"`
	SentimentMean   float64   `json:"sentiment_mean"`
	SentimentStdDev float64   `json:"sentiment_stddev"`
	MessageCount    int       `json:"message_count"`
}

// Dashboard is the read model of a discussion.
type Dashboard struct {
	DiscussionID  string        `json:"discussion_id"`
	Topic         string        `json:"topic"`
	Clusters      []ClusterView `json:"clusters"`
	TotalMessages int           `json:"total_messages"`
	Participants  int           `json:"participants"`
	Unassigned    int           `json:"unassigned"`
}

// BuildDashboard derives the dashboard from a snapshot. Clusters are ordered
// by size, largest first; equal sizes keep cluster order.
func BuildDashboard(d *models.Discussion) *Dashboard {
	dash := &Dashboard{
		DiscussionID:  d.ID,
		Topic:         d.Topic,
		Clusters:      []ClusterView{},
		TotalMessages: len(d.Messages),
		Participants:  len(d.Participants),
		Unassigned:    len(d.Unassigned),
	}

	for _, c := range d.Clusters {
		members := d.Members(c)
		view := ClusterView{
			ID:              c.ID,
			Label:           c.Label,
			ExpertID:        c.ExpertID,
			Rationale:       c.Rationale,
			Opinions:        make([]Opinion, 0, len(members)),
			IntraSimilarity: c.IntraSimilarity,
			SentimentMean:   c.SentimentMean,
			SentimentStdDev: c.SentimentStdDev,
			MessageCount:    len(members),
		}
		if len(d.Messages) > 0 {
			view.SizeRatio = float64(len(members)) / float64(len(d.Messages))
		}
		if p := d.Participant(c.ExpertID); p != nil {
			view.ExpertName = p.DisplayName
		}
		for _, m := range members {
			op := Opinion{
				MessageID:        m.ID,
				AuthorID:         m.AuthorID,
				AuthorName:       m.AuthorName,
				Content:          m.Content,
				Sentiment:        m.Sentiment,
				IsRepresentative: m.ID == c.RepresentativeID,
			}
			if op.IsRepresentative {
				rep := op
				view.Representative = &rep
			}
			view.Opinions = append(view.Opinions, op)
		}
		dash.Clusters = append(dash.Clusters, view)
	}

	sort.SliceStable(dash.Clusters, func(i, j int) bool {
		return dash.Clusters[i].MessageCount > dash.Clusters[j].MessageCount
	})
	return dash
}
