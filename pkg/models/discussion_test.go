package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMsg(id, author, content string) *Message {
	return &Message{ID: id, AuthorID: author, AuthorName: "name-" + author, Content: content, Timestamp: time.Now()}
}

func TestAddMessage_UpdatesParticipants(t *testing.T) {
	d := NewDiscussion("budget")
	require.NoError(t, d.AddMessage(newMsg("m1", "u1", "first")))
	require.NoError(t, d.AddMessage(newMsg("m2", "u1", "second")))
	require.NoError(t, d.AddMessage(newMsg("m3", "u2", "third")))

	require.Len(t, d.Participants, 2)
	assert.Equal(t, 2, d.Participant("u1").MessageCount)
	assert.Equal(t, 1, d.Participant("u2").MessageCount)
}

func TestAddMessage_Duplicate(t *testing.T) {
	d := NewDiscussion("budget")
	require.NoError(t, d.AddMessage(newMsg("m1", "u1", "first")))

	err := d.AddMessage(newMsg("m1", "u1", "again"))
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.Len(t, d.Messages, 1)
	assert.Equal(t, 1, d.Participant("u1").MessageCount)
}

func TestAddMessage_Invalid(t *testing.T) {
	d := NewDiscussion("budget")
	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil", nil},
		{"missing id", newMsg("", "u1", "x")},
		{"missing author", newMsg("m1", "", "x")},
		{"blank content", newMsg("m1", "u1", "   ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, d.AddMessage(tt.msg), ErrInvalidMessage)
		})
	}
	assert.Empty(t, d.Messages)
}

func TestClone_IsDeep(t *testing.T) {
	d := NewDiscussion("budget")
	require.NoError(t, d.AddMessage(newMsg("m1", "u1", "first")))
	d.Clusters = append(d.Clusters, &Cluster{ID: "c1", Label: "Budget Cuts", MemberIDs: []string{"m1"}, Centroid: []float32{1, 0}})

	cp := d.Clone()
	cp.Messages[0].ClusterLabel = "changed"
	cp.Clusters[0].MemberIDs[0] = "zzz"
	cp.Clusters[0].Centroid[0] = 9
	cp.Participants[0].MessageCount = 42

	assert.Empty(t, d.Messages[0].ClusterLabel)
	assert.Equal(t, "m1", d.Clusters[0].MemberIDs[0])
	assert.Equal(t, float32(1), d.Clusters[0].Centroid[0])
	assert.Equal(t, 1, d.Participants[0].MessageCount)
}

func TestPruneStaleMembers(t *testing.T) {
	d := NewDiscussion("budget")
	require.NoError(t, d.AddMessage(newMsg("m1", "u1", "first")))
	d.Clusters = []*Cluster{{ID: "c1", Label: "A", MemberIDs: []string{"m1", "ghost"}, RepresentativeID: "ghost"}}
	d.Unassigned = []string{"ghost2"}

	dropped := d.PruneStaleMembers()

	assert.ElementsMatch(t, []string{"ghost", "ghost2"}, dropped)
	assert.Equal(t, []string{"m1"}, d.Clusters[0].MemberIDs)
	assert.Empty(t, d.Clusters[0].RepresentativeID)
	assert.Empty(t, d.Unassigned)
	assert.NoError(t, d.CheckInvariants())
}

func TestCheckInvariants(t *testing.T) {
	d := NewDiscussion("budget")
	require.NoError(t, d.AddMessage(newMsg("m1", "u1", "first")))
	require.NoError(t, d.AddMessage(newMsg("m2", "u2", "second")))

	d.Clusters = []*Cluster{
		{ID: "c1", Label: "Budget Cuts", MemberIDs: []string{"m1"}},
		{ID: "c2", Label: "budget cuts", MemberIDs: []string{"m2"}},
	}
	assert.ErrorIs(t, d.CheckInvariants(), ErrInconsistentState)

	d.Clusters[1].Label = "Timeline Risk"
	d.Unassigned = []string{"m1"}
	assert.ErrorIs(t, d.CheckInvariants(), ErrInconsistentState)

	d.Unassigned = nil
	assert.NoError(t, d.CheckInvariants())
	assert.True(t, d.IsPlaced("m2"))
	assert.Equal(t, 1, d.ClusterIndexOf("m2"))
	assert.Equal(t, -1, d.ClusterIndexOf("m3"))
	assert.Equal(t, []string{"Budget Cuts", "Timeline Risk"}, d.Labels())
	assert.NotNil(t, d.ClusterByLabel("TIMELINE RISK"))
}

func TestSentimentStats(t *testing.T) {
	mean, std := SentimentStats(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)

	msgs := []*Message{
		{Sentiment: SentimentPositive},
		{Sentiment: SentimentNegative},
	}
	mean, std = SentimentStats(msgs)
	assert.InDelta(t, 0.0, mean, 1e-9)
	assert.InDelta(t, 1.0, std, 1e-9)

	msgs = []*Message{{Sentiment: SentimentPositive}, {Sentiment: SentimentPositive}, {Sentiment: SentimentPositive}}
	mean, std = SentimentStats(msgs)
	assert.InDelta(t, 1.0, mean, 1e-9)
	assert.InDelta(t, 0.0, std, 1e-9)
}

func TestParseSentiment(t *testing.T) {
	assert.Equal(t, SentimentPositive, ParseSentiment(" Positive."))
	assert.Equal(t, SentimentNegative, ParseSentiment("NEGATIVE"))
	assert.Equal(t, SentimentNeutral, ParseSentiment("mixed feelings"))
	assert.Equal(t, SentimentNeutral, ParseSentiment(""))
}
