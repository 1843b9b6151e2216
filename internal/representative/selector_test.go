package representative

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/pkg/models"
)

type stubJudge struct {
	pickFn         func(label string, candidates []string) (string, error)
	rationaleFn    func(label string, messages []string) ([]string, error)
	pickCalls      atomic.Int32
	rationaleCalls atomic.Int32
}

func (s *stubJudge) PickBest(_ context.Context, label string, candidates []string) (string, error) {
	s.pickCalls.Add(1)
	if s.pickFn != nil {
		return s.pickFn(label, candidates)
	}
	return candidates[len(candidates)-1], nil
}

func (s *stubJudge) ExpertRationale(_ context.Context, label string, messages []string) ([]string, error) {
	s.rationaleCalls.Add(1)
	if s.rationaleFn != nil {
		return s.rationaleFn(label, messages)
	}
	return []string{"one", "two", "three"}, nil
}

func newSession(t *testing.T) *discussion.Session {
	t.Helper()
	s := discussion.NewSession(nil, zerolog.Nop())
	_, err := s.Start(context.Background(), "lunch")
	require.NoError(t, err)
	require.NoError(t, s.Mutate(context.Background(), func(_ context.Context, d *models.Discussion) error {
		for _, m := range []*models.Message{
			{ID: "1", AuthorID: "alice", Content: "Tacos on Friday"},
			{ID: "2", AuthorID: "bob", Content: "Tacos every Friday please"},
			{ID: "3", AuthorID: "alice", Content: "Friday tacos with salsa"},
			{ID: "4", AuthorID: "carol", Content: "Salad bar"},
		} {
			if err := d.AddMessage(m); err != nil {
				return err
			}
		}
		d.Clusters = []*models.Cluster{
			{ID: "c1", Label: "Friday Tacos", MemberIDs: []string{"1", "2", "3"}},
			{ID: "c2", Label: "Salad Bar", MemberIDs: []string{"4"}},
		}
		return nil
	}))
	return s
}

func TestSelector_Select(t *testing.T) {
	session := newSession(t)
	judge := &stubJudge{}
	sel := NewSelector(session, judge, 2, zerolog.Nop())

	applied, err := sel.Select(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, int32(1), judge.pickCalls.Load(), "single-member clusters skip the judgement")
	assert.Equal(t, int32(2), judge.rationaleCalls.Load())

	d, _ := session.Snapshot()
	tacos := d.Cluster("c1")
	assert.Equal(t, "3", tacos.RepresentativeID)
	assert.Equal(t, "alice", tacos.ExpertID)
	assert.Equal(t, []string{"one", "two", "three"}, tacos.Rationale)
	assert.True(t, d.Message("3").IsRepresentative)
	assert.False(t, d.Message("1").IsRepresentative)

	salad := d.Cluster("c2")
	assert.Equal(t, "4", salad.RepresentativeID)
	assert.Equal(t, "carol", salad.ExpertID)
}

func TestSelector_SkipsCurrentUnlessForced(t *testing.T) {
	session := newSession(t)
	judge := &stubJudge{}
	sel := NewSelector(session, judge, 0, zerolog.Nop())

	_, err := sel.Select(context.Background(), false)
	require.NoError(t, err)

	applied, err := sel.Select(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, int32(1), judge.pickCalls.Load())

	applied, err = sel.Select(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Equal(t, int32(2), judge.pickCalls.Load())
}

func TestSelector_ExpertRationaleFromExpertMessages(t *testing.T) {
	session := newSession(t)
	var got []string
	judge := &stubJudge{
		pickFn: func(_ string, candidates []string) (string, error) { return candidates[0], nil },
		rationaleFn: func(label string, messages []string) ([]string, error) {
			if label == "Friday Tacos" {
				got = messages
			}
			return nil, nil
		},
	}
	_, err := NewSelector(session, judge, 1, zerolog.Nop()).Select(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tacos on Friday", "Friday tacos with salsa"}, got)
}

func TestSelector_PickFailureSkipsCluster(t *testing.T) {
	session := newSession(t)
	judge := &stubJudge{pickFn: func(string, []string) (string, error) {
		return "", models.ErrCollaboratorUnavailable
	}}
	applied, err := NewSelector(session, judge, 2, zerolog.Nop()).Select(context.Background(), false)
	assert.ErrorIs(t, err, models.ErrCollaboratorUnavailable)
	require.Len(t, applied, 1)
	assert.Equal(t, "c2", applied[0].ClusterID)

	d, _ := session.Snapshot()
	assert.Empty(t, d.Cluster("c1").RepresentativeID)
}

func TestSelector_RationaleFailureIsBestEffort(t *testing.T) {
	session := newSession(t)
	judge := &stubJudge{rationaleFn: func(string, []string) ([]string, error) {
		return nil, errors.New("quota")
	}}
	applied, err := NewSelector(session, judge, 2, zerolog.Nop()).Select(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Empty(t, applied[0].Rationale)
}

func TestSelector_DropsResultForChangedCluster(t *testing.T) {
	session := newSession(t)
	judge := &stubJudge{}
	judge.pickFn = func(_ string, candidates []string) (string, error) {
		// Simulate a bootstrap replacing the cluster while the judgement runs.
		err := session.Mutate(context.Background(), func(_ context.Context, d *models.Discussion) error {
			d.Clusters[0].ID = "rebuilt"
			return nil
		})
		return candidates[0], err
	}
	applied, err := NewSelector(session, judge, 1, zerolog.Nop()).Select(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "c2", applied[0].ClusterID)

	d, _ := session.Snapshot()
	assert.Empty(t, d.Cluster("rebuilt").RepresentativeID)
}

func TestSelector_NoDiscussion(t *testing.T) {
	sel := NewSelector(discussion.NewSession(nil, zerolog.Nop()), &stubJudge{}, 1, zerolog.Nop())
	_, err := sel.Select(context.Background(), false)
	assert.ErrorIs(t, err, models.ErrNoDiscussion)
}

func TestMatch(t *testing.T) {
	members := []*models.Message{
		{ID: "1", Content: "Tacos on Friday"},
		{ID: "2", Content: "Tacos every Friday please"},
	}
	tests := []struct {
		name string
		text string
		want string
	}{
		{"exact", "Tacos every Friday please", "2"},
		{"trimmed", "  Tacos every Friday please\n", "2"},
		{"judged text inside member", "every friday", "2"},
		{"member inside judged text", "I think: tacos on friday!", "1"},
		{"paraphrase falls back to first", "Mexican food weekly", "1"},
		{"empty falls back to first", "", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.text, members).ID)
		})
	}
}

func TestExpert(t *testing.T) {
	members := []*models.Message{
		{ID: "1", AuthorID: "bob"},
		{ID: "2", AuthorID: "alice"},
		{ID: "3", AuthorID: "alice"},
		{ID: "4", AuthorID: "carol"},
	}
	assert.Equal(t, "carol", Expert(members, "4"))
	assert.Equal(t, "alice", Expert(members, ""))
	assert.Equal(t, "alice", Expert(members, "missing"))
	assert.Equal(t, "bob", Expert(members[:2], ""), "ties go to the first author")
	assert.Empty(t, Expert(nil, ""))
}
