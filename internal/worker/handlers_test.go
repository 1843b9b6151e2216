package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/internal/embedding"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/internal/worker/sse"
	"github.com/thebtf/concord/pkg/models"
)

type mockSession struct {
	startFn     func(context.Context, string) (*models.Discussion, error)
	snapshotFn  func() (*models.Discussion, error)
	startCalled int
}

func (m *mockSession) Start(ctx context.Context, topic string) (*models.Discussion, error) {
	m.startCalled++
	return m.startFn(ctx, topic)
}

func (m *mockSession) Snapshot() (*models.Discussion, error) {
	return m.snapshotFn()
}

type mockClusters struct {
	bootstrapFn     func(context.Context) (*cluster.BootstrapResult, error)
	assignFn        func(context.Context, *models.Message) (*cluster.AssignResult, error)
	bootstrapCalled int
	assignCalled    int
	lastMessage     *models.Message
}

func (m *mockClusters) Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error) {
	m.bootstrapCalled++
	return m.bootstrapFn(ctx)
}

func (m *mockClusters) Assign(ctx context.Context, msg *models.Message) (*cluster.AssignResult, error) {
	m.assignCalled++
	m.lastMessage = msg
	return m.assignFn(ctx, msg)
}

type mockRepresentatives struct {
	selectFn     func(context.Context, bool) ([]representative.Selection, error)
	selectCalled int
	lastForce    bool
}

func (m *mockRepresentatives) Select(ctx context.Context, force bool) ([]representative.Selection, error) {
	m.selectCalled++
	m.lastForce = force
	return m.selectFn(ctx, force)
}

type mockConsensus struct {
	evaluateFn     func(context.Context, *models.Discussion) ([]consensus.Verdict, error)
	evaluateCalled int
}

func (m *mockConsensus) Evaluate(ctx context.Context, d *models.Discussion) ([]consensus.Verdict, error) {
	m.evaluateCalled++
	return m.evaluateFn(ctx, d)
}

func (m *mockConsensus) Thresholds() consensus.Thresholds {
	return consensus.DefaultThresholds()
}

// HandlersSuite exercises the HTTP routes against stubbed engine components.
type HandlersSuite struct {
	suite.Suite
	discussion *models.Discussion
	session    *mockSession
	clusters   *mockClusters
	reps       *mockRepresentatives
	consensus  *mockConsensus
	events     *sse.Broadcaster
	svc        *Service
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersSuite))
}

func (s *HandlersSuite) SetupTest() {
	d := models.NewDiscussion("Return to office")
	for i, content := range []string{"I love remote work", "Remote work is great", "Office is noisy"} {
		s.Require().NoError(d.AddMessage(&models.Message{
			ID:        fmt.Sprintf("m%d", i),
			AuthorID:  fmt.Sprintf("u%d", i%2),
			Content:   content,
			Sentiment: models.SentimentPositive,
		}))
	}
	d.Clusters = []*models.Cluster{{ID: "c1", Label: "Remote Work", MemberIDs: []string{"m0", "m1"}, RepresentativeID: "m0"}}
	d.Messages[0].ClusterLabel, d.Messages[1].ClusterLabel = "Remote Work", "Remote Work"
	d.Unassigned = []string{"m2"}
	s.discussion = d

	s.session = &mockSession{
		startFn: func(_ context.Context, topic string) (*models.Discussion, error) {
			return models.NewDiscussion(topic), nil
		},
		snapshotFn: func() (*models.Discussion, error) { return s.discussion.Clone(), nil },
	}
	s.clusters = &mockClusters{
		bootstrapFn: func(context.Context) (*cluster.BootstrapResult, error) {
			return &cluster.BootstrapResult{Labels: []string{"Remote Work"}, Messages: 3}, nil
		},
		assignFn: func(_ context.Context, msg *models.Message) (*cluster.AssignResult, error) {
			return &cluster.AssignResult{MessageID: msg.ID, Label: "Remote Work", Assigned: true}, nil
		},
	}
	s.reps = &mockRepresentatives{
		selectFn: func(context.Context, bool) ([]representative.Selection, error) {
			return []representative.Selection{{ClusterID: "c1", Label: "Remote Work", RepresentativeID: "m0"}}, nil
		},
	}
	s.consensus = &mockConsensus{
		evaluateFn: func(context.Context, *models.Discussion) ([]consensus.Verdict, error) {
			return []consensus.Verdict{{Label: "Remote Work", Consensus: true}}, nil
		},
	}
	s.events = sse.NewBroadcaster()
	s.svc = NewService(s.session, s.clusters, s.reps, s.consensus, s.events, Options{
		Version:        "test",
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		EmbeddingStats: func() embedding.Stats { return embedding.Stats{Model: "builtin", Hits: 3} },
	})
	s.svc.SetReady()
}

func (s *HandlersSuite) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *HandlersSuite) decode(rec *httptest.ResponseRecorder, v interface{}) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *HandlersSuite) TestHealthAndReady() {
	rec := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"status":"ready"`)

	rec = s.do(http.MethodGet, "/api/version", "")
	s.Contains(rec.Body.String(), `"version":"test"`)

	rec = s.do(http.MethodGet, "/metrics", "")
	s.Equal("metrics", rec.Body.String())
}

func (s *HandlersSuite) TestNotReady() {
	svc := NewService(s.session, s.clusters, s.reps, s.consensus, nil, Options{})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Contains(rec.Body.String(), `"status":"starting"`)

	svc.SetInitError(errors.New("disk full"))
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Contains(rec.Body.String(), "disk full")
}

func (s *HandlersSuite) TestStartDiscussion() {
	rec := s.do(http.MethodPost, "/api/discussions", `{"topic":"  Four day week  "}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var sum DiscussionSummary
	s.decode(rec, &sum)
	s.Equal("Four day week", sum.Topic)
	s.NotEmpty(sum.ID)
	s.Equal(1, s.session.startCalled)
}

func (s *HandlersSuite) TestStartDiscussion_Invalid() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/discussions", `{"topic":" "}`).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/discussions", `{nope`).Code)
	s.Zero(s.session.startCalled)
}

func (s *HandlersSuite) TestGetDiscussion() {
	rec := s.do(http.MethodGet, "/api/discussion", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var d models.Discussion
	s.decode(rec, &d)
	s.Len(d.Messages, 3)

	rec = s.do(http.MethodGet, "/api/discussion?summary=true", "")
	var sum DiscussionSummary
	s.decode(rec, &sum)
	s.Equal(3, sum.Messages)
	s.Equal(1, sum.Clusters)
	s.Equal(1, sum.Unassigned)
	s.Equal(2, sum.Participants)
}

func (s *HandlersSuite) TestNoDiscussion() {
	s.session.snapshotFn = func() (*models.Discussion, error) { return nil, models.ErrNoDiscussion }
	s.clusters.assignFn = func(context.Context, *models.Message) (*cluster.AssignResult, error) {
		return nil, models.ErrNoDiscussion
	}

	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/discussion", "").Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/dashboard", "").Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/consensus", "").Code)
	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/api/messages", `{"message_id":"x","author_id":"u","content":"hi"}`).Code)

	rec := s.do(http.MethodGet, "/api/stats", "")
	s.Equal(http.StatusOK, rec.Code)
	var stats StatsResponse
	s.decode(rec, &stats)
	s.Nil(stats.Discussion)
}

func (s *HandlersSuite) TestPostMessage() {
	client := s.events.AddClient()
	defer s.events.RemoveClient(client)

	rec := s.do(http.MethodPost, "/api/messages", `{"message_id":" m9 ","author_id":"u3","author_name":"Ana","content":"Remote please"}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var res cluster.AssignResult
	s.decode(rec, &res)
	s.Equal("m9", res.MessageID)
	s.True(res.Assigned)

	msg := s.clusters.lastMessage
	s.Equal("m9", msg.ID)
	s.Equal("Ana", msg.AuthorName)
	s.False(msg.Timestamp.IsZero(), "timestamp defaults to now")
	s.Equal(1, s.events.ClientCount())
}

func (s *HandlersSuite) TestPostMessage_IgnoresDerivedFields() {
	rec := s.do(http.MethodPost, "/api/messages",
		`{"message_id":"m9","author_id":"u3","content":"hi","cluster_label":"Hacked","sentiment":"negative","is_representative":true}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	msg := s.clusters.lastMessage
	s.Empty(msg.ClusterLabel)
	s.Empty(msg.Sentiment)
	s.False(msg.IsRepresentative)
}

func (s *HandlersSuite) TestPostMessage_Duplicate() {
	s.clusters.assignFn = func(_ context.Context, msg *models.Message) (*cluster.AssignResult, error) {
		return &cluster.AssignResult{MessageID: msg.ID, Duplicate: true}, nil
	}
	rec := s.do(http.MethodPost, "/api/messages", `{"message_id":"m0","author_id":"u0","content":"again"}`)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *HandlersSuite) TestPostMessage_Errors() {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: empty content", models.ErrInvalidMessage), http.StatusBadRequest},
		{"collaborator", fmt.Errorf("embed: %w", models.ErrCollaboratorUnavailable), http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.clusters.assignFn = func(context.Context, *models.Message) (*cluster.AssignResult, error) {
				return nil, tt.err
			}
			rec := s.do(http.MethodPost, "/api/messages", `{"message_id":"m9","author_id":"u","content":"x"}`)
			s.Equal(tt.want, rec.Code)
		})
	}

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/messages", `[`).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rec, req)
	s.Equal(http.StatusUnsupportedMediaType, rec.Code)
}

func (s *HandlersSuite) TestDashboard() {
	rec := s.do(http.MethodGet, "/api/dashboard", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var dash discussion.Dashboard
	s.decode(rec, &dash)
	s.Equal("Return to office", dash.Topic)
	s.Require().Len(dash.Clusters, 1)
	s.Equal("Remote Work", dash.Clusters[0].Label)
	s.Require().NotNil(dash.Clusters[0].Representative)
	s.Equal("m0", dash.Clusters[0].Representative.MessageID)
}

func (s *HandlersSuite) TestBootstrap() {
	rec := s.do(http.MethodPost, "/api/clusters/bootstrap", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp BootstrapResponse
	s.decode(rec, &resp)
	s.Equal([]string{"Remote Work"}, resp.Result.Labels)
	s.Len(resp.Representatives, 1)
	s.Equal(1, s.clusters.bootstrapCalled)
	s.Equal(1, s.reps.selectCalled)
	s.False(s.reps.lastForce)
}

func (s *HandlersSuite) TestBootstrap_Errors() {
	tests := []struct {
		err  error
		want int
	}{
		{cluster.ErrBootstrapInFlight, http.StatusConflict},
		{fmt.Errorf("%w: have 2", cluster.ErrNotEnoughMessages), http.StatusUnprocessableEntity},
		{models.ErrCollaboratorUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		s.clusters.bootstrapFn = func(context.Context) (*cluster.BootstrapResult, error) { return nil, tt.err }
		s.Equal(tt.want, s.do(http.MethodPost, "/api/clusters/bootstrap", "").Code, tt.err.Error())
	}
	s.Zero(s.reps.selectCalled)
}

func (s *HandlersSuite) TestBootstrap_SelectionFailureReported() {
	s.reps.selectFn = func(context.Context, bool) ([]representative.Selection, error) {
		return nil, errors.New("judge down")
	}
	rec := s.do(http.MethodPost, "/api/clusters/bootstrap", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp BootstrapResponse
	s.decode(rec, &resp)
	s.Equal("judge down", resp.Error)
	s.Empty(resp.Representatives)
}

func (s *HandlersSuite) TestRepresentatives() {
	rec := s.do(http.MethodPost, "/api/representatives?force=true", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	s.True(s.reps.lastForce)

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/representatives?force=maybe", "").Code)

	s.reps.selectFn = func(context.Context, bool) ([]representative.Selection, error) {
		return []representative.Selection{{ClusterID: "c1"}}, fmt.Errorf("cluster c2: %w", models.ErrCollaboratorUnavailable)
	}
	rec = s.do(http.MethodPost, "/api/representatives", "")
	s.Equal(http.StatusOK, rec.Code, "partial success still answers")
	var resp RepresentativesResponse
	s.decode(rec, &resp)
	s.Len(resp.Selections, 1)
	s.NotEmpty(resp.Error)

	s.reps.selectFn = func(context.Context, bool) ([]representative.Selection, error) {
		return nil, models.ErrCollaboratorUnavailable
	}
	s.Equal(http.StatusServiceUnavailable, s.do(http.MethodPost, "/api/representatives", "").Code)
}

func (s *HandlersSuite) TestConsensus() {
	rec := s.do(http.MethodGet, "/api/consensus", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp ConsensusResponse
	s.decode(rec, &resp)
	s.Require().Len(resp.Verdicts, 1)
	s.True(resp.Verdicts[0].Consensus)
	s.InDelta(0.45, resp.Thresholds.MinSizeRatio, 1e-9)
	s.Equal(1, s.consensus.evaluateCalled)
}

func (s *HandlersSuite) TestStats() {
	rec := s.do(http.MethodGet, "/api/stats", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var stats StatsResponse
	s.decode(rec, &stats)
	s.Require().NotNil(stats.Discussion)
	s.Equal(3, stats.Discussion.Messages)
	s.Require().NotNil(stats.Embedding)
	s.Equal(int64(3), stats.Embedding.Hits)
	s.NotEmpty(stats.Uptime)
}
