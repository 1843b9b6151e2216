package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/internal/embedding"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/pkg/models"
)

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

// writeJSONStatus writes a JSON response with the given status.
func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(r *http.Request, err error) int {
	switch {
	case errors.Is(err, models.ErrNoDiscussion):
		if r.Method == http.MethodGet {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrBootstrapInFlight):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrNotEnoughMessages):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(r, err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("requestId", GetRequestID(r.Context())).Msg("Request failed")
	}
	http.Error(w, err.Error(), status)
}

// handleHealth handles health check requests.
// Returns 200 OK immediately (even during init). Use /api/ready for full readiness.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"version": s.version,
	})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

// handleReady returns 200 only when fully initialized, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartDiscussionRequest is the request body for starting a discussion.
type StartDiscussionRequest struct {
	Topic string `json:"topic"`
}

// DiscussionSummary describes a discussion without its messages.
type DiscussionSummary struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Messages     int       `json:"messages"`
	Clusters     int       `json:"clusters"`
	Unassigned   int       `json:"unassigned"`
	Participants int       `json:"participants"`
}

func summarize(d *models.Discussion) DiscussionSummary {
	return DiscussionSummary{
		CreatedAt:    d.CreatedAt,
		ID:           d.ID,
		Topic:        d.Topic,
		Messages:     len(d.Messages),
		Clusters:     len(d.Clusters),
		Unassigned:   len(d.Unassigned),
		Participants: len(d.Participants),
	}
}

// handleStartDiscussion replaces the active discussion with a new one.
func (s *Service) handleStartDiscussion(w http.ResponseWriter, r *http.Request) {
	var req StartDiscussionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}

	d, err := s.session.Start(r.Context(), req.Topic)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.events.Reset()
	s.events.Broadcast(map[string]interface{}{
		"type":          "discussion_started",
		"discussion_id": d.ID,
		"topic":         d.Topic,
	})
	log.Info().Str("discussion", d.ID).Str("topic", d.Topic).Msg("Discussion started")

	writeJSONStatus(w, http.StatusCreated, summarize(d))
}

// handleGetDiscussion returns the full discussion snapshot.
// With ?summary=true only counts are returned.
func (s *Service) handleGetDiscussion(w http.ResponseWriter, r *http.Request) {
	d, err := s.session.Snapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summary, _ := strconv.ParseBool(r.URL.Query().Get("summary")); summary {
		writeJSON(w, summarize(d))
		return
	}
	writeJSON(w, d)
}

// MessageRequest is the request body for ingesting one message. Derived
// fields (cluster label, sentiment, representative flag) are set by the engine.
type MessageRequest struct {
	Timestamp  time.Time `json:"timestamp"`
	MessageID  string    `json:"message_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
}

// handlePostMessage appends a message to the discussion and places it.
// Returns 201 for a new message and 200 for a repeated message id.
func (s *Service) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	res, err := s.clusters.Assign(r.Context(), &models.Message{
		ID:         strings.TrimSpace(req.MessageID),
		AuthorID:   strings.TrimSpace(req.AuthorID),
		AuthorName: req.AuthorName,
		Content:    req.Content,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.Duplicate {
		writeJSON(w, res)
		return
	}

	s.events.Broadcast(map[string]interface{}{
		"type":       "message_placed",
		"message_id": res.MessageID,
		"label":      res.Label,
		"assigned":   res.Assigned,
		"sentiment":  res.Sentiment,
	})
	writeJSONStatus(w, http.StatusCreated, res)
}

// handleDashboard returns the consumer read model.
func (s *Service) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.session.Snapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, discussion.BuildDashboard(d))
}

// BootstrapResponse is returned by a manual bootstrap.
type BootstrapResponse struct {
	Error           string                     `json:"error,omitempty"`
	Result          *cluster.BootstrapResult   `json:"result"`
	Representatives []representative.Selection `json:"representatives"`
}

// handleBootstrap re-clusters the discussion and selects representatives.
func (s *Service) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	res, err := s.clusters.Bootstrap(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := BootstrapResponse{Result: res}
	selections, err := s.representatives.Select(r.Context(), false)
	if err != nil {
		resp.Error = err.Error()
	}
	resp.Representatives = selections
	if resp.Representatives == nil {
		resp.Representatives = []representative.Selection{}
	}

	s.events.Broadcast(map[string]interface{}{
		"type":   "clusters_rebuilt",
		"labels": res.Labels,
	})
	writeJSON(w, resp)
}

// RepresentativesResponse is returned by representative selection.
type RepresentativesResponse struct {
	Error      string                     `json:"error,omitempty"`
	Selections []representative.Selection `json:"selections"`
}

// handleRepresentatives selects representatives. With ?force=true clusters
// that already have one are judged again.
func (s *Service) handleRepresentatives(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid force parameter", http.StatusBadRequest)
			return
		}
		force = parsed
	}

	selections, err := s.representatives.Select(r.Context(), force)
	if err != nil && len(selections) == 0 {
		writeError(w, r, err)
		return
	}

	resp := RepresentativesResponse{Selections: selections}
	if resp.Selections == nil {
		resp.Selections = []representative.Selection{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

// ConsensusResponse is returned by consensus evaluation.
type ConsensusResponse struct {
	Error      string               `json:"error,omitempty"`
	Verdicts   []consensus.Verdict  `json:"verdicts"`
	Thresholds consensus.Thresholds `json:"thresholds"`
}

// handleConsensus evaluates the current discussion.
func (s *Service) handleConsensus(w http.ResponseWriter, r *http.Request) {
	d, err := s.session.Snapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}

	verdicts, err := s.consensus.Evaluate(r.Context(), d)
	resp := ConsensusResponse{
		Verdicts:   verdicts,
		Thresholds: s.consensus.Thresholds(),
	}
	if resp.Verdicts == nil {
		resp.Verdicts = []consensus.Verdict{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

// StatsResponse reports worker and discussion counters.
type StatsResponse struct {
	Discussion *DiscussionSummary `json:"discussion,omitempty"`
	Embedding  *embedding.Stats   `json:"embedding,omitempty"`
	RateLimit  map[string]any     `json:"rate_limit"`
	Uptime     string             `json:"uptime"`
	SSEClients int                `json:"sse_clients"`
}

// handleStats returns worker statistics. A missing discussion is not an error here.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		SSEClients: s.events.ClientCount(),
		RateLimit:  s.limiter.Stats(),
	}
	if d, err := s.session.Snapshot(); err == nil {
		sum := summarize(d)
		resp.Discussion = &sum
	} else if !errors.Is(err, models.ErrNoDiscussion) {
		writeError(w, r, err)
		return
	}
	if s.embeddingStats != nil {
		stats := s.embeddingStats()
		resp.Embedding = &stats
	}
	writeJSON(w, resp)
}
