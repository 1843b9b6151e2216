// Package telemetry records engine metrics. Instruments are created on the
// global OpenTelemetry meter provider and mirrored into a Prometheus registry
// served on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/pkg/models"
)

const (
	meterName = "github.com/thebtf/concord"
	namespace = "concord"
)

// Assignment outcomes.
const (
	OutcomeAssigned  = "assigned"
	OutcomeBuffered  = "buffered"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// SnapshotSource provides the discussion read by the gauges.
type SnapshotSource interface {
	Snapshot() (*models.Discussion, error)
}

// Metrics holds every engine instrument.
type Metrics struct {
	registry *prometheus.Registry

	assignments      metric.Int64Counter
	bootstraps       metric.Int64Counter
	consensusEvents  metric.Int64Counter
	bootstrapSeconds metric.Float64Histogram

	promAssignments     *prometheus.CounterVec
	promBootstraps      *prometheus.CounterVec
	promConsensusEvents prometheus.Counter
	promBootstrapTime   prometheus.Histogram
}

// New creates the instruments and registers discussion gauges that read from source.
func New(source SnapshotSource) (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{registry: prometheus.NewRegistry()}

	var err error
	if m.assignments, err = meter.Int64Counter("concord.messages.assigned",
		metric.WithDescription("Messages processed by incremental assignment."),
	); err != nil {
		return nil, fmt.Errorf("create assignments counter: %w", err)
	}
	if m.bootstraps, err = meter.Int64Counter("concord.bootstrap.runs",
		metric.WithDescription("Full re-clustering runs."),
	); err != nil {
		return nil, fmt.Errorf("create bootstrap counter: %w", err)
	}
	if m.consensusEvents, err = meter.Int64Counter("concord.consensus.events",
		metric.WithDescription("Consensus events published."),
	); err != nil {
		return nil, fmt.Errorf("create consensus counter: %w", err)
	}
	if m.bootstrapSeconds, err = meter.Float64Histogram("concord.bootstrap.duration",
		metric.WithDescription("Duration of successful bootstrap runs."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create bootstrap histogram: %w", err)
	}

	m.promAssignments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_assigned_total",
		Help:      "Messages processed by incremental assignment, by outcome.",
	}, []string{"outcome"})
	m.promBootstraps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bootstrap_runs_total",
		Help:      "Full re-clustering runs, by result.",
	}, []string{"result"})
	m.promConsensusEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_events_total",
		Help:      "Consensus events published.",
	})
	m.promBootstrapTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bootstrap_duration_seconds",
		Help:      "Duration of successful bootstrap runs.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.promAssignments,
		m.promBootstraps,
		m.promConsensusEvents,
		m.promBootstrapTime,
		discussionGauge(source, "discussion_messages", "Messages in the active discussion.",
			func(d *models.Discussion) int { return len(d.Messages) }),
		discussionGauge(source, "discussion_clusters", "Clusters in the active discussion.",
			func(d *models.Discussion) int { return len(d.Clusters) }),
		discussionGauge(source, "discussion_unassigned", "Messages waiting in the unassigned buffer.",
			func(d *models.Discussion) int { return len(d.Unassigned) }),
		discussionGauge(source, "discussion_participants", "Participants who posted in the active discussion.",
			func(d *models.Discussion) int { return len(d.Participants) }),
	)
	return m, nil
}

func discussionGauge(source SnapshotSource, name, help string, read func(*models.Discussion) int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		func() float64 {
			d, err := source.Snapshot()
			if err != nil {
				return 0
			}
			return float64(read(d))
		},
	)
}

// Handler serves the Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publish counts a consensus event. It never fails.
func (m *Metrics) Publish(ctx context.Context, ev models.ConsensusEvent) error {
	m.consensusEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("label", ev.Label)))
	m.promConsensusEvents.Inc()
	return nil
}

// ObserveAssign records the outcome of one assignment.
func (m *Metrics) ObserveAssign(ctx context.Context, res *cluster.AssignResult, err error) {
	outcome := assignOutcome(res, err)
	m.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.promAssignments.WithLabelValues(outcome).Inc()
}

// ObserveBootstrap records one bootstrap attempt.
func (m *Metrics) ObserveBootstrap(ctx context.Context, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.bootstraps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.promBootstraps.WithLabelValues(result).Inc()
	if err == nil {
		m.bootstrapSeconds.Record(ctx, elapsed.Seconds())
		m.promBootstrapTime.Observe(elapsed.Seconds())
	}
}

func assignOutcome(res *cluster.AssignResult, err error) string {
	switch {
	case err != nil || res == nil:
		return OutcomeError
	case res.Duplicate:
		return OutcomeDuplicate
	case res.Assigned:
		return OutcomeAssigned
	default:
		return OutcomeBuffered
	}
}
