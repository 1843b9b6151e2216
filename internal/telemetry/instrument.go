package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/pkg/models"
)

// ClusterManager is the subset of cluster.Manager that gets instrumented.
type ClusterManager interface {
	Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error)
	Assign(ctx context.Context, msg *models.Message) (*cluster.AssignResult, error)
}

// InstrumentedManager records metrics around a ClusterManager.
type InstrumentedManager struct {
	next    ClusterManager
	metrics *Metrics
}

// Instrument wraps next so every call is observed.
func (m *Metrics) Instrument(next ClusterManager) *InstrumentedManager {
	return &InstrumentedManager{next: next, metrics: m}
}

// Bootstrap runs the wrapped bootstrap. Skips (in flight, too few messages)
// are not counted as runs.
func (i *InstrumentedManager) Bootstrap(ctx context.Context) (*cluster.BootstrapResult, error) {
	start := time.Now()
	res, err := i.next.Bootstrap(ctx)
	if errors.Is(err, cluster.ErrBootstrapInFlight) || errors.Is(err, cluster.ErrNotEnoughMessages) {
		return res, err
	}
	i.metrics.ObserveBootstrap(ctx, time.Since(start), err)
	return res, err
}

// Assign runs the wrapped assignment.
func (i *InstrumentedManager) Assign(ctx context.Context, msg *models.Message) (*cluster.AssignResult, error) {
	res, err := i.next.Assign(ctx, msg)
	i.metrics.ObserveAssign(ctx, res, err)
	return res, err
}
