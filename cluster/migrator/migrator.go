// Package migrator requeues tasks stranded on nodes that left the cluster.
package migrator

import (
	"context"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/internal/metrics"
)

// ReasonNodeLost is the requeue reason recorded for migrated tasks.
const ReasonNodeLost = "node_lost"

// Migrator finds tasks whose placement node is no longer registered and
// puts them back in the pending queue without consuming retries.
type Migrator struct {
	coord    *coordinator.Distributed
	registry *registry.Registry
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	mu    sync.Mutex
	subID string
}

// New creates a migrator over coord and its registry.
func New(coord *coordinator.Distributed, collector *metrics.Collector, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{
		coord:    coord,
		registry: coord.Registry(),
		metrics:  collector,
		tracer:   otel.Tracer("swarm/migrator"),
		logger:   logger.With(zap.String("component", "task_migrator")),
	}
}

// DetectOrphans lists, in ascending order, tasks placed on nodes absent
// from the registry.
func (m *Migrator) DetectOrphans() []string {
	var orphans []string
	for taskID, nodeID := range m.coord.NodeAssignments() {
		if !m.registry.Has(nodeID) {
			orphans = append(orphans, taskID)
		}
	}
	slices.Sort(orphans)
	return orphans
}

// MigrateOrphans requeues every orphan and drops its stale placement. It
// returns the number of tasks moved and is a no-op when there are none.
func (m *Migrator) MigrateOrphans(ctx context.Context) int {
	_, span := m.tracer.Start(ctx, "migrator.migrate_orphans")
	defer span.End()

	assignments := m.coord.NodeAssignments()
	taskIDs := make([]string, 0, len(assignments))
	for id := range assignments {
		taskIDs = append(taskIDs, id)
	}
	slices.Sort(taskIDs)

	migrated := 0
	for _, taskID := range taskIDs {
		nodeID := assignments[taskID]
		if m.registry.Has(nodeID) {
			continue
		}
		if m.coord.RequeueFromNode(taskID, nodeID, ReasonNodeLost) {
			migrated++
			m.logger.Info("orphaned task requeued",
				zap.String("task_id", taskID),
				zap.String("node_id", nodeID),
			)
		}
	}

	m.metrics.RecordOrphansMigrated(migrated)
	span.SetAttributes(attribute.Int("migrator.migrated", migrated))
	if migrated > 0 {
		m.logger.Info("orphan migration finished", zap.Int("migrated", migrated))
	}
	return migrated
}

// HandleEviction adapts MigrateOrphans to the health monitor's eviction hook.
func (m *Migrator) HandleEviction(ctx context.Context, nodeID string) {
	m.logger.Debug("node evicted, scanning for orphans", zap.String("node_id", nodeID))
	m.MigrateOrphans(ctx)
}

// Watch migrates orphans whenever the registry drops a node, whatever the
// reason. Calling Watch twice has no further effect.
func (m *Migrator) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subID != "" {
		return
	}
	m.subID = m.registry.Subscribe(func(ev registry.Event) {
		if ev.Type == registry.EventNodeRemoved {
			m.MigrateOrphans(context.Background())
		}
	})
}

// Unwatch stops reacting to registry removals.
func (m *Migrator) Unwatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subID == "" {
		return
	}
	m.registry.Unsubscribe(m.subID)
	m.subID = ""
}
