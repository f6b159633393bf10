// Package dispatch moves pending tasks onto cluster nodes: it places each
// task with the distributed coordinator and delivers it on a bounded pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/coordinator"
	"github.com/tdw419/geometry-os-sub000/cluster/registry"
	"github.com/tdw419/geometry-os-sub000/internal/metrics"
	"github.com/tdw419/geometry-os-sub000/internal/pool"
	"github.com/tdw419/geometry-os-sub000/types"
)

// Requeue reasons used by the dispatcher.
const (
	ReasonDeliveryFailed = "delivery_failed"
	ReasonPoolFull       = "pool_full"
)

// ErrAlreadyRunning is returned by Start on a running dispatcher.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// ErrNotPending is returned by DispatchTask for a task that already has a
// holder.
var ErrNotPending = types.NewError(types.ErrConflict, "task is not pending").
	WithHTTPStatus(http.StatusConflict)

// Config configures a Dispatcher.
type Config struct {
	Interval        time.Duration `yaml:"interval" env:"INTERVAL"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
	// CallbackURL is sent to nodes so they can report results back.
	CallbackURL string `yaml:"callback_url" env:"CALLBACK_URL"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Second,
		Workers:         8,
		QueueSize:       128,
		DeliveryTimeout: 10 * time.Second,
	}
}

// Dispatcher periodically places pending tasks and delivers them.
type Dispatcher struct {
	config    Config
	coord     *coordinator.Distributed
	deliverer Deliverer
	pool      *pool.Pool
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a dispatcher.
func New(config Config, coord *coordinator.Distributed, deliverer Deliverer, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = def.DeliveryTimeout
	}

	logger = logger.With(zap.String("component", "dispatcher"))
	return &Dispatcher{
		config:    config,
		coord:     coord,
		deliverer: deliverer,
		pool: pool.New(pool.Config{
			MaxWorkers: config.Workers,
			QueueSize:  config.QueueSize,
		}, logger),
		metrics: collector,
		tracer:  otel.Tracer("swarm/dispatch"),
		logger:  logger,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.run(loopCtx)

	d.logger.Info("dispatcher started",
		zap.Duration("interval", d.config.Interval),
		zap.Int("workers", d.config.Workers),
	)
	return nil
}

// Stop ends the loop and waits for in-flight deliveries until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.running = false
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	err := d.pool.Close(ctx)
	d.logger.Info("dispatcher stopped")
	return err
}

// Stats returns delivery pool statistics.
func (d *Dispatcher) Stats() pool.Stats {
	return d.pool.Stats()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce places every pending task it can and queues its delivery. Tasks
// without a suitable node stay pending. It returns the ids handed to the
// pool.
func (d *Dispatcher) RunOnce(ctx context.Context) []string {
	ctx, span := d.tracer.Start(ctx, "dispatch.run")
	defer span.End()

	var dispatched []string
	for _, t := range d.coord.PendingByPriority() {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, t) {
			dispatched = append(dispatched, t.ID)
		}
	}
	span.SetAttributes(attribute.Int("dispatch.tasks", len(dispatched)))
	return dispatched
}

func (d *Dispatcher) dispatch(ctx context.Context, t coordinator.Task) bool {
	nodeID, err := d.coord.SelectTargetNode(t.ID)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrNoNodes), errors.Is(err, coordinator.ErrCapabilityUnavailable):
			d.logger.Debug("task left pending",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
		default:
			// Finished or removed since the snapshot was taken.
			d.coord.ReleaseNode(t.ID)
		}
		return false
	}
	node, ok := d.coord.Registry().Get(nodeID)
	if !ok {
		d.coord.ReleaseNode(t.ID)
		return false
	}
	if err := d.coord.AssignToNode(t.ID, nodeID); err != nil {
		d.coord.ReleaseNode(t.ID)
		return false
	}

	req := d.request(t)
	err = d.pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return d.deliver(ctx, node, req)
	})
	if err != nil {
		d.logger.Warn("delivery rejected",
			zap.String("task_id", t.ID),
			zap.String("node_id", nodeID),
			zap.Error(err),
		)
		d.metrics.RecordDelivery("rejected", 0)
		d.coord.RequeueFromNode(t.ID, nodeID, ReasonPoolFull)
		return false
	}
	return true
}

// DispatchTask places one pending task and delivers it, waiting for the
// node to accept it. A failed delivery leaves the task pending again.
func (d *Dispatcher) DispatchTask(ctx context.Context, taskID string) (string, error) {
	t, ok := d.coord.Task(taskID)
	switch {
	case !ok:
		return "", coordinator.ErrTaskNotFound
	case t.Status.IsTerminal():
		return "", coordinator.ErrTaskTerminal
	case t.Status != coordinator.StatusPending:
		return "", ErrNotPending
	}

	nodeID, err := d.coord.SelectTargetNode(taskID)
	if err != nil {
		return "", err
	}
	node, ok := d.coord.Registry().Get(nodeID)
	if !ok {
		d.coord.ReleaseNode(taskID)
		return "", coordinator.ErrNoNodes
	}
	if err := d.coord.AssignToNode(taskID, nodeID); err != nil {
		d.coord.ReleaseNode(taskID)
		return "", err
	}

	// 0 queued, 1 delivering, 2 abandoned before a worker picked it up.
	var state atomic.Int32
	req := d.request(t)
	err = d.pool.SubmitWait(ctx, func(ctx context.Context) error {
		if !state.CompareAndSwap(0, 1) {
			return context.Canceled
		}
		return d.deliver(ctx, node, req)
	})
	if err != nil {
		if state.CompareAndSwap(0, 2) {
			d.metrics.RecordDelivery("rejected", 0)
			d.coord.RequeueFromNode(taskID, nodeID, ReasonPoolFull)
		}
		return "", deliveryError(nodeID, err)
	}
	return nodeID, nil
}

func deliveryError(nodeID string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, pool.ErrPoolClosed) {
		return types.NewError(types.ErrServiceUnavailable, "dispatcher is stopped").WithCause(err)
	}
	return types.NewError(types.ErrDeliveryFailed, fmt.Sprintf("deliver to node %s", nodeID)).
		WithCause(err).
		WithRetryable(true)
}

func (d *Dispatcher) request(t coordinator.Task) DeliveryRequest {
	return DeliveryRequest{
		TaskID:      t.ID,
		Type:        t.Type,
		Params:      t.Params,
		CallbackURL: d.config.CallbackURL,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, node registry.Node, req DeliveryRequest) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("node.id", node.ID),
	))
	defer span.End()

	start := time.Now()
	err := d.deliverer.Deliver(ctx, node, req)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		d.metrics.RecordDelivery("failed", elapsed)
		d.logger.Warn("delivery failed",
			zap.String("task_id", req.TaskID),
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
		// Only requeue if nothing moved the task in the meantime.
		d.coord.RequeueFromNode(req.TaskID, node.ID, ReasonDeliveryFailed)
		return err
	}

	d.metrics.RecordDelivery("delivered", elapsed)
	d.logger.Debug("task delivered",
		zap.String("task_id", req.TaskID),
		zap.String("node_id", node.ID),
		zap.Duration("duration", elapsed),
	)
	return nil
}
