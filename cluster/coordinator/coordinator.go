package coordinator

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tdw419/geometry-os-sub000/cluster/events"
	"github.com/tdw419/geometry-os-sub000/internal/metrics"
)

// Config configures a Coordinator.
type Config struct {
	// ID identifies this coordinator in status reports.
	ID string `yaml:"id" env:"ID"`
	// DefaultMaxRetries applies to submissions that do not set a budget.
	DefaultMaxRetries int `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	// HistoryLimit caps retained terminal tasks; 0 keeps everything.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		ID:                "coordinator",
		DefaultMaxRetries: DefaultMaxRetries,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher routes task telemetry to p.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMetrics records coordinator metrics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = collector }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator owns the task lifecycle and agent bookkeeping:
// pending -> assigned -> completed | pending (retry) | failed.
// A task lives either in the active set or in history, never both.
type Coordinator struct {
	mu sync.Mutex

	config Config

	tasks      map[string]*Task               // non-terminal tasks
	pending    []string                       // FIFO of pending task ids
	history    []*Task                        // terminal tasks, oldest first
	historyIdx map[string]*Task               // history by id
	agents     map[string]*Agent              // registered agents
	agentTasks map[string]map[string]struct{} // agent -> held task ids
	placements map[string]string              // task -> node

	publisher events.Publisher
	metrics   *metrics.Collector
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
}

// New creates a coordinator.
func New(config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = 0
	}

	c := &Coordinator{
		config:     config,
		tasks:      make(map[string]*Task),
		historyIdx: make(map[string]*Task),
		agents:     make(map[string]*Agent),
		agentTasks: make(map[string]map[string]struct{}),
		placements: make(map[string]string),
		publisher:  events.NopPublisher{},
		now:        time.Now,
		newID:      newTaskID,
		logger:     logger.With(zap.String("component", "coordinator"), zap.String("coordinator_id", config.ID)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newTaskID() string {
	return "task-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// =============================================================================
// Task lifecycle
// =============================================================================

// Submit enqueues a new pending task and returns its id.
func (c *Coordinator) Submit(taskType string, params map[string]any, priority int) string {
	return c.SubmitTask(SubmitRequest{Type: taskType, Params: params, Priority: priority})
}

// SubmitTask enqueues a new pending task built from req.
func (c *Coordinator) SubmitTask(req SubmitRequest) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxRetries := c.config.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	t := &Task{
		ID:                 c.uniqueIDLocked(),
		Type:               req.Type,
		Params:             maps.Clone(req.Params),
		Priority:           req.Priority,
		Status:             StatusPending,
		RequiredCapability: req.RequiredCapability,
		CreatedAt:          c.now(),
		MaxRetries:         maxRetries,
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	c.tasks[t.ID] = t
	c.enqueueLocked(t.ID)

	c.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("task_type", t.Type),
		zap.Int("priority", t.Priority),
		zap.String("required_capability", t.RequiredCapability),
	)
	c.metrics.RecordTaskSubmitted(t.Type)
	c.emitTaskLocked(t, "")
	return t.ID
}

// Assign hands a task to an agent. Reassigning an assigned task moves it
// off its previous holder.
func (c *Coordinator) Assign(taskID, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeLocked(taskID)
	if err != nil {
		return err
	}
	c.assignLocked(t, agentID)
	return nil
}

func (c *Coordinator) assignLocked(t *Task, agentID string) {
	prev := t.Status
	if t.AssignedTo != "" && t.AssignedTo != agentID {
		c.releaseAgentLocked(t.AssignedTo, t.ID)
	}

	now := c.now()
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.StartedAt = &now
	c.removePendingLocked(t.ID)

	held, ok := c.agentTasks[agentID]
	if !ok {
		held = make(map[string]struct{})
		c.agentTasks[agentID] = held
	}
	held[t.ID] = struct{}{}

	c.logger.Info("task assigned",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
	)
	c.metrics.RecordTaskTransition(string(prev), string(t.Status))
	c.emitTaskLocked(t, prev)
}

// Complete records a task outcome. success=false ends the task as failed
// without consuming retries.
func (c *Coordinator) Complete(taskID, agentID string, result map[string]any, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeLocked(taskID)
	if err != nil {
		return err
	}
	if t.AssignedTo != "" && agentID != "" && t.AssignedTo != agentID {
		c.logger.Warn("completion reported by non-holder",
			zap.String("task_id", taskID),
			zap.String("assigned_to", t.AssignedTo),
			zap.String("agent_id", agentID),
		)
	}

	prev := t.Status
	c.releaseAgentLocked(t.AssignedTo, t.ID)

	now := c.now()
	t.Status = StatusCompleted
	if !success {
		t.Status = StatusFailed
	}
	t.CompletedAt = &now
	t.Result = result

	c.logger.Info("task completed",
		zap.String("task_id", t.ID),
		zap.String("status", string(t.Status)),
	)
	c.finishLocked(t, prev)
	return nil
}

// Fail records an execution failure. Below the retry budget the task goes
// back to pending; at the budget it ends as failed.
func (c *Coordinator) Fail(taskID, agentID, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeLocked(taskID)
	if err != nil {
		return err
	}

	prev := t.Status
	c.releaseAgentLocked(t.AssignedTo, t.ID)
	t.Error = errMsg

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
	}
	if t.RetryCount < t.MaxRetries {
		t.Status = StatusPending
		t.AssignedTo = ""
		t.StartedAt = nil
		delete(c.placements, t.ID)
		c.enqueueLocked(t.ID)

		c.logger.Info("task failed, retrying",
			zap.String("task_id", t.ID),
			zap.String("agent_id", agentID),
			zap.Int("retry_count", t.RetryCount),
			zap.Int("max_retries", t.MaxRetries),
			zap.String("error", errMsg),
		)
		c.metrics.RecordTaskRetry(t.Type)
		c.metrics.RecordTaskTransition(string(prev), string(t.Status))
		c.emitTaskLocked(t, prev)
		return nil
	}

	now := c.now()
	t.Status = StatusFailed
	t.CompletedAt = &now

	c.logger.Warn("task retry budget exhausted",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.Int("retry_count", t.RetryCount),
		zap.String("error", errMsg),
	)
	c.finishLocked(t, prev)
	return nil
}

// Requeue returns a non-terminal task to pending because of infrastructure
// churn. The retry count is left untouched. Requeueing a task that is
// already pending is a no-op.
func (c *Coordinator) Requeue(taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.activeLocked(taskID)
	if err != nil {
		return err
	}
	c.requeueLocked(t, reason)
	return nil
}

func (c *Coordinator) requeueLocked(t *Task, reason string) {
	delete(c.placements, t.ID)
	if t.Status == StatusPending {
		c.enqueueLocked(t.ID)
		return
	}

	prev := t.Status
	c.releaseAgentLocked(t.AssignedTo, t.ID)
	t.Status = StatusPending
	t.AssignedTo = ""
	t.StartedAt = nil
	c.enqueueLocked(t.ID)

	c.logger.Info("task requeued",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
	)
	c.metrics.RecordTaskRequeue(reason)
	c.metrics.RecordTaskTransition(string(prev), string(t.Status))
	c.emitTaskLocked(t, prev)
}

// =============================================================================
// Agents
// =============================================================================

// RegisterAgent adds or refreshes an agent. Tasks it already holds are kept.
func (c *Coordinator) RegisterAgent(agentID string, md AgentMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	registeredAt := now
	if existing, ok := c.agents[agentID]; ok {
		registeredAt = existing.RegisteredAt
	}
	c.agents[agentID] = &Agent{
		ID:            agentID,
		Metadata:      md,
		RegisteredAt:  registeredAt,
		LastHeartbeat: now,
		Status:        AgentOnline,
	}

	c.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("district", string(md.District)),
	)
	c.metrics.SetAgentsRegistered(len(c.agents))
}

// UnregisterAgent removes an agent and requeues every task it held. It
// returns the requeued ids. Unknown agents are a no-op.
func (c *Coordinator) UnregisterAgent(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisterAgentLocked(agentID, "agent_unregistered")
}

func (c *Coordinator) unregisterAgentLocked(agentID, reason string) []string {
	_, known := c.agents[agentID]
	held := c.agentTasks[agentID]
	if !known && len(held) == 0 {
		return nil
	}
	delete(c.agents, agentID)

	ids := make([]string, 0, len(held))
	for id := range held {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if t, ok := c.tasks[id]; ok {
			c.requeueLocked(t, reason)
		}
	}
	delete(c.agentTasks, agentID)

	c.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.String("reason", reason),
		zap.Strings("requeued", ids),
	)
	c.metrics.SetAgentsRegistered(len(c.agents))
	return ids
}

// Heartbeat refreshes an agent's liveness and reported status. Unknown
// agents are ignored and reported as false.
func (c *Coordinator) Heartbeat(agentID, status string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return false
	}
	a.LastHeartbeat = c.now()
	if status != "" {
		a.Status = status
	}
	return true
}

// ExpireAgents unregisters every agent whose heartbeat is older than
// timeout and returns their ids.
func (c *Coordinator) ExpireAgents(now time.Time, timeout time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	for id, a := range c.agents {
		if now.Sub(a.LastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)

	for _, id := range stale {
		c.unregisterAgentLocked(id, "agent_expired")
	}
	return stale
}

// =============================================================================
// Reads
// =============================================================================

// Task returns a copy of an active or historical task.
func (c *Coordinator) Task(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tasks[taskID]; ok {
		return t.clone(), true
	}
	if t, ok := c.historyIdx[taskID]; ok {
		return t.clone(), true
	}
	return Task{}, false
}

// PendingTasks returns pending tasks in queue order.
func (c *Coordinator) PendingTasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.pending))
	for _, id := range c.pending {
		out = append(out, c.tasks[id].clone())
	}
	return out
}

// ActiveTasks returns every non-terminal task ordered by creation.
func (c *Coordinator) ActiveTasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	slices.SortFunc(out, func(a, b Task) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// History returns terminal tasks, oldest first.
func (c *Coordinator) History() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.history))
	for _, t := range c.history {
		out = append(out, t.clone())
	}
	return out
}

// NextPending returns the pending task that should run next: highest
// priority first, FIFO within a priority.
func (c *Coordinator) NextPending() (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Task
	for _, id := range c.pending {
		t := c.tasks[id]
		if best == nil || t.Priority > best.Priority {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return best.clone(), true
}

// PendingByPriority returns pending tasks in dispatch order.
func (c *Coordinator) PendingByPriority() []Task {
	out := c.PendingTasks()
	slices.SortStableFunc(out, func(a, b Task) int { return cmp.Compare(b.Priority, a.Priority) })
	return out
}

// Agent returns a copy of an agent.
func (c *Coordinator) Agent(agentID string) (Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// Agents returns all agents ordered by id.
func (c *Coordinator) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.clone())
	}
	slices.SortFunc(out, func(a, b Agent) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// AgentTasks returns the ids of tasks an agent currently holds.
func (c *Coordinator) AgentTasks(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.agentTasks[agentID]))
	for id := range c.agentTasks[agentID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Status summarises queue, history and agent counts.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		CoordinatorID: c.config.ID,
		Pending:       len(c.pending),
		ActiveAgents:  len(c.agents),
		Agents:        make([]string, 0, len(c.agents)),
	}
	for _, t := range c.tasks {
		if t.Status == StatusAssigned {
			st.Active++
		}
	}
	for _, t := range c.history {
		switch t.Status {
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	for id := range c.agents {
		st.Agents = append(st.Agents, id)
	}
	slices.Sort(st.Agents)
	return st
}

// =============================================================================
// Internal helpers (caller holds c.mu)
// =============================================================================

func (c *Coordinator) uniqueIDLocked() string {
	for {
		id := c.newID()
		_, active := c.tasks[id]
		_, done := c.historyIdx[id]
		if !active && !done {
			return id
		}
	}
}

func (c *Coordinator) activeLocked(taskID string) (*Task, error) {
	if t, ok := c.tasks[taskID]; ok {
		return t, nil
	}
	if _, ok := c.historyIdx[taskID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskTerminal, taskID)
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (c *Coordinator) enqueueLocked(taskID string) {
	if !slices.Contains(c.pending, taskID) {
		c.pending = append(c.pending, taskID)
	}
	c.metrics.SetTaskQueue(len(c.pending), len(c.tasks))
}

func (c *Coordinator) removePendingLocked(taskID string) {
	if i := slices.Index(c.pending, taskID); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
	c.metrics.SetTaskQueue(len(c.pending), len(c.tasks))
}

func (c *Coordinator) releaseAgentLocked(agentID, taskID string) {
	if agentID == "" {
		return
	}
	if held, ok := c.agentTasks[agentID]; ok {
		delete(held, taskID)
		if len(held) == 0 {
			delete(c.agentTasks, agentID)
		}
	}
}

// finishLocked moves a task that just reached a terminal status from the
// active set into history.
func (c *Coordinator) finishLocked(t *Task, prev TaskStatus) {
	delete(c.tasks, t.ID)
	delete(c.placements, t.ID)
	c.removePendingLocked(t.ID)

	c.history = append(c.history, t)
	c.historyIdx[t.ID] = t
	if limit := c.config.HistoryLimit; limit > 0 && len(c.history) > limit {
		for _, old := range c.history[:len(c.history)-limit] {
			delete(c.historyIdx, old.ID)
		}
		c.history = slices.Clone(c.history[len(c.history)-limit:])
	}

	var elapsed time.Duration
	if t.StartedAt != nil && t.CompletedAt != nil {
		elapsed = t.CompletedAt.Sub(*t.StartedAt)
	}
	c.metrics.RecordTaskFinished(t.Type, string(t.Status), elapsed)
	c.metrics.RecordTaskTransition(string(prev), string(t.Status))
	c.emitTaskLocked(t, prev)
}

func (c *Coordinator) emitTaskLocked(t *Task, prev TaskStatus) {
	now := c.now()
	update := events.TaskUpdate{
		TaskID:         t.ID,
		TaskType:       t.Type,
		Status:         string(t.Status),
		PreviousStatus: events.OptionalString(string(prev)),
		AssignedTo:     events.OptionalString(t.AssignedTo),
		Timestamp:      events.UnixSeconds(now),
		Result:         maps.Clone(t.Result),
		Error:          events.OptionalString(t.Error),
		RetryCount:     t.RetryCount,
	}
	if t.StartedAt != nil {
		end := now
		if t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		d := end.Sub(*t.StartedAt).Seconds()
		update.Duration = &d
	}
	c.publisher.Publish(events.Event{Type: events.TypeTaskUpdate, Data: update})
}
