package coordinator

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigned  TaskStatus = "assigned"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.ToLower(s)); st {
	case StatusPending, StatusAssigned, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// DefaultMaxRetries is the per-task retry budget when none is given.
const DefaultMaxRetries = 3

// Task is a unit of work tracked by the coordinator.
type Task struct {
	ID                 string         `json:"task_id"`
	Type               string         `json:"task_type"`
	Params             map[string]any `json:"params"`
	Priority           int            `json:"priority"`
	Status             TaskStatus     `json:"status"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	Error              string         `json:"error,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
}

func (t *Task) clone() Task {
	out := *t
	out.Params = maps.Clone(t.Params)
	out.Result = maps.Clone(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// SubmitRequest carries the optional fields of a submission.
type SubmitRequest struct {
	Type               string         `json:"task_type"`
	Params             map[string]any `json:"params,omitempty"`
	Priority           int            `json:"priority"`
	MaxRetries         *int           `json:"max_retries,omitempty"`
	RequiredCapability string         `json:"required_capability,omitempty"`
}

// District is a functional zone agents are grouped into.
type District string

const (
	DistrictCognitive District = "COGNITIVE"
	DistrictMetabolic District = "METABOLIC"
	DistrictSubstrate District = "SUBSTRATE"
)

// Districts lists every known district in display order.
var Districts = []District{DistrictCognitive, DistrictMetabolic, DistrictSubstrate}

// ParseDistrict validates a district name, case-insensitively.
func ParseDistrict(s string) (District, error) {
	d := District(strings.ToUpper(s))
	if slices.Contains(Districts, d) {
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDistrict, s)
}

// AgentMetadata describes a worker agent.
type AgentMetadata struct {
	Type         string            `json:"type,omitempty"`
	District     District          `json:"district,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// AgentOnline is the status a freshly registered agent reports.
const AgentOnline = "online"

// Agent is a registered worker.
type Agent struct {
	ID            string        `json:"agent_id"`
	Metadata      AgentMetadata `json:"metadata"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Status        string        `json:"status"`
}

func (a *Agent) clone() Agent {
	out := *a
	out.Metadata.Capabilities = slices.Clone(a.Metadata.Capabilities)
	out.Metadata.Labels = maps.Clone(a.Metadata.Labels)
	return out
}

// RelocationResult reports the outcome of moving an agent between districts.
type RelocationResult struct {
	Success      bool      `json:"success"`
	AgentID      string    `json:"agent_id"`
	FromDistrict District  `json:"from_district,omitempty"`
	ToDistrict   District  `json:"to_district"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Status summarises coordinator state. Active counts assigned tasks.
type Status struct {
	CoordinatorID string   `json:"coordinator_id"`
	Pending       int      `json:"pending_tasks"`
	Active        int      `json:"active_tasks"`
	Completed     int      `json:"completed_tasks"`
	Failed        int      `json:"failed_tasks"`
	ActiveAgents  int      `json:"active_agents"`
	Agents        []string `json:"agents"`
}

// TaskState is a task snapshot received from a peer coordinator.
type TaskState struct {
	TaskID     string         `json:"task_id"`
	Type       string         `json:"task_type,omitempty"`
	Status     string         `json:"status"`
	AssignedTo string         `json:"assigned_to,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}
