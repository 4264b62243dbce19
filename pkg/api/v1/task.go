// Package v1 contains the shared API types exchanged between fleetd
// components and exposed over the gateways.
package v1

import "time"

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateReady      TaskState = "ready"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateBlocked    TaskState = "blocked"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
	TaskStateCancelled  TaskState = "cancelled"
)

// IsTerminal returns true when the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// TaskPriority is the task priority scale.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// String returns the lowercase priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether the priority is inside the supported scale.
func (p TaskPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Task is the shared task shape. The task manager owns the authoritative
// copy; everything else references tasks by ID.
type Task struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Type          string        `json:"type"`
	State         TaskState     `json:"state"`
	Priority      TaskPriority  `json:"priority"`
	AssignedAgent string        `json:"assigned_agent,omitempty"`
	Dependencies  []string      `json:"dependencies,omitempty"`
	EstimatedTime time.Duration `json:"estimated_time"`
	Files         []string      `json:"files,omitempty"`
	Requirements  []string      `json:"requirements,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Files = append([]string(nil), t.Files...)
	cp.Requirements = append([]string(nil), t.Requirements...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}

// TaskStatistics summarizes the task population.
type TaskStatistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
