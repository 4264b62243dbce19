package workflow

import (
	"time"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Step is one declared unit of a workflow.
type Step struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Action     string         `json:"action" yaml:"action"`
	AgentType  v1.AgentType   `json:"agent_type,omitempty" yaml:"agentType,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// MaxRetries reads the step's retry budget from its parameters,
// falling back to the given default.
func (s Step) MaxRetries(fallback int) int {
	if v, ok := s.Parameters["maxRetries"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

// RetryDelay reads the step's retry delay (seconds) from its
// parameters, falling back to the given default.
func (s Step) RetryDelay(fallback time.Duration) time.Duration {
	if v, ok := s.Parameters["retryDelay"]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Second
		case float64:
			return time.Duration(n * float64(time.Second))
		}
	}
	return fallback
}

// Workflow is an ordered, validated list of steps.
type Workflow struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// ExecutionState is the workflow execution state machine's state.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepState is one step's runtime state inside an execution.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// LogEntry is one line in an execution's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	StepID    string    `json:"step_id,omitempty"`
	Message   string    `json:"message"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	State       ExecutionState       `json:"state"`
	CurrentStep int                  `json:"current_step"`
	StepStates  map[string]StepState `json:"step_states"`
	StepRetries map[string]int       `json:"step_retries"`
	Context     map[string]any       `json:"context"`
	Log         []LogEntry           `json:"log"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
}

// allowedTransitions is the execution state machine.
var allowedTransitions = map[ExecutionState][]ExecutionState{
	ExecutionPending: {ExecutionRunning, ExecutionCancelled},
	ExecutionRunning: {ExecutionPaused, ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionPaused:  {ExecutionRunning, ExecutionCancelled},
}

func transitionAllowed(from, to ExecutionState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
