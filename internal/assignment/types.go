package assignment

import (
	"time"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Criteria holds the scoring weights. They are normalized against each
// other, not required to sum to 1.
type Criteria struct {
	Specialization float64 `json:"specialization"`
	Load           float64 `json:"load"`
	Capability     float64 `json:"capability"`
	Priority       float64 `json:"priority"`
	Time           float64 `json:"time"`
	Performance    float64 `json:"performance"`
}

// DefaultCriteria returns the default scoring weights.
func DefaultCriteria() Criteria {
	return Criteria{
		Specialization: 0.30,
		Load:           0.25,
		Capability:     0.20,
		Priority:       0.10,
		Time:           0.10,
		Performance:    0.05,
	}
}

// Candidate is one scored agent in an assignment decision.
type Candidate struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

// Result is the outcome of an assignment decision.
type Result struct {
	Success      bool        `json:"success"`
	AgentID      string      `json:"agent_id,omitempty"`
	Confidence   float64     `json:"confidence"`
	Reasoning    []string    `json:"reasoning"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

// Execution tracks one in-flight task execution.
type Execution struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	AgentID       string    `json:"agent_id"`
	StartedAt     time.Time `json:"started_at"`
	ExpectedEnd   time.Time `json:"expected_end"`
	Progress      float64   `json:"progress"` // 0-100
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// TriggerType classifies why a reassignment was requested.
type TriggerType string

const (
	TriggerTimeout      TriggerType = "timeout"
	TriggerAgentFailure TriggerType = "agent_failure"
)

// Trigger is one reassignment signal from the periodic checker.
type Trigger struct {
	Type    TriggerType `json:"type"`
	TaskID  string      `json:"task_id"`
	AgentID string      `json:"agent_id"`
	Reason  string      `json:"reason"`
}

// Performance accumulates per-agent execution outcomes.
type Performance struct {
	AgentID            string             `json:"agent_id"`
	TasksCompleted     int                `json:"tasks_completed"`
	TasksSuccessful    int                `json:"tasks_successful"`
	AvgCompletionTime  time.Duration      `json:"avg_completion_time"`
	AvgQuality         float64            `json:"avg_quality"`
	TypeSuccessRate    map[string]float64 `json:"type_success_rate"`
	typeCompleted      map[string]int
	typeSuccessful     map[string]int
}

// SuccessRate returns the overall success fraction, defaulting to 0.5
// with no history.
func (p *Performance) SuccessRate() float64 {
	if p == nil || p.TasksCompleted == 0 {
		return 0.5
	}
	return float64(p.TasksSuccessful) / float64(p.TasksCompleted)
}

// TypeRate returns the success fraction for one task type, defaulting
// to 0.5 with no history.
func (p *Performance) TypeRate(taskType string) float64 {
	if p == nil {
		return 0.5
	}
	rate, ok := p.TypeSuccessRate[taskType]
	if !ok {
		return 0.5
	}
	return rate
}

// Statistics summarizes engine state.
type Statistics struct {
	KnownAgents      int `json:"known_agents"`
	ActiveExecutions int `json:"active_executions"`
	TotalAssigned    int `json:"total_assigned"`
	TotalCompleted   int `json:"total_completed"`
	TotalReassigned  int `json:"total_reassigned"`
}

// specializationMap lists which agent types count as specialized for a
// task type. Unlisted pairings score the 0.3 generalist floor.
var specializationMap = map[string][]v1.AgentType{
	"frontend":      {v1.AgentTypeFrontend},
	"backend":       {v1.AgentTypeBackend, v1.AgentTypeDevOps},
	"testing":       {v1.AgentTypeTesting},
	"documentation": {v1.AgentTypeDocumentation},
	"code_review":   {v1.AgentTypeCodeReview},
	"devops":        {v1.AgentTypeDevOps, v1.AgentTypeBackend},
}
