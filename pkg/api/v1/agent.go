package v1

import "time"

// AgentType classifies what kind of work an agent specializes in.
type AgentType string

const (
	AgentTypeFrontend      AgentType = "frontend"
	AgentTypeBackend       AgentType = "backend"
	AgentTypeTesting       AgentType = "testing"
	AgentTypeDocumentation AgentType = "documentation"
	AgentTypeCodeReview    AgentType = "code_review"
	AgentTypeDevOps        AgentType = "devops"
)

// AgentStatus represents the runtime status of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// AgentInfo is the shared agent shape. The coordination manager owns the
// authoritative registry; other components hold copies keyed by ID.
//
// Workload is the unified 0-100 scalar derived from CurrentTasks/MaxConcurrentTasks.
type AgentInfo struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Type               AgentType   `json:"type"`
	Status             AgentStatus `json:"status"`
	Capabilities       []string    `json:"capabilities,omitempty"`
	Workload           int         `json:"workload"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks"`
	CurrentTasks       int         `json:"current_tasks"`
	CurrentTaskID      string      `json:"current_task_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	LastActiveAt       time.Time   `json:"last_active_at"`
}

// AtCapacity reports whether the agent cannot accept more concurrent tasks.
func (a *AgentInfo) AtCapacity() bool {
	return a.CurrentTasks >= a.MaxConcurrentTasks
}

// ComputeWorkload derives the 0-100 workload scalar from concurrency.
func (a *AgentInfo) ComputeWorkload() int {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	w := a.CurrentTasks * 100 / a.MaxConcurrentTasks
	if w > 100 {
		w = 100
	}
	return w
}

// Clone returns a copy safe to hand across component boundaries.
func (a *AgentInfo) Clone() *AgentInfo {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp
}
