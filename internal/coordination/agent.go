package coordination

import (
	"context"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Worker is the capability contract an agent implementation fulfils.
// The registry never reaches into a worker's state; it asks.
type Worker interface {
	ID() string
	Name() string
	Status() v1.AgentStatus
	Workload() int
	Execute(ctx context.Context, task *v1.Task, params map[string]any) error
	Shutdown(ctx context.Context) error
}

// WorkerFactory instantiates workers for the registry. Injected so the
// runtime stays independent of any concrete agent implementation.
type WorkerFactory interface {
	NewWorker(ctx context.Context, info *v1.AgentInfo) (Worker, error)
}

// AgentConfig describes an agent to create.
type AgentConfig struct {
	Name               string       `json:"name"`
	Type               v1.AgentType `json:"type"`
	Capabilities       []string     `json:"capabilities,omitempty"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks,omitempty"`
}

// agentEntry is one registry row: the shared info shape plus the worker
// behind it and its resource allocations.
type agentEntry struct {
	info      *v1.AgentInfo
	worker    Worker
	resources map[string]bool
}

// idleWorker is the default worker when no factory is configured. It
// reports status from the registry row and executes nothing.
type idleWorker struct {
	id   string
	name string
}

func (w *idleWorker) ID() string             { return w.id }
func (w *idleWorker) Name() string           { return w.name }
func (w *idleWorker) Status() v1.AgentStatus { return v1.AgentStatusIdle }
func (w *idleWorker) Workload() int          { return 0 }
func (w *idleWorker) Execute(ctx context.Context, task *v1.Task, params map[string]any) error {
	return nil
}
func (w *idleWorker) Shutdown(ctx context.Context) error { return nil }
