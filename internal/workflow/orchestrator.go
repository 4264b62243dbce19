// Package workflow implements the workflow orchestrator: registration
// with DAG validation, an execution state machine, dependency-gated
// step dispatch, and per-step retries.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// AgentSelector supplies candidate agents for a step. Backed by the
// coordination manager's registry.
type AgentSelector interface {
	AgentsByType(agentType v1.AgentType) []*v1.AgentInfo
}

// StepDispatcher carries an agent-typed step action to the selected
// agent and blocks until the action finishes.
type StepDispatcher interface {
	DispatchStep(ctx context.Context, executionID string, step Step, agentID string) error
}

// SystemAction runs an in-process step action.
type SystemAction func(ctx context.Context, exec *Execution, step Step) error

// Orchestrator owns workflow definitions and executions.
type Orchestrator struct {
	cfg        config.WorkflowConfig
	ids        ident.Source
	clock      clock.Clock
	selector   AgentSelector
	dispatcher StepDispatcher
	logger     *logger.Logger

	mu         sync.Mutex
	workflows  map[string]*Workflow
	executions map[string]*Execution
	actions    map[string]SystemAction

	wg sync.WaitGroup
}

// NewOrchestrator creates a workflow orchestrator.
func NewOrchestrator(cfg config.WorkflowConfig, ids ident.Source, clk clock.Clock, selector AgentSelector, dispatcher StepDispatcher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		ids:        ids,
		clock:      clk,
		selector:   selector,
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "workflow-orchestrator")),
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*Execution),
		actions:    make(map[string]SystemAction),
	}
}

// RegisterAction registers an in-process handler for a system action
// name. Steps with no agent type run these.
func (o *Orchestrator) RegisterAction(name string, action SystemAction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions[name] = action
}

// Register validates and stores a workflow definition: steps non-empty
// and within the cap, every dependency resolving to a declared step,
// and no cycles.
func (o *Orchestrator) Register(wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return apperrors.Validation("workflow id is required")
	}
	if len(wf.Steps) == 0 {
		return apperrors.Validation("workflow must declare at least one step")
	}
	if len(wf.Steps) > o.cfg.MaxSteps {
		return apperrors.Capacity(fmt.Sprintf("workflow exceeds %d steps", o.cfg.MaxSteps))
	}

	byID := make(map[string]*Step, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			return apperrors.Validation("every step needs an id")
		}
		if _, dup := byID[step.ID]; dup {
			return apperrors.Validationf("duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}
	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return apperrors.Validationf("step %q depends on undeclared step %q", step.ID, dep)
			}
		}
	}
	if cycle := findCycle(wf.Steps); cycle != "" {
		return apperrors.Validationf("workflow has a dependency cycle through step %q", cycle)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.workflows[wf.ID] = wf
	return nil
}

// RegisterYAML parses a YAML workflow document and registers it.
func (o *Orchestrator) RegisterYAML(doc []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(doc, &wf); err != nil {
		return nil, apperrors.Validationf("invalid workflow yaml: %v", err)
	}
	if err := o.Register(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// findCycle runs a DFS with recursion-stack marking over the step
// dependency edges, returning a step id on a cycle or "".
func findCycle(steps []Step) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = inStack
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				return dep
			case unvisited:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		state[id] = done
		return ""
	}

	for _, s := range steps {
		if state[s.ID] == unvisited {
			if found := visit(s.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// StartExecution creates an execution for a workflow and launches its
// run loop.
func (o *Orchestrator) StartExecution(ctx context.Context, workflowID string, execContext map[string]any) (*Execution, error) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return nil, apperrors.NotFound("workflow", workflowID)
	}

	now := o.clock.Now()
	exec := &Execution{
		ID:          o.ids.NewID(),
		WorkflowID:  workflowID,
		State:       ExecutionPending,
		StepStates:  make(map[string]StepState, len(wf.Steps)),
		StepRetries: make(map[string]int, len(wf.Steps)),
		Context:     execContext,
		StartedAt:   &now,
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	for _, step := range wf.Steps {
		exec.StepStates[step.ID] = StepWaiting
	}
	exec.State = ExecutionRunning
	o.executions[exec.ID] = exec
	o.appendLogLocked(exec, "", "execution started")
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runLoop(ctx, exec.ID)

	return o.GetExecution(exec.ID)
}

// Transition applies a state machine transition to an execution.
// Disallowed transitions are rejected with Validation.
func (o *Orchestrator) Transition(executionID string, to ExecutionState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[executionID]
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	if !transitionAllowed(exec.State, to) {
		return apperrors.Validationf("invalid execution transition %s -> %s", exec.State, to)
	}
	exec.State = to
	if to.IsTerminal() {
		now := o.clock.Now()
		exec.EndedAt = &now
	}
	o.appendLogLocked(exec, "", fmt.Sprintf("execution transitioned to %s", to))
	return nil
}

// Pause suspends a running execution.
func (o *Orchestrator) Pause(executionID string) error {
	return o.Transition(executionID, ExecutionPaused)
}

// Resume continues a paused execution.
func (o *Orchestrator) Resume(executionID string) error {
	return o.Transition(executionID, ExecutionRunning)
}

// Cancel cooperatively stops an execution. An in-flight step's
// completion is dropped by the run loop.
func (o *Orchestrator) Cancel(executionID string) error {
	return o.Transition(executionID, ExecutionCancelled)
}

// GetExecution returns a copy of an execution.
func (o *Orchestrator) GetExecution(executionID string) (*Execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executions[executionID]
	if !ok {
		return nil, apperrors.NotFound("execution", executionID)
	}
	return cloneExecution(exec), nil
}

// ListExecutions returns copies of all executions.
func (o *Orchestrator) ListExecutions() []*Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Execution, 0, len(o.executions))
	for _, exec := range o.executions {
		out = append(out, cloneExecution(exec))
	}
	return out
}

// Workflows returns the registered workflow definitions.
func (o *Orchestrator) Workflows() []*Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, wf)
	}
	return out
}

// Wait blocks until all run loops have exited. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// runLoop drives one execution step by step until a terminal state.
func (o *Orchestrator) runLoop(ctx context.Context, executionID string) {
	defer o.wg.Done()

	poll := o.cfg.StepPollInterval()
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		o.mu.Lock()
		exec, ok := o.executions[executionID]
		if !ok {
			o.mu.Unlock()
			return
		}
		if exec.State.IsTerminal() {
			o.mu.Unlock()
			return
		}
		if exec.State != ExecutionRunning {
			o.mu.Unlock()
			time.Sleep(poll)
			continue
		}

		wf := o.workflows[exec.WorkflowID]
		if exec.CurrentStep >= len(wf.Steps) {
			exec.State = ExecutionCompleted
			now := o.clock.Now()
			exec.EndedAt = &now
			o.appendLogLocked(exec, "", "execution completed")
			o.mu.Unlock()
			return
		}

		step := wf.Steps[exec.CurrentStep]
		if !o.stepDepsCompletedLocked(exec, step) {
			o.mu.Unlock()
			time.Sleep(poll)
			continue
		}
		exec.StepStates[step.ID] = StepRunning
		o.appendLogLocked(exec, step.ID, fmt.Sprintf("running step %s", step.Name))
		o.mu.Unlock()

		err := o.executeStep(ctx, executionID, step)

		o.mu.Lock()
		exec, ok = o.executions[executionID]
		if !ok {
			o.mu.Unlock()
			return
		}
		if exec.State.IsTerminal() {
			// cancelled mid-step; drop the completion
			o.mu.Unlock()
			return
		}

		if err == nil {
			exec.StepStates[step.ID] = StepCompleted
			exec.CurrentStep++
			o.appendLogLocked(exec, step.ID, "step completed")
			o.mu.Unlock()
			continue
		}

		retries := exec.StepRetries[step.ID]
		maxRetries := step.MaxRetries(o.cfg.DefaultRetry)
		if retries < maxRetries {
			exec.StepRetries[step.ID] = retries + 1
			exec.StepStates[step.ID] = StepWaiting
			o.appendLogLocked(exec, step.ID, fmt.Sprintf("step failed (attempt %d/%d): %v", retries+1, maxRetries, err))
			delay := step.RetryDelay(time.Second)
			o.mu.Unlock()
			time.Sleep(delay)
			continue
		}

		exec.StepStates[step.ID] = StepFailed
		exec.State = ExecutionFailed
		now := o.clock.Now()
		exec.EndedAt = &now
		o.appendLogLocked(exec, step.ID, fmt.Sprintf("step failed permanently: %v", err))
		o.mu.Unlock()

		o.logger.Warn("execution failed",
			zap.String("execution_id", executionID),
			zap.String("step_id", step.ID),
			zap.Error(err))
		return
	}
}

// executeStep runs one step: agent-typed actions are dispatched to the
// least loaded agent of the requested type, system actions run
// in-process.
func (o *Orchestrator) executeStep(ctx context.Context, executionID string, step Step) error {
	if step.AgentType == "" {
		o.mu.Lock()
		action := o.actions[step.Action]
		exec := o.executions[executionID]
		snapshot := cloneExecution(exec)
		o.mu.Unlock()
		if action == nil {
			return apperrors.NotFound("system action", step.Action)
		}
		return action(ctx, snapshot, step)
	}

	if o.selector == nil || o.dispatcher == nil {
		return apperrors.Recoverable("no agent dispatch configured", nil)
	}

	candidates := o.selector.AgentsByType(step.AgentType)
	var best *v1.AgentInfo
	for _, agent := range candidates {
		if agent.Status == v1.AgentStatusOffline {
			continue
		}
		if best == nil || agent.Workload < best.Workload {
			best = agent
		}
	}
	if best == nil {
		return apperrors.Recoverable(fmt.Sprintf("no %s agent available", step.AgentType), nil)
	}
	return o.dispatcher.DispatchStep(ctx, executionID, step, best.ID)
}

// stepDepsCompletedLocked reports whether a step's declared deps are
// all completed. Caller holds o.mu.
func (o *Orchestrator) stepDepsCompletedLocked(exec *Execution, step Step) bool {
	for _, dep := range step.DependsOn {
		if exec.StepStates[dep] != StepCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) appendLogLocked(exec *Execution, stepID, message string) {
	exec.Log = append(exec.Log, LogEntry{
		Timestamp: o.clock.Now(),
		StepID:    stepID,
		Message:   message,
	})
}

func cloneExecution(exec *Execution) *Execution {
	cp := *exec
	cp.StepStates = make(map[string]StepState, len(exec.StepStates))
	for k, v := range exec.StepStates {
		cp.StepStates[k] = v
	}
	cp.StepRetries = make(map[string]int, len(exec.StepRetries))
	for k, v := range exec.StepRetries {
		cp.StepRetries[k] = v
	}
	cp.Context = make(map[string]any, len(exec.Context))
	for k, v := range exec.Context {
		cp.Context[k] = v
	}
	cp.Log = append([]LogEntry(nil), exec.Log...)
	return &cp
}
