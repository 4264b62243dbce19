// Package assignment implements the assignment engine: scoring-based
// agent selection, execution tracking, and timeout or heartbeat driven
// reassignment.
package assignment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// TriggerHandler consumes reassignment triggers from the periodic
// checker.
type TriggerHandler func(ctx context.Context, trigger Trigger)

// Engine scores agents for tasks and tracks in-flight executions. It
// keeps its own copies of agent info, fed by UpdateAgentInfo; all
// cross-component references are by id.
type Engine struct {
	cfg    config.AssignmentConfig
	ids    ident.Source
	clock  clock.Clock
	logger *logger.Logger

	mu          sync.RWMutex
	criteria    Criteria
	agents      map[string]*v1.AgentInfo
	executions  map[string]*Execution // by execution id
	byTask      map[string]*Execution // active execution per task
	performance map[string]*Performance
	tasks       map[string]*v1.Task // tasks with an active execution

	totalAssigned   int
	totalCompleted  int
	totalReassigned int

	onTrigger TriggerHandler

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an assignment engine with the default criteria.
func NewEngine(cfg config.AssignmentConfig, ids ident.Source, clk clock.Clock, log *logger.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		ids:         ids,
		clock:       clk,
		logger:      log.WithFields(zap.String("component", "assignment-engine")),
		criteria:    DefaultCriteria(),
		agents:      make(map[string]*v1.AgentInfo),
		executions:  make(map[string]*Execution),
		byTask:      make(map[string]*Execution),
		performance: make(map[string]*Performance),
		tasks:       make(map[string]*v1.Task),
	}
}

// SetTriggerHandler registers the consumer for reassignment triggers.
func (e *Engine) SetTriggerHandler(h TriggerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrigger = h
}

// Start launches the periodic reassignment checker.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return fmt.Errorf("assignment engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.checkLoop(ctx)

	e.logger.Info("assignment engine started",
		zap.Float64("timeout_ratio", e.cfg.TimeoutRatio))
	return nil
}

// Stop stops the checker loop.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("assignment engine stopped")
}

// UpdateAgentInfo refreshes the engine's copy of an agent's state.
func (e *Engine) UpdateAgentInfo(info *v1.AgentInfo) {
	if info == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[info.ID] = info.Clone()
}

// RemoveAgentInfo forgets an agent. Its performance history is kept so
// a replacement with the same id would inherit it.
func (e *Engine) RemoveAgentInfo(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, agentID)
}

// UpdateCriteria replaces the scoring weights.
func (e *Engine) UpdateCriteria(c Criteria) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.criteria = c
}

// Assign picks the best agent for a task among the candidate ids.
// Candidates at capacity or offline are skipped. Failures carry an
// explicit reason.
func (e *Engine) Assign(task *v1.Task, candidateIDs []string) Result {
	if task == nil {
		return Result{Success: false, Reasoning: []string{"No task provided"}}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(candidateIDs) == 0 {
		return Result{Success: false, Reasoning: []string{"No agents available"}}
	}

	type scored struct {
		agent *v1.AgentInfo
		score float64
	}
	var eligible []scored
	for _, id := range candidateIDs {
		agent, ok := e.agents[id]
		if !ok || agent.Status == v1.AgentStatusOffline || agent.AtCapacity() {
			continue
		}
		eligible = append(eligible, scored{agent, e.scoreLocked(task, agent)})
	}
	if len(eligible) == 0 {
		return Result{Success: false, Reasoning: []string{"No suitable agents found"}}
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
	best := eligible[0]

	result := Result{
		Success:    true,
		AgentID:    best.agent.ID,
		Confidence: best.score,
		Reasoning: []string{
			fmt.Sprintf("agent %s scored %.3f for task type %q", best.agent.ID, best.score, task.Type),
			fmt.Sprintf("current load %d/%d", best.agent.CurrentTasks, best.agent.MaxConcurrentTasks),
		},
	}
	maxAlt := e.cfg.MaxAlternatives
	for _, s := range eligible[1:] {
		if len(result.Alternatives) >= maxAlt {
			break
		}
		result.Alternatives = append(result.Alternatives, Candidate{AgentID: s.agent.ID, Score: s.score})
	}
	return result
}

// Score exposes the scoring function for one task/agent pairing.
func (e *Engine) Score(task *v1.Task, agent *v1.AgentInfo) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scoreLocked(task, agent)
}

// scoreLocked computes the weighted assignment score. Caller holds e.mu.
func (e *Engine) scoreLocked(task *v1.Task, agent *v1.AgentInfo) float64 {
	c := e.criteria
	perf := e.performance[agent.ID]

	loadScore := 0.0
	if agent.MaxConcurrentTasks > 0 {
		loadScore = 1 - float64(agent.CurrentTasks)/float64(agent.MaxConcurrentTasks)
	}

	return c.Specialization*specialization(task.Type, agent.Type) +
		c.Load*loadScore +
		c.Capability*capabilityMatch(task.Requirements, agent.Capabilities) +
		c.Priority*(float64(task.Priority)/float64(v1.PriorityCritical)) +
		c.Time*timeScore(task.EstimatedTime, agent.CurrentTasks) +
		c.Performance*historicalScore(task.Type, perf)
}

// StartExecution records an in-flight execution for an assigned task.
func (e *Engine) StartExecution(task *v1.Task, agentID string) (*Execution, error) {
	if task == nil || agentID == "" {
		return nil, apperrors.Validation("task and agent id are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing := e.byTask[task.ID]; existing != nil {
		return nil, apperrors.Busy(fmt.Sprintf("task %s already has an active execution", task.ID))
	}

	now := e.clock.Now()
	exec := &Execution{
		ID:            e.ids.NewID(),
		TaskID:        task.ID,
		AgentID:       agentID,
		StartedAt:     now,
		ExpectedEnd:   now.Add(task.EstimatedTime),
		LastHeartbeat: now,
	}
	e.executions[exec.ID] = exec
	e.byTask[task.ID] = exec
	e.tasks[task.ID] = task.Clone()
	e.totalAssigned++

	cp := *exec
	return &cp, nil
}

// UpdateProgress clamps progress into [0,100] and refreshes the
// execution heartbeat.
func (e *Engine) UpdateProgress(executionID string, progress float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	exec.Progress = progress
	exec.LastHeartbeat = e.clock.Now()
	return nil
}

// Heartbeat refreshes an execution's liveness timestamp.
func (e *Engine) Heartbeat(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	exec.LastHeartbeat = e.clock.Now()
	return nil
}

// CompleteExecution drops the execution record and folds the outcome
// into the agent's performance metrics. Quality below zero means
// "not rated".
func (e *Engine) CompleteExecution(executionID string, success bool, quality float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return apperrors.NotFound("execution", executionID)
	}
	delete(e.executions, executionID)
	delete(e.byTask, exec.TaskID)
	task := e.tasks[exec.TaskID]
	delete(e.tasks, exec.TaskID)
	e.totalCompleted++

	perf := e.performance[exec.AgentID]
	if perf == nil {
		perf = &Performance{
			AgentID:         exec.AgentID,
			TypeSuccessRate: make(map[string]float64),
			typeCompleted:   make(map[string]int),
			typeSuccessful:  make(map[string]int),
		}
		e.performance[exec.AgentID] = perf
	}

	elapsed := e.clock.Now().Sub(exec.StartedAt)
	perf.TasksCompleted++
	if success {
		perf.TasksSuccessful++
	}
	// rolling averages weighted by completion count
	n := float64(perf.TasksCompleted)
	perf.AvgCompletionTime = time.Duration((float64(perf.AvgCompletionTime)*(n-1) + float64(elapsed)) / n)
	if quality >= 0 {
		perf.AvgQuality = (perf.AvgQuality*(n-1) + quality) / n
	}

	if task != nil && task.Type != "" {
		perf.typeCompleted[task.Type]++
		if success {
			perf.typeSuccessful[task.Type]++
		}
		perf.TypeSuccessRate[task.Type] = float64(perf.typeSuccessful[task.Type]) / float64(perf.typeCompleted[task.Type])
	}
	return nil
}

// Reassign moves a task off its current agent: the old execution is
// dropped, the current agent excluded from the candidates, and on a
// successful pick a new execution is started.
func (e *Engine) Reassign(ctx context.Context, task *v1.Task, currentAgent string, candidateIDs []string) (Result, error) {
	if task == nil {
		return Result{}, apperrors.Validation("task is required")
	}

	e.mu.Lock()
	if exec := e.byTask[task.ID]; exec != nil {
		delete(e.executions, exec.ID)
		delete(e.byTask, task.ID)
		delete(e.tasks, task.ID)
	}
	e.mu.Unlock()

	filtered := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if id != currentAgent {
			filtered = append(filtered, id)
		}
	}

	result := e.Assign(task, filtered)
	if !result.Success {
		return result, nil
	}
	if _, err := e.StartExecution(task, result.AgentID); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	e.totalReassigned++
	e.mu.Unlock()

	e.logger.Info("task reassigned",
		zap.String("task_id", task.ID),
		zap.String("from", currentAgent),
		zap.String("to", result.AgentID))
	return result, nil
}

// CheckForReassignment scans active executions and returns a trigger
// for each one that has overrun its estimate or lost its heartbeat.
func (e *Engine) CheckForReassignment() []Trigger {
	now := e.clock.Now()
	heartbeatLimit := 3 * time.Duration(e.cfg.HeartbeatInterval) * time.Second

	e.mu.RLock()
	var triggers []Trigger
	for _, exec := range e.executions {
		task := e.tasks[exec.TaskID]

		if now.Sub(exec.LastHeartbeat) > heartbeatLimit {
			triggers = append(triggers, Trigger{
				Type:    TriggerAgentFailure,
				TaskID:  exec.TaskID,
				AgentID: exec.AgentID,
				Reason:  fmt.Sprintf("no heartbeat for %s", now.Sub(exec.LastHeartbeat).Round(time.Second)),
			})
			continue
		}

		if task != nil && task.EstimatedTime > 0 {
			ratio := float64(now.Sub(exec.StartedAt)) / float64(task.EstimatedTime)
			if ratio > e.cfg.TimeoutRatio {
				triggers = append(triggers, Trigger{
					Type:    TriggerTimeout,
					TaskID:  exec.TaskID,
					AgentID: exec.AgentID,
					Reason:  fmt.Sprintf("elapsed/estimated ratio %.2f exceeds %.2f", ratio, e.cfg.TimeoutRatio),
				})
			}
		}
	}
	e.mu.RUnlock()
	return triggers
}

// ActiveExecutions returns copies of all in-flight execution records.
func (e *Engine) ActiveExecutions() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		cp := *exec
		out = append(out, &cp)
	}
	return out
}

// ExecutionForTask returns the active execution for a task, or nil.
func (e *Engine) ExecutionForTask(taskID string) *Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec := e.byTask[taskID]
	if exec == nil {
		return nil
	}
	cp := *exec
	return &cp
}

// GetPerformance returns the accumulated performance for an agent, or
// nil when it has no history.
func (e *Engine) GetPerformance(agentID string) *Performance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	perf := e.performance[agentID]
	if perf == nil {
		return nil
	}
	cp := *perf
	cp.TypeSuccessRate = make(map[string]float64, len(perf.TypeSuccessRate))
	for k, v := range perf.TypeSuccessRate {
		cp.TypeSuccessRate[k] = v
	}
	return &cp
}

// Statistics returns a snapshot of engine counters.
func (e *Engine) Statistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Statistics{
		KnownAgents:      len(e.agents),
		ActiveExecutions: len(e.executions),
		TotalAssigned:    e.totalAssigned,
		TotalCompleted:   e.totalCompleted,
		TotalReassigned:  e.totalReassigned,
	}
}

// checkLoop runs CheckForReassignment on a cadence and hands triggers
// to the registered handler.
func (e *Engine) checkLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.cfg.CheckInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			triggers := e.CheckForReassignment()
			e.mu.RLock()
			handler := e.onTrigger
			e.mu.RUnlock()
			if handler == nil {
				continue
			}
			for _, trigger := range triggers {
				handler(ctx, trigger)
			}
		}
	}
}

// specialization scores 1.0 when the agent type is mapped for the task
// type, 0.3 for a generalist pickup.
func specialization(taskType string, agentType v1.AgentType) float64 {
	for _, t := range specializationMap[taskType] {
		if t == agentType {
			return 1.0
		}
	}
	return 0.3
}

// capabilityMatch is the fraction of task requirements that overlap an
// agent capability by substring in either direction. No requirements
// scores the neutral 0.5.
func capabilityMatch(requirements, capabilities []string) float64 {
	if len(requirements) == 0 {
		return 0.5
	}
	matched := 0
	for _, req := range requirements {
		reqLower := strings.ToLower(req)
		for _, capability := range capabilities {
			capLower := strings.ToLower(capability)
			if strings.Contains(reqLower, capLower) || strings.Contains(capLower, reqLower) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(requirements))
}

// timeScore favors short tasks on lightly loaded agents.
func timeScore(estimated time.Duration, currentTasks int) float64 {
	hours := estimated.Hours()
	base := 1 - hours/8
	if base < 0 {
		base = 0
	}
	loadFactor := 1 - float64(currentTasks)*0.2
	if loadFactor < 0.1 {
		loadFactor = 0.1
	}
	return base * loadFactor
}

// historicalScore blends type-specific and overall success rates.
func historicalScore(taskType string, perf *Performance) float64 {
	return 0.7*perf.TypeRate(taskType) + 0.3*perf.SuccessRate()
}
