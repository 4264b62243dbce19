// Package coordination implements the kernel apex: the agent registry,
// collaboration sessions, resource allocations, and the rules engine.
// It owns agent lifecycle and wires the task, assignment, file, health
// and workflow components together.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/agentfleet/internal/assignment"
	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/common/tracing"
	"github.com/agentfleet/agentfleet/internal/file"
	"github.com/agentfleet/agentfleet/internal/task"
	"github.com/agentfleet/agentfleet/internal/workflow"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// EventPublisher is the slice of the message bus the manager needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, source string) error
}

// HealthRegistry is the slice of the health monitor the manager needs.
// Wired after construction because the monitor probes through the
// manager itself.
type HealthRegistry interface {
	Register(ctx context.Context, agentID string) error
	Unregister(agentID string)
}

// SyncNotifier is the slice of the realtime syncer the manager needs.
type SyncNotifier interface {
	QueueEvent(event map[string]any)
	RegisterAgent(agentID string)
	UnregisterAgent(agentID string)
}

// Manager exclusively owns agents, sessions, and resource allocations.
// Cross-component calls are made with its own lock released.
type Manager struct {
	cfg     config.CoordinationConfig
	ids     ident.Source
	clock   clock.Clock
	tasks   *task.Manager
	files   *file.Manager
	engine  *assignment.Engine
	factory WorkerFactory
	events  EventPublisher
	logger  *logger.Logger

	mu       sync.Mutex
	agents   map[string]*agentEntry
	sessions map[string]*Session
	rules    []Rule
	health   HealthRegistry
	sync     SyncNotifier

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a coordination manager. factory may be nil, in
// which case agents are registry rows with no-op workers.
func NewManager(cfg config.CoordinationConfig, ids ident.Source, clk clock.Clock, tasks *task.Manager, files *file.Manager, engine *assignment.Engine, factory WorkerFactory, events EventPublisher, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		ids:      ids,
		clock:    clk,
		tasks:    tasks,
		files:    files,
		engine:   engine,
		factory:  factory,
		events:   events,
		logger:   log.WithFields(zap.String("component", "coordination-manager")),
		agents:   make(map[string]*agentEntry),
		sessions: make(map[string]*Session),
		rules:    defaultRules(),
	}
}

// SetHealthRegistry wires the health monitor. Called once at startup,
// after the monitor is constructed with this manager as its probe
// source.
func (m *Manager) SetHealthRegistry(h HealthRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// SetSyncNotifier wires the realtime syncer.
func (m *Manager) SetSyncNotifier(s SyncNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sync = s
}

// Start launches the registry synchronize sweep and the metrics loop.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("coordination manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(2)
	go m.synchronizeLoop(ctx)
	go m.metricsLoop(ctx)

	m.logger.Info("coordination manager started",
		zap.Int("max_agents", m.cfg.MaxAgents),
		zap.Int("max_sessions", m.cfg.MaxConcurrentSessions))
	m.publish(ctx, v1.EventSystemStartup, map[string]any{"component": "coordination-manager"})
	return nil
}

// Stop stops the background loops.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	m.publish(context.Background(), v1.EventSystemShutdown, map[string]any{"component": "coordination-manager"})
	m.logger.Info("coordination manager stopped")
}

// CreateAgent checks the global cap, instantiates a worker, and seeds
// the registry, health monitoring, and sync tracking.
func (m *Manager) CreateAgent(ctx context.Context, agentCfg AgentConfig) (*v1.AgentInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "coordination.create_agent")
	defer span.End()

	if agentCfg.Name == "" {
		return nil, apperrors.Validation("agent name is required")
	}
	if !validAgentType(agentCfg.Type) {
		return nil, apperrors.Validationf("invalid agent type %q", agentCfg.Type)
	}
	maxTasks := agentCfg.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = m.cfg.MaxConcurrentTasksPer
	}

	now := m.clock.Now()
	info := &v1.AgentInfo{
		ID:                 m.ids.NewID(),
		Name:               agentCfg.Name,
		Type:               agentCfg.Type,
		Status:             v1.AgentStatusIdle,
		Capabilities:       append([]string(nil), agentCfg.Capabilities...),
		MaxConcurrentTasks: maxTasks,
		CreatedAt:          now,
		LastActiveAt:       now,
	}

	var worker Worker
	if m.factory != nil {
		w, err := m.factory.NewWorker(ctx, info.Clone())
		if err != nil {
			return nil, apperrors.Wrap(err, "agent worker creation failed")
		}
		worker = w
	} else {
		worker = &idleWorker{id: info.ID, name: info.Name}
	}

	m.mu.Lock()
	if m.cfg.MaxAgents > 0 && len(m.agents) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		shutdownWorker(ctx, worker)
		return nil, apperrors.Capacity(fmt.Sprintf("max agents reached (%d)", m.cfg.MaxAgents))
	}
	m.agents[info.ID] = &agentEntry{
		info:      info,
		worker:    worker,
		resources: make(map[string]bool),
	}
	health := m.health
	syncer := m.sync
	snapshot := info.Clone()
	m.mu.Unlock()

	m.engine.UpdateAgentInfo(snapshot)
	if health != nil {
		if err := health.Register(ctx, info.ID); err != nil {
			m.logger.Warn("health registration failed", zap.String("agent_id", info.ID), zap.Error(err))
		}
	}
	if syncer != nil {
		syncer.RegisterAgent(info.ID)
	}

	m.logger.Info("agent created",
		zap.String("agent_id", info.ID),
		zap.String("name", info.Name),
		zap.String("type", string(info.Type)))
	m.publish(ctx, v1.EventAgentCreated, map[string]any{
		"agent_id": info.ID,
		"name":     info.Name,
		"type":     string(info.Type),
	})
	m.queueSync(map[string]any{"event": v1.EventAgentCreated, "agent_id": info.ID})
	return snapshot, nil
}

// GetAgent returns a registry row by id.
func (m *Manager) GetAgent(agentID string) (*v1.AgentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return entry.info.Clone(), nil
}

// Agents lists all registry rows ordered by creation time.
func (m *Manager) Agents() []*v1.AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.AgentInfo, 0, len(m.agents))
	for _, entry := range m.agents {
		out = append(out, entry.info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DestroyAgent tears an agent down in cascade order: sessions,
// resources, health registration, file locks, in-flight tasks, worker
// shutdown, registry removal.
func (m *Manager) DestroyAgent(ctx context.Context, agentID string) error {
	ctx, span := tracing.StartSpan(ctx, "coordination.destroy_agent")
	defer span.End()

	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	endedSessions := m.leaveAllSessionsLocked(agentID)
	entry.resources = make(map[string]bool)
	health := m.health
	syncer := m.sync
	worker := entry.worker
	m.mu.Unlock()

	for _, sessionID := range endedSessions {
		m.publishSessionEnded(ctx, sessionID)
	}

	if health != nil {
		health.Unregister(agentID)
	}

	released := m.files.ReleaseAgentLocks(ctx, agentID)
	reassigned := m.reassignAgentTasks(ctx, agentID)

	shutdownWorker(ctx, worker)

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
	m.engine.RemoveAgentInfo(agentID)
	if syncer != nil {
		syncer.UnregisterAgent(agentID)
	}

	m.logger.Info("agent destroyed",
		zap.String("agent_id", agentID),
		zap.Int("locks_released", released),
		zap.Int("tasks_reassigned", reassigned))
	m.publish(ctx, v1.EventAgentDestroyed, map[string]any{"agent_id": agentID})
	m.queueSync(map[string]any{"event": v1.EventAgentDestroyed, "agent_id": agentID})
	return nil
}

// UpdateAgentStatus sets a registry row's status. Going offline zeroes
// the concurrency count.
func (m *Manager) UpdateAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	entry.info.Status = status
	entry.info.LastActiveAt = m.clock.Now()
	if status == v1.AgentStatusOffline {
		entry.info.CurrentTasks = 0
		entry.info.CurrentTaskID = ""
	}
	entry.info.Workload = entry.info.ComputeWorkload()
	snapshot := entry.info.Clone()
	m.mu.Unlock()

	m.engine.UpdateAgentInfo(snapshot)
	m.publish(ctx, v1.EventAgentStatusChanged, map[string]any{
		"agent_id": agentID,
		"status":   string(status),
	})
	m.queueSync(map[string]any{
		"event":    v1.EventAgentStatusChanged,
		"agent_id": agentID,
		"status":   string(status),
	})
	return nil
}

// AllocateResource records a named resource as held by an agent.
func (m *Manager) AllocateResource(agentID, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	entry.resources[resource] = true
	return nil
}

// DeallocateResource releases a named resource.
func (m *Manager) DeallocateResource(agentID, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	delete(entry.resources, resource)
	return nil
}

// AgentResources lists an agent's resource allocations.
func (m *Manager) AgentResources(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.resources))
	for r := range entry.resources {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// SubmitRequirement decomposes free-form requirement text into tasks
// and assigns every dependency-free one.
func (m *Manager) SubmitRequirement(ctx context.Context, requirement string) ([]*v1.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "coordination.submit_requirement")
	defer span.End()

	created, err := m.tasks.Decompose(ctx, requirement)
	if err != nil {
		return nil, err
	}
	for _, t := range created {
		if len(t.Dependencies) > 0 {
			continue
		}
		if err := m.AssignTask(ctx, t.ID); err != nil {
			m.logger.Warn("initial assignment failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return created, nil
}

// AssignTask scores the registry against one task and assigns the
// winner.
func (m *Manager) AssignTask(ctx context.Context, taskID string) error {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}

	result := m.engine.Assign(t, m.agentIDs())
	if !result.Success {
		return apperrors.Busy(strings.Join(result.Reasoning, "; "))
	}
	if allowed, reason := m.ValidateAgentAction(ctx, result.AgentID, "accept_task", map[string]any{"task_id": taskID}); !allowed {
		return apperrors.Busy(reason)
	}
	if err := m.tasks.Assign(ctx, taskID, result.AgentID); err != nil {
		return err
	}
	m.adjustAgentLoad(ctx, result.AgentID, 1, taskID)
	return nil
}

// StartTask marks an assigned task in progress and opens an execution
// record for timeout tracking.
func (m *Manager) StartTask(ctx context.Context, taskID string) error {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.AssignedAgent == "" {
		return apperrors.Validation("task has no assigned agent")
	}
	if err := m.tasks.UpdateStatus(ctx, taskID, v1.TaskStateInProgress); err != nil {
		return err
	}
	if _, err := m.engine.StartExecution(t, t.AssignedAgent); err != nil {
		return err
	}
	return m.UpdateAgentStatus(ctx, t.AssignedAgent, v1.AgentStatusWorking)
}

// CompleteTask finishes a task, closes its execution record, and drops
// the agent's load.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, success bool, quality float64) error {
	t, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}
	next := v1.TaskStateCompleted
	if !success {
		next = v1.TaskStateFailed
	}
	if err := m.tasks.UpdateStatus(ctx, taskID, next); err != nil {
		return err
	}
	if exec := m.engine.ExecutionForTask(taskID); exec != nil {
		if err := m.engine.CompleteExecution(exec.ID, success, quality); err != nil {
			m.logger.Warn("execution completion failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	if t.AssignedAgent != "" {
		m.adjustAgentLoad(ctx, t.AssignedAgent, -1, "")
	}
	return nil
}

// Synchronize sweeps live agents, refreshing registry rows with each
// worker's current status and workload. Returns how many rows changed.
func (m *Manager) Synchronize(ctx context.Context) int {
	m.mu.Lock()
	type probe struct {
		id     string
		worker Worker
	}
	probes := make([]probe, 0, len(m.agents))
	for id, entry := range m.agents {
		probes = append(probes, probe{id: id, worker: entry.worker})
	}
	m.mu.Unlock()

	// Workers are probed concurrently; a slow worker must not delay the
	// whole sweep.
	statuses := make([]v1.AgentStatus, len(probes))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			statuses[i] = p.worker.Status()
			return nil
		})
	}
	g.Wait()

	changed := 0
	for i, p := range probes {
		status := statuses[i]

		m.mu.Lock()
		entry, ok := m.agents[p.id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		dirty := false
		if entry.info.Status != status && status != v1.AgentStatusIdle {
			entry.info.Status = status
			dirty = true
		}
		if workload := entry.info.ComputeWorkload(); entry.info.Workload != workload {
			entry.info.Workload = workload
			dirty = true
		}
		entry.info.LastActiveAt = m.clock.Now()
		var snapshot *v1.AgentInfo
		if dirty {
			snapshot = entry.info.Clone()
			changed++
		}
		m.mu.Unlock()

		if snapshot != nil {
			m.engine.UpdateAgentInfo(snapshot)
			m.queueSync(map[string]any{
				"event":    v1.EventAgentStatusChanged,
				"agent_id": p.id,
				"status":   string(snapshot.Status),
			})
		}
	}
	return changed
}

// AgentStatus reports a registry row's status. Probe source for the
// health monitor.
func (m *Manager) AgentStatus(agentID string) (v1.AgentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[agentID]
	if !ok {
		return "", apperrors.NotFound("agent", agentID)
	}
	return entry.info.Status, nil
}

// RestartAgent replaces an agent's worker in place, keeping its id,
// registry row, and task assignments.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	old := entry.worker
	info := entry.info.Clone()
	m.mu.Unlock()

	shutdownWorker(ctx, old)

	var worker Worker
	if m.factory != nil {
		w, err := m.factory.NewWorker(ctx, info)
		if err != nil {
			return apperrors.Recoverable("agent restart failed", err)
		}
		worker = w
	} else {
		worker = &idleWorker{id: agentID, name: info.Name}
	}

	m.mu.Lock()
	if entry, ok := m.agents[agentID]; ok {
		entry.worker = worker
		entry.info.Status = v1.AgentStatusIdle
	}
	m.mu.Unlock()

	m.logger.Info("agent restarted", zap.String("agent_id", agentID))
	return m.UpdateAgentStatus(ctx, agentID, v1.AgentStatusIdle)
}

// ResetAgent drops an agent's in-flight work and returns it to idle.
func (m *Manager) ResetAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}

	m.files.ReleaseAgentLocks(ctx, agentID)
	m.reassignAgentTasks(ctx, agentID)

	m.mu.Lock()
	if entry, ok := m.agents[agentID]; ok {
		entry.info.CurrentTasks = 0
		entry.info.CurrentTaskID = ""
		entry.info.Workload = 0
	}
	m.mu.Unlock()

	m.logger.Info("agent reset", zap.String("agent_id", agentID))
	return m.UpdateAgentStatus(ctx, agentID, v1.AgentStatusIdle)
}

// ReplaceAgent destroys a failing agent and creates a fresh one with
// the same configuration, returning the replacement's id.
func (m *Manager) ReplaceAgent(ctx context.Context, agentID string) (string, error) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return "", apperrors.NotFound("agent", agentID)
	}
	agentCfg := AgentConfig{
		Name:               entry.info.Name,
		Type:               entry.info.Type,
		Capabilities:       append([]string(nil), entry.info.Capabilities...),
		MaxConcurrentTasks: entry.info.MaxConcurrentTasks,
	}
	m.mu.Unlock()

	if err := m.DestroyAgent(ctx, agentID); err != nil {
		return "", err
	}
	replacement, err := m.CreateAgent(ctx, agentCfg)
	if err != nil {
		return "", apperrors.Fatal("agent replacement failed", err)
	}
	m.logger.Info("agent replaced",
		zap.String("old_agent_id", agentID),
		zap.String("new_agent_id", replacement.ID))
	return replacement.ID, nil
}

// AgentsByType returns registry rows of one type. Selector for the
// workflow orchestrator.
func (m *Manager) AgentsByType(agentType v1.AgentType) []*v1.AgentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*v1.AgentInfo
	for _, entry := range m.agents {
		if entry.info.Type == agentType {
			out = append(out, entry.info.Clone())
		}
	}
	return out
}

// DispatchStep runs an agent-typed workflow step as work on the
// selected agent: an execution record is opened for timeout tracking,
// the worker executes, and the result feeds agent performance history.
func (m *Manager) DispatchStep(ctx context.Context, executionID string, step workflow.Step, agentID string) error {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	worker := entry.worker
	m.mu.Unlock()

	stepTask := &v1.Task{
		ID:            executionID + ":" + step.ID,
		Title:         step.Name,
		Type:          string(step.AgentType),
		State:         v1.TaskStateInProgress,
		Priority:      v1.PriorityMedium,
		AssignedAgent: agentID,
		CreatedAt:     m.clock.Now(),
	}
	exec, err := m.engine.StartExecution(stepTask, agentID)
	if err != nil {
		return err
	}

	runErr := worker.Execute(ctx, stepTask, step.Parameters)
	if err := m.engine.CompleteExecution(exec.ID, runErr == nil, -1); err != nil {
		m.logger.Warn("step execution completion failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	return runErr
}

// AgentsSnapshot implements the realtime state provider.
func (m *Manager) AgentsSnapshot() []*v1.AgentInfo {
	return m.Agents()
}

// TasksSnapshot implements the realtime state provider.
func (m *Manager) TasksSnapshot() []*v1.Task {
	return m.tasks.List()
}

// FilesSnapshot implements the realtime state provider: the active
// lock table.
func (m *Manager) FilesSnapshot() []map[string]any {
	locks := m.files.ActiveLocks()
	out := make([]map[string]any, 0, len(locks))
	for _, l := range locks {
		out = append(out, map[string]any{
			"path":       l.Path,
			"agent_id":   l.AgentID,
			"mode":       string(l.Mode),
			"expires_at": l.ExpiresAt,
		})
	}
	return out
}

// CollaborationsSnapshot implements the realtime state provider.
func (m *Manager) CollaborationsSnapshot() []map[string]any {
	sessions := m.Sessions(true)
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"session_id":   s.ID,
			"participants": s.Participants,
			"shared_files": s.SharedFiles,
			"channel":      s.Channel,
		})
	}
	return out
}

// reassignAgentTasks moves an agent's non-terminal tasks elsewhere,
// unassigning any that no other agent can take. Returns how many tasks
// were touched.
func (m *Manager) reassignAgentTasks(ctx context.Context, agentID string) int {
	touched := 0
	for _, t := range m.tasks.List() {
		if t.AssignedAgent != agentID || t.State.IsTerminal() {
			continue
		}
		touched++
		result, err := m.engine.Reassign(ctx, t, agentID, m.agentIDs())
		if err != nil || !result.Success {
			if err := m.tasks.Unassign(ctx, t.ID); err != nil {
				m.logger.Warn("unassign failed", zap.String("task_id", t.ID), zap.Error(err))
			}
			continue
		}
		if err := m.tasks.Reassign(ctx, t.ID, result.AgentID); err != nil {
			m.logger.Warn("task reassignment failed",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		m.adjustAgentLoad(ctx, result.AgentID, 1, t.ID)
	}
	return touched
}

// adjustAgentLoad shifts an agent's concurrency count and recomputes
// its workload.
func (m *Manager) adjustAgentLoad(ctx context.Context, agentID string, delta int, currentTaskID string) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.info.CurrentTasks += delta
	if entry.info.CurrentTasks < 0 {
		entry.info.CurrentTasks = 0
	}
	if entry.info.CurrentTasks > entry.info.MaxConcurrentTasks {
		entry.info.CurrentTasks = entry.info.MaxConcurrentTasks
	}
	if delta > 0 {
		entry.info.CurrentTaskID = currentTaskID
	} else if entry.info.CurrentTasks == 0 {
		entry.info.CurrentTaskID = ""
		if entry.info.Status == v1.AgentStatusWorking {
			entry.info.Status = v1.AgentStatusIdle
		}
	}
	entry.info.Workload = entry.info.ComputeWorkload()
	entry.info.LastActiveAt = m.clock.Now()
	snapshot := entry.info.Clone()
	m.mu.Unlock()

	m.engine.UpdateAgentInfo(snapshot)
}

func (m *Manager) agentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.agents))
	for id := range m.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) synchronizeLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.AgentHeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Synchronize(ctx)
		}
	}
}

// metricsLoop logs a periodic summary of the runtime's population.
func (m *Manager) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.MetricsCollectionSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			taskStats := m.tasks.Statistics()
			assignStats := m.engine.Statistics()
			m.mu.Lock()
			agents := len(m.agents)
			active := 0
			for _, s := range m.sessions {
				if s.Status == SessionActive {
					active++
				}
			}
			m.mu.Unlock()
			m.logger.Info("runtime metrics",
				zap.Int("agents", agents),
				zap.Int("active_sessions", active),
				zap.Int("tasks_total", taskStats.Total),
				zap.Int("tasks_in_progress", taskStats.InProgress),
				zap.Int("tasks_completed", taskStats.Completed),
				zap.Int("active_executions", assignStats.ActiveExecutions))
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, payload, "coordination-manager"); err != nil {
		m.logger.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (m *Manager) queueSync(event map[string]any) {
	m.mu.Lock()
	syncer := m.sync
	m.mu.Unlock()
	if syncer != nil {
		syncer.QueueEvent(event)
	}
}

func validAgentType(t v1.AgentType) bool {
	switch t {
	case v1.AgentTypeFrontend, v1.AgentTypeBackend, v1.AgentTypeTesting,
		v1.AgentTypeDocumentation, v1.AgentTypeCodeReview, v1.AgentTypeDevOps:
		return true
	}
	return false
}

func shutdownWorker(ctx context.Context, worker Worker) {
	if worker == nil {
		return
	}
	_ = worker.Shutdown(ctx)
}
