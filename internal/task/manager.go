// Package task implements the task manager: task CRUD, the dependency
// graph, per-agent priority queues, and rule-driven decomposition.
package task

import (
	"context"
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

// EventPublisher is the slice of the message bus the task manager needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, source string) error
}

// allowedTransitions is the task state machine. Terminal states admit
// no further transitions.
var allowedTransitions = map[v1.TaskState][]v1.TaskState{
	v1.TaskStatePending:    {v1.TaskStateReady, v1.TaskStateInProgress, v1.TaskStateBlocked, v1.TaskStateCancelled},
	v1.TaskStateReady:      {v1.TaskStateInProgress, v1.TaskStateBlocked, v1.TaskStateCancelled},
	v1.TaskStateBlocked:    {v1.TaskStatePending, v1.TaskStateCancelled},
	v1.TaskStateInProgress: {v1.TaskStateCompleted, v1.TaskStateFailed, v1.TaskStateBlocked, v1.TaskStateCancelled},
}

// CreateRequest carries the fields for explicit task creation.
type CreateRequest struct {
	Title         string
	Description   string
	Type          string
	Priority      v1.TaskPriority // zero means derive
	Dependencies  []string
	EstimatedTime time.Duration
	Files         []string
	Requirements  []string
}

// Manager exclusively owns tasks, the dependency graph, and the
// per-agent queues. All cross-component references are by id.
type Manager struct {
	cfg    config.TaskConfig
	ids    ident.Source
	clock  clock.Clock
	events EventPublisher
	logger *logger.Logger

	mu     sync.RWMutex
	tasks  map[string]*v1.Task
	graph  *depGraph
	queues map[string]*agentQueue
	rules  []DecompositionRule
}

// NewManager creates a task manager seeded with the default
// decomposition rules.
func NewManager(cfg config.TaskConfig, ids ident.Source, clk clock.Clock, events EventPublisher, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		ids:    ids,
		clock:  clk,
		events: events,
		logger: log.WithFields(zap.String("component", "task-manager")),
		tasks:  make(map[string]*v1.Task),
		graph:  newDepGraph(),
		queues: make(map[string]*agentQueue),
		rules:  DefaultDecompositionRules(),
	}
}

// RegisterRule appends a decomposition rule. Rules run in registration
// order on every Decompose call.
func (m *Manager) RegisterRule(rule DecompositionRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Decompose maps a requirement to a seed DAG: every matching rule emits
// its tasks, then each testing task is linked to depend on all
// non-testing siblings from the same call. With no matching rule a
// single general task is emitted.
func (m *Manager) Decompose(ctx context.Context, requirement string) ([]*v1.Task, error) {
	if requirement == "" {
		return nil, apperrors.Validation("requirement text is required")
	}

	m.mu.Lock()
	var seeds []TaskSeed
	for _, rule := range m.rules {
		if rule.Matches(requirement) {
			seeds = append(seeds, rule.Emit(requirement)...)
		}
	}
	if len(seeds) == 0 {
		seeds = append(seeds, generalSeed(requirement))
	}

	created := make([]*v1.Task, 0, len(seeds))
	for _, seed := range seeds {
		created = append(created, m.createLocked(seed, nil))
	}

	// Intra-call linkage: testing depends on every non-testing sibling.
	var nonTesting []string
	for _, t := range created {
		if t.Type != string(v1.AgentTypeTesting) {
			nonTesting = append(nonTesting, t.ID)
		}
	}
	for _, t := range created {
		if t.Type != string(v1.AgentTypeTesting) {
			continue
		}
		for _, dep := range nonTesting {
			if err := m.graph.AddEdge(t.ID, dep); err != nil {
				continue
			}
			t.Dependencies = append(t.Dependencies, dep)
		}
		m.refreshBlockedLocked(t)
	}

	out := cloneAll(created)
	m.mu.Unlock()

	for _, t := range out {
		m.publishTaskEvent(ctx, v1.EventTaskCreated, t)
	}
	m.logger.Info("requirement decomposed",
		zap.Int("tasks", len(out)),
		zap.String("requirement", truncate(requirement, 80)))
	return out, nil
}

// Create adds a single task. Dependencies must already exist; an edge
// that would close a cycle fails the whole call with no state change.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*v1.Task, error) {
	if req.Title == "" {
		return nil, apperrors.Validation("task title is required")
	}
	if req.Priority != 0 && !req.Priority.Valid() {
		return nil, apperrors.Validationf("invalid priority %d", req.Priority)
	}

	m.mu.Lock()
	for _, dep := range req.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			m.mu.Unlock()
			return nil, apperrors.NotFound("task", dep)
		}
	}

	seed := TaskSeed{
		Title:         req.Title,
		Description:   req.Description,
		Type:          req.Type,
		Priority:      req.Priority,
		EstimatedTime: req.EstimatedTime,
		Files:         req.Files,
		Requirements:  req.Requirements,
	}
	t := m.createLocked(seed, req.Dependencies)
	out := t.Clone()
	m.mu.Unlock()

	m.publishTaskEvent(ctx, v1.EventTaskCreated, out)
	return out, nil
}

// createLocked materializes a seed into an owned task. Caller holds m.mu
// and has validated the dependency ids.
func (m *Manager) createLocked(seed TaskSeed, deps []string) *v1.Task {
	now := m.clock.Now()
	priority := seed.Priority
	if priority == 0 {
		priority = derivePriority(1, 0, seed.EstimatedTime, len(seed.Files))
	}

	t := &v1.Task{
		ID:            m.ids.NewID(),
		Title:         seed.Title,
		Description:   seed.Description,
		Type:          seed.Type,
		State:         v1.TaskStatePending,
		Priority:      priority,
		EstimatedTime: seed.EstimatedTime,
		Files:         append([]string(nil), seed.Files...),
		Requirements:  append([]string(nil), seed.Requirements...),
		CreatedAt:     now,
	}
	m.tasks[t.ID] = t

	for _, dep := range deps {
		if err := m.graph.AddEdge(t.ID, dep); err != nil {
			continue
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	m.refreshBlockedLocked(t)
	return t
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*v1.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return t.Clone(), nil
}

// List returns copies of all tasks.
func (m *Manager) List() []*v1.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*v1.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// UpdateStatus applies a state transition. Invalid transitions and a
// move to in_progress with incomplete dependencies fail with no state
// change. Completion unblocks dependents whose deps are now all met.
func (m *Manager) UpdateStatus(ctx context.Context, id string, next v1.TaskState) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("task", id)
	}

	if !transitionAllowed(t.State, next) {
		from := t.State
		m.mu.Unlock()
		return apperrors.Validationf("invalid task transition %s -> %s", from, next)
	}
	if next == v1.TaskStateInProgress && !m.depsCompletedLocked(t.ID) {
		m.mu.Unlock()
		return apperrors.Validation("task has incomplete dependencies")
	}

	now := m.clock.Now()
	t.State = next
	switch next {
	case v1.TaskStateInProgress:
		t.StartedAt = &now
	case v1.TaskStateCompleted, v1.TaskStateFailed:
		t.CompletedAt = &now
	}

	var unblocked []*v1.Task
	if next == v1.TaskStateCompleted {
		for _, depID := range m.graph.Dependents(t.ID) {
			dependent := m.tasks[depID]
			if dependent != nil && dependent.State == v1.TaskStateBlocked && m.depsCompletedLocked(depID) {
				dependent.State = v1.TaskStatePending
				unblocked = append(unblocked, dependent.Clone())
			}
		}
	}
	out := t.Clone()
	m.mu.Unlock()

	switch next {
	case v1.TaskStateInProgress:
		m.publishTaskEvent(ctx, v1.EventTaskStarted, out)
	case v1.TaskStateCompleted:
		m.publishTaskEvent(ctx, v1.EventTaskCompleted, out)
	case v1.TaskStateFailed:
		m.publishTaskEvent(ctx, v1.EventTaskFailed, out)
	}
	for _, u := range unblocked {
		m.logger.Debug("task unblocked", zap.String("task_id", u.ID))
	}
	return nil
}

// Assign binds a task to an agent and inserts it into the agent's
// priority queue.
func (m *Manager) Assign(ctx context.Context, taskID, agentID string) error {
	if agentID == "" {
		return apperrors.Validation("agent id is required")
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}
	if t.AssignedAgent == agentID {
		m.mu.Unlock()
		return nil
	}
	if t.AssignedAgent != "" {
		m.removeFromQueueLocked(t.AssignedAgent, t.ID)
	}
	t.AssignedAgent = agentID
	m.queueFor(agentID).Insert(t)
	out := t.Clone()
	m.mu.Unlock()

	m.publishTaskEvent(ctx, v1.EventTaskAssigned, out)
	return nil
}

// Unassign clears a task's agent binding, returning it to the
// unassigned pending pool.
func (m *Manager) Unassign(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if t.AssignedAgent != "" {
		m.removeFromQueueLocked(t.AssignedAgent, t.ID)
		t.AssignedAgent = ""
	}
	if t.State == v1.TaskStateInProgress {
		t.State = v1.TaskStatePending
		t.StartedAt = nil
	}
	return nil
}

// Reassign moves a task from its current agent to another.
func (m *Manager) Reassign(ctx context.Context, taskID, agentID string) error {
	if err := m.Unassign(ctx, taskID); err != nil {
		return err
	}
	return m.Assign(ctx, taskID, agentID)
}

// AddDependency records that task depends on dep. Fails when either id
// is unknown or the edge would close a cycle. A pending task gains the
// blocked state when the new dependency is not yet completed.
func (m *Manager) AddDependency(taskID, depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if _, ok := m.tasks[depID]; !ok {
		return apperrors.NotFound("task", depID)
	}
	if err := m.graph.AddEdge(taskID, depID); err != nil {
		return err
	}
	t.Dependencies = append(t.Dependencies, depID)
	m.refreshBlockedLocked(t)
	return nil
}

// RemoveDependency drops the task -> dep edge from both mirrors and
// unblocks the task when its remaining deps are all completed.
func (m *Manager) RemoveDependency(taskID, depID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if !m.graph.HasEdge(taskID, depID) {
		return apperrors.NotFound("dependency", depID)
	}
	m.graph.RemoveEdge(taskID, depID)
	for i, d := range t.Dependencies {
		if d == depID {
			t.Dependencies = append(t.Dependencies[:i], t.Dependencies[i+1:]...)
			break
		}
	}
	m.refreshBlockedLocked(t)
	return nil
}

// UpdatePriority changes a task's priority and repositions it in its
// agent's queue.
func (m *Manager) UpdatePriority(taskID string, priority v1.TaskPriority) error {
	if !priority.Valid() {
		return apperrors.Validationf("invalid priority %d", priority)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	t.Priority = priority
	if t.AssignedAgent != "" {
		if q := m.queues[t.AssignedAgent]; q != nil {
			q.Reinsert(t)
		}
	}
	return nil
}

// NextTask returns the first task in the agent's queue that is pending
// with all dependencies completed, or nil when none qualifies.
func (m *Manager) NextTask(agentID string) *v1.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queues[agentID]
	if q == nil {
		return nil
	}
	t := q.First(func(t *v1.Task) bool {
		return t.State == v1.TaskStatePending && m.depsCompletedLocked(t.ID)
	})
	if t == nil {
		return nil
	}
	return t.Clone()
}

// AvailableTasks returns unassigned pending tasks whose dependencies
// are all completed, optionally filtered to the types an agent type
// handles.
func (m *Manager) AvailableTasks(agentType v1.AgentType) []*v1.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Task
	for _, t := range m.tasks {
		if t.State != v1.TaskStatePending || t.AssignedAgent != "" {
			continue
		}
		if !m.depsCompletedLocked(t.ID) {
			continue
		}
		if agentType != "" && !typeHandles(agentType, t.Type) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// InProgressCount returns the number of in-progress tasks assigned to
// an agent.
func (m *Manager) InProgressCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queues[agentID]
	if q == nil {
		return 0
	}
	n := 0
	for _, t := range q.Tasks() {
		if t.State == v1.TaskStateInProgress {
			n++
		}
	}
	return n
}

// Statistics summarizes the task population by state.
func (m *Manager) Statistics() v1.TaskStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := v1.TaskStatistics{Total: len(m.tasks)}
	for _, t := range m.tasks {
		switch t.State {
		case v1.TaskStatePending:
			stats.Pending++
		case v1.TaskStateReady:
			stats.Ready++
		case v1.TaskStateInProgress:
			stats.InProgress++
		case v1.TaskStateBlocked:
			stats.Blocked++
		case v1.TaskStateCompleted:
			stats.Completed++
		case v1.TaskStateFailed:
			stats.Failed++
		case v1.TaskStateCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Dependents returns the ids of tasks depending on the given task.
func (m *Manager) Dependents(taskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Dependents(taskID)
}

// depsCompletedLocked reports whether every dependency of a task is
// completed. Caller holds m.mu.
func (m *Manager) depsCompletedLocked(taskID string) bool {
	for _, dep := range m.graph.Deps(taskID) {
		d := m.tasks[dep]
		if d == nil || d.State != v1.TaskStateCompleted {
			return false
		}
	}
	return true
}

// refreshBlockedLocked moves a task between pending and blocked to
// match its dependency completion. Caller holds m.mu.
func (m *Manager) refreshBlockedLocked(t *v1.Task) {
	switch t.State {
	case v1.TaskStatePending, v1.TaskStateReady:
		if !m.depsCompletedLocked(t.ID) {
			t.State = v1.TaskStateBlocked
		}
	case v1.TaskStateBlocked:
		if m.depsCompletedLocked(t.ID) {
			t.State = v1.TaskStatePending
		}
	}
}

func (m *Manager) queueFor(agentID string) *agentQueue {
	q := m.queues[agentID]
	if q == nil {
		q = &agentQueue{}
		m.queues[agentID] = q
	}
	return q
}

func (m *Manager) removeFromQueueLocked(agentID, taskID string) {
	if q := m.queues[agentID]; q != nil {
		q.Remove(taskID)
	}
}

func (m *Manager) publishTaskEvent(ctx context.Context, eventType string, t *v1.Task) {
	if m.events == nil {
		return
	}
	payload := map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"type":     t.Type,
		"state":    string(t.State),
		"priority": int(t.Priority),
	}
	if t.AssignedAgent != "" {
		payload["agent_id"] = t.AssignedAgent
	}
	if err := m.events.Publish(ctx, eventType, payload, "task-manager"); err != nil {
		m.logger.Warn("failed to publish task event",
			zap.String("event", eventType), zap.Error(err))
	}
}

func transitionAllowed(from, to v1.TaskState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// typeHandles maps agent types to the task types they pick up.
func typeHandles(agentType v1.AgentType, taskType string) bool {
	if taskType == "general" {
		return true
	}
	if string(agentType) == taskType {
		return true
	}
	// devops agents also take backend work
	return agentType == v1.AgentTypeDevOps && taskType == string(v1.AgentTypeBackend)
}

func cloneAll(tasks []*v1.Task) []*v1.Task {
	out := make([]*v1.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
