package assignment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func testAssignmentConfig() config.AssignmentConfig {
	return config.AssignmentConfig{
		CheckInterval:     5,
		TimeoutRatio:      1.5,
		HeartbeatInterval: 30,
		MaxAlternatives:   3,
	}
}

func setupEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(testAssignmentConfig(), ident.New(), clk, log), clk
}

func testAgent(id string, agentType v1.AgentType, current, max int) *v1.AgentInfo {
	return &v1.AgentInfo{
		ID:                 id,
		Name:               "Agent " + id,
		Type:               agentType,
		Status:             v1.AgentStatusIdle,
		MaxConcurrentTasks: max,
		CurrentTasks:       current,
	}
}

func testTask(id, taskType string, priority v1.TaskPriority, estimated time.Duration) *v1.Task {
	return &v1.Task{
		ID:            id,
		Title:         "Task " + id,
		Type:          taskType,
		State:         v1.TaskStatePending,
		Priority:      priority,
		EstimatedTime: estimated,
	}
}

func TestAssignPrefersSpecialist(t *testing.T) {
	e, _ := setupEngine(t)
	e.UpdateAgentInfo(testAgent("fe", v1.AgentTypeFrontend, 0, 3))
	e.UpdateAgentInfo(testAgent("be", v1.AgentTypeBackend, 0, 3))

	result := e.Assign(testTask("t1", "frontend", v1.PriorityHigh, time.Hour), []string{"fe", "be"})
	require.True(t, result.Success)
	assert.Equal(t, "fe", result.AgentID)
	assert.Greater(t, result.Confidence, 0.0)
	assert.NotEmpty(t, result.Reasoning)
	require.Len(t, result.Alternatives, 1)
	assert.Equal(t, "be", result.Alternatives[0].AgentID)
}

func TestAssignNoAgents(t *testing.T) {
	e, _ := setupEngine(t)
	result := e.Assign(testTask("t1", "frontend", v1.PriorityHigh, time.Hour), nil)
	require.False(t, result.Success)
	assert.Equal(t, []string{"No agents available"}, result.Reasoning)
}

func TestAssignAllAtCapacity(t *testing.T) {
	e, _ := setupEngine(t)
	e.UpdateAgentInfo(testAgent("fe", v1.AgentTypeFrontend, 3, 3))

	result := e.Assign(testTask("t1", "frontend", v1.PriorityHigh, time.Hour), []string{"fe"})
	require.False(t, result.Success)
	assert.Equal(t, []string{"No suitable agents found"}, result.Reasoning)
}

func TestAssignSkipsOfflineAgents(t *testing.T) {
	e, _ := setupEngine(t)
	offline := testAgent("fe", v1.AgentTypeFrontend, 0, 3)
	offline.Status = v1.AgentStatusOffline
	e.UpdateAgentInfo(offline)
	e.UpdateAgentInfo(testAgent("be", v1.AgentTypeBackend, 0, 3))

	result := e.Assign(testTask("t1", "frontend", v1.PriorityHigh, time.Hour), []string{"fe", "be"})
	require.True(t, result.Success)
	assert.Equal(t, "be", result.AgentID)
}

func TestAssignLoadBreaksTies(t *testing.T) {
	e, _ := setupEngine(t)
	e.UpdateAgentInfo(testAgent("busy", v1.AgentTypeBackend, 2, 3))
	e.UpdateAgentInfo(testAgent("free", v1.AgentTypeBackend, 0, 3))

	result := e.Assign(testTask("t1", "backend", v1.PriorityHigh, time.Hour), []string{"busy", "free"})
	require.True(t, result.Success)
	assert.Equal(t, "free", result.AgentID)
}

func TestCodeReviewAndDevOpsSpecialization(t *testing.T) {
	assert.Equal(t, 1.0, specialization("code_review", v1.AgentTypeCodeReview))
	assert.Equal(t, 1.0, specialization("devops", v1.AgentTypeDevOps))
	assert.Equal(t, 1.0, specialization("devops", v1.AgentTypeBackend))
	assert.Equal(t, 0.3, specialization("code_review", v1.AgentTypeFrontend))
}

func TestCapabilityMatch(t *testing.T) {
	assert.Equal(t, 0.5, capabilityMatch(nil, []string{"react"}))
	assert.Equal(t, 1.0, capabilityMatch([]string{"react"}, []string{"react"}))
	assert.Equal(t, 1.0, capabilityMatch([]string{"react hooks"}, []string{"react"}))
	assert.Equal(t, 0.5, capabilityMatch([]string{"react", "terraform"}, []string{"react"}))
	assert.Equal(t, 0.0, capabilityMatch([]string{"terraform"}, []string{"react"}))
}

func TestTimeScore(t *testing.T) {
	assert.InDelta(t, 0.875, timeScore(time.Hour, 0), 1e-9)
	assert.InDelta(t, 0.0, timeScore(9*time.Hour, 0), 1e-9)
	// load factor floors at 0.1
	assert.InDelta(t, 0.875*0.1, timeScore(time.Hour, 6), 1e-9)
}

func TestUpdateProgressClamps(t *testing.T) {
	e, _ := setupEngine(t)
	e.UpdateAgentInfo(testAgent("a", v1.AgentTypeBackend, 0, 3))

	exec, err := e.StartExecution(testTask("t1", "backend", v1.PriorityHigh, time.Hour), "a")
	require.NoError(t, err)

	require.NoError(t, e.UpdateProgress(exec.ID, -10))
	assert.Equal(t, 0.0, e.ActiveExecutions()[0].Progress)

	require.NoError(t, e.UpdateProgress(exec.ID, 250))
	assert.Equal(t, 100.0, e.ActiveExecutions()[0].Progress)
}

func TestCompleteExecutionDropsRecordAndTracksPerformance(t *testing.T) {
	e, clk := setupEngine(t)
	e.UpdateAgentInfo(testAgent("a", v1.AgentTypeBackend, 0, 3))

	exec, err := e.StartExecution(testTask("t1", "backend", v1.PriorityHigh, time.Hour), "a")
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	require.NoError(t, e.CompleteExecution(exec.ID, true, 0.9))

	assert.Empty(t, e.ActiveExecutions())
	assert.Nil(t, e.ExecutionForTask("t1"))

	perf := e.GetPerformance("a")
	require.NotNil(t, perf)
	assert.Equal(t, 1, perf.TasksCompleted)
	assert.Equal(t, 1, perf.TasksSuccessful)
	assert.Equal(t, 30*time.Minute, perf.AvgCompletionTime)
	assert.InDelta(t, 0.9, perf.AvgQuality, 1e-9)
	assert.InDelta(t, 1.0, perf.TypeSuccessRate["backend"], 1e-9)

	err = e.CompleteExecution(exec.ID, true, 0.9)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTimeoutTrigger(t *testing.T) {
	e, clk := setupEngine(t)
	e.UpdateAgentInfo(testAgent("alpha", v1.AgentTypeBackend, 0, 3))

	task := testTask("X", "backend", v1.PriorityHigh, 500*time.Millisecond)
	_, err := e.StartExecution(task, "alpha")
	require.NoError(t, err)

	// ratio 2.4 > 1.5
	clk.Advance(1200 * time.Millisecond)
	triggers := e.CheckForReassignment()
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerTimeout, triggers[0].Type)
	assert.Equal(t, "X", triggers[0].TaskID)
	assert.Equal(t, "alpha", triggers[0].AgentID)
}

func TestNoTriggerWithinEstimate(t *testing.T) {
	e, clk := setupEngine(t)
	e.UpdateAgentInfo(testAgent("alpha", v1.AgentTypeBackend, 0, 3))

	_, err := e.StartExecution(testTask("X", "backend", v1.PriorityHigh, time.Hour), "alpha")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	assert.Empty(t, e.CheckForReassignment())
}

func TestAgentFailureTrigger(t *testing.T) {
	e, clk := setupEngine(t)
	e.UpdateAgentInfo(testAgent("alpha", v1.AgentTypeBackend, 0, 3))

	_, err := e.StartExecution(testTask("X", "backend", v1.PriorityHigh, 24*time.Hour), "alpha")
	require.NoError(t, err)

	// past 3x the 30s heartbeat interval
	clk.Advance(91 * time.Second)
	triggers := e.CheckForReassignment()
	require.Len(t, triggers, 1)
	assert.Equal(t, TriggerAgentFailure, triggers[0].Type)
}

func TestReassignExcludesCurrentAgent(t *testing.T) {
	e, clk := setupEngine(t)
	ctx := context.Background()
	e.UpdateAgentInfo(testAgent("alpha", v1.AgentTypeBackend, 0, 3))
	e.UpdateAgentInfo(testAgent("beta", v1.AgentTypeBackend, 0, 3))

	task := testTask("X", "backend", v1.PriorityHigh, 500*time.Millisecond)
	_, err := e.StartExecution(task, "alpha")
	require.NoError(t, err)
	clk.Advance(1200 * time.Millisecond)

	result, err := e.Reassign(ctx, task, "alpha", []string{"alpha", "beta"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "beta", result.AgentID)

	exec := e.ExecutionForTask("X")
	require.NotNil(t, exec)
	assert.Equal(t, "beta", exec.AgentID)
}

func TestReassignWithNoOtherCandidates(t *testing.T) {
	e, _ := setupEngine(t)
	ctx := context.Background()
	e.UpdateAgentInfo(testAgent("alpha", v1.AgentTypeBackend, 0, 3))

	task := testTask("X", "backend", v1.PriorityHigh, time.Hour)
	_, err := e.StartExecution(task, "alpha")
	require.NoError(t, err)

	result, err := e.Reassign(ctx, task, "alpha", []string{"alpha"})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestStatistics(t *testing.T) {
	e, _ := setupEngine(t)
	e.UpdateAgentInfo(testAgent("a", v1.AgentTypeBackend, 0, 3))

	exec, err := e.StartExecution(testTask("t1", "backend", v1.PriorityHigh, time.Hour), "a")
	require.NoError(t, err)

	stats := e.Statistics()
	assert.Equal(t, 1, stats.KnownAgents)
	assert.Equal(t, 1, stats.ActiveExecutions)
	assert.Equal(t, 1, stats.TotalAssigned)

	require.NoError(t, e.CompleteExecution(exec.ID, true, -1))
	stats = e.Statistics()
	assert.Equal(t, 0, stats.ActiveExecutions)
	assert.Equal(t, 1, stats.TotalCompleted)
}
