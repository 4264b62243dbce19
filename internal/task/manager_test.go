package task

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

func setupManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.TaskConfig{DefaultTimeout: 600, MaxRetries: 3, PriorityLevels: 4}
	return NewManager(cfg, ident.New(), clk, nil, log), clk
}

func TestDecomposeLoginSystem(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	tasks, err := m.Decompose(ctx, "Create login system with frontend, backend, and tests")
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byType := make(map[string]*v1.Task)
	for _, task := range tasks {
		byType[task.Type] = task
	}
	require.Contains(t, byType, "frontend")
	require.Contains(t, byType, "backend")
	require.Contains(t, byType, "testing")

	testTask := byType["testing"]
	assert.ElementsMatch(t, []string{byType["frontend"].ID, byType["backend"].ID}, testTask.Dependencies)
	assert.Equal(t, v1.TaskStateBlocked, testTask.State)
	assert.Equal(t, v1.TaskStatePending, byType["frontend"].State)
}

func TestDecomposeNoKeywordEmitsGeneralTask(t *testing.T) {
	m, _ := setupManager(t)

	tasks, err := m.Decompose(context.Background(), "do the thing")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "general", tasks[0].Type)
}

func TestDecomposeEmptyRequirement(t *testing.T) {
	m, _ := setupManager(t)
	_, err := m.Decompose(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestDecomposeCustomRule(t *testing.T) {
	m, _ := setupManager(t)
	m.RegisterRule(DecompositionRule{
		Name:    "security",
		Matches: func(r string) bool { return true },
		Emit: func(r string) []TaskSeed {
			return []TaskSeed{{Title: "Security review", Type: "code_review", Priority: v1.PriorityCritical}}
		},
	})

	tasks, err := m.Decompose(context.Background(), "harden the api endpoint")
	require.NoError(t, err)

	var found bool
	for _, task := range tasks {
		if task.Type == "code_review" {
			found = true
		}
	}
	assert.True(t, found, "custom rule output missing")
}

func TestCompletionUnblocksDependents(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	tasks, err := m.Decompose(ctx, "Create login system with frontend, backend, and tests")
	require.NoError(t, err)

	byType := make(map[string]*v1.Task)
	for _, task := range tasks {
		byType[task.Type] = task
	}

	for _, typ := range []string{"frontend", "backend"} {
		id := byType[typ].ID
		require.NoError(t, m.UpdateStatus(ctx, id, v1.TaskStateInProgress))
		require.NoError(t, m.UpdateStatus(ctx, id, v1.TaskStateCompleted))
	}

	got, err := m.Get(byType["testing"].ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatePending, got.State)

	require.NoError(t, m.UpdateStatus(ctx, got.ID, v1.TaskStateInProgress))
	require.NoError(t, m.UpdateStatus(ctx, got.ID, v1.TaskStateCompleted))

	stats := m.Statistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InProgress)
	assert.Equal(t, 0, stats.Failed)
}

func TestInProgressRequiresCompletedDeps(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	dep, err := m.Create(ctx, CreateRequest{Title: "dep"})
	require.NoError(t, err)
	blocked, err := m.Create(ctx, CreateRequest{Title: "blocked", Dependencies: []string{dep.ID}})
	require.NoError(t, err)

	err = m.UpdateStatus(ctx, blocked.ID, v1.TaskStateInProgress)
	assert.True(t, apperrors.IsValidation(err))
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	m, clk := setupManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(ctx, task.ID, v1.TaskStateInProgress))
	clk.Advance(time.Minute)
	require.NoError(t, m.UpdateStatus(ctx, task.ID, v1.TaskStateCompleted))

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, !got.CompletedAt.Before(*got.StartedAt), "started must not exceed completed")
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{Title: "t"})
	require.NoError(t, err)

	err = m.UpdateStatus(ctx, task.ID, v1.TaskStateCompleted)
	assert.True(t, apperrors.IsValidation(err), "pending -> completed must be rejected")
}

func TestNextTaskPriorityOrder(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	high, err := m.Create(ctx, CreateRequest{Title: "H", Priority: v1.PriorityHigh})
	require.NoError(t, err)
	low, err := m.Create(ctx, CreateRequest{Title: "L", Priority: v1.PriorityLow})
	require.NoError(t, err)

	require.NoError(t, m.Assign(ctx, high.ID, "agent-1"))
	require.NoError(t, m.Assign(ctx, low.ID, "agent-1"))

	next := m.NextTask("agent-1")
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)

	require.NoError(t, m.UpdatePriority(low.ID, v1.PriorityCritical))
	next = m.NextTask("agent-1")
	require.NotNil(t, next)
	assert.Equal(t, low.ID, next.ID)
}

func TestAddDependencyCycle(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{Title: "A"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateRequest{Title: "B"})
	require.NoError(t, err)

	require.NoError(t, m.AddDependency(a.ID, b.ID))
	err = m.AddDependency(b.ID, a.ID)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDependencyRoundTrip(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{Title: "A"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateRequest{Title: "B"})
	require.NoError(t, err)

	require.NoError(t, m.AddDependency(a.ID, b.ID))
	require.NoError(t, m.RemoveDependency(a.ID, b.ID))

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
	assert.Equal(t, v1.TaskStatePending, got.State)
	assert.Empty(t, m.Dependents(b.ID))
}

func TestAddDependencyBlocksTask(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateRequest{Title: "A"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateRequest{Title: "B"})
	require.NoError(t, err)

	require.NoError(t, m.AddDependency(a.ID, b.ID))
	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateBlocked, got.State)
}

func TestAvailableTasksFiltersByType(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Title: "fe", Type: "frontend"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{Title: "be", Type: "backend"})
	require.NoError(t, err)

	frontend := m.AvailableTasks(v1.AgentTypeFrontend)
	require.Len(t, frontend, 1)
	assert.Equal(t, "frontend", frontend[0].Type)

	// devops agents also pick up backend work
	devops := m.AvailableTasks(v1.AgentTypeDevOps)
	require.Len(t, devops, 1)
	assert.Equal(t, "backend", devops[0].Type)

	all := m.AvailableTasks("")
	assert.Len(t, all, 2)
}

func TestReassignMovesQueues(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	task, err := m.Create(ctx, CreateRequest{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, m.Assign(ctx, task.ID, "alpha"))
	require.NoError(t, m.Reassign(ctx, task.ID, "beta"))

	assert.Nil(t, m.NextTask("alpha"))
	next := m.NextTask("beta")
	require.NotNil(t, next)
	assert.Equal(t, task.ID, next.ID)
}

func TestDerivePriority(t *testing.T) {
	cases := []struct {
		name       string
		hint       float64
		dependents int
		estimated  time.Duration
		files      int
		want       v1.TaskPriority
	}{
		{"short task with many dependents", 1, 6, 30 * time.Minute, 0, v1.PriorityHigh},
		{"plain long task", 1, 0, 8 * time.Hour, 0, v1.PriorityLow},
		{"hint pushes critical", 3, 2, 30 * time.Minute, 6, v1.PriorityCritical},
		{"medium by duration bonus", 1, 1, 3 * time.Hour, 0, v1.PriorityLow},
		{"medium threshold", 1, 2, 3 * time.Hour, 0, v1.PriorityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := derivePriority(tc.hint, tc.dependents, tc.estimated, tc.files)
			assert.Equal(t, tc.want, got)
		})
	}
}
