package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/assignment"
	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/coordination"
	"github.com/agentfleet/agentfleet/internal/file"
	"github.com/agentfleet/agentfleet/internal/health"
	"github.com/agentfleet/agentfleet/internal/messaging"
	"github.com/agentfleet/agentfleet/internal/task"
	"github.com/agentfleet/agentfleet/internal/workflow"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

func setupServer(t *testing.T) (*Server, *coordination.Manager) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.New()
	ids := ident.New()

	bus := messaging.NewBus(config.MessageConfig{QueueSize: 100, SweepInterval: 60, HeartbeatSweep: 60, CacheTTLSeconds: 300}, 90*time.Second, ids, clk, log)
	tasks := task.NewManager(config.TaskConfig{DefaultTimeout: 600, MaxRetries: 3, PriorityLevels: 4}, ids, clk, bus, log)
	files := file.NewManager(config.FileConfig{LockTimeout: 300, MaxLocksPerAgent: 5, ChangeHistory: 100, SnapshotDepth: 10}, file.NewMemoryStore(), ids, clk, bus, log)
	engine := assignment.NewEngine(config.AssignmentConfig{CheckInterval: 60, TimeoutRatio: 1.5, HeartbeatInterval: 30, MaxAlternatives: 3}, ids, clk, log)
	manager := coordination.NewManager(config.CoordinationConfig{MaxAgents: 10, MaxConcurrentSessions: 5, MaxConcurrentTasksPer: 3}, ids, clk, tasks, files, engine, nil, bus, log)
	monitor := health.NewMonitor(config.HealthConfig{Interval: 30, Timeout: 5, FailureThreshold: 3, RecoveryThreshold: 2, MaxErrorHistory: 1000}, ids, clk, manager, manager, bus, log)
	orchestrator := workflow.NewOrchestrator(config.WorkflowConfig{MaxSteps: 50, StepPollMs: 5, DefaultRetry: 1}, ids, clk, manager, manager, log)

	handlers := NewHandlers(manager, tasks, engine, monitor, orchestrator, bus, log)
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, handlers, nil, log), manager
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Engine().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	server, _ := setupServer(t)
	w := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := setupServer(t)
	w := doJSON(t, server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "agents")
	assert.Contains(t, body, "tasks")
	assert.Contains(t, body, "assignment")
}

func TestTaskEndpoints(t *testing.T) {
	server, _ := setupServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/tasks", createTaskRequest{
		Title: "Implement API", Type: "backend", EstimatedMinutes: 60,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, v1.TaskStatePending, created.State)

	w = doJSON(t, server, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, server, http.MethodPost, "/api/v1/tasks", createTaskRequest{Type: "backend"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "title required")
}

func TestAgentEndpoints(t *testing.T) {
	server, _ := setupServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/agents", coordination.AgentConfig{
		Name: "builder", Type: v1.AgentTypeBackend,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var info v1.AgentInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.NotEmpty(t, info.ID)

	w = doJSON(t, server, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server, http.MethodPost, "/api/v1/agents", coordination.AgentConfig{
		Name: "x", Type: "alchemist",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, server, http.MethodDelete, "/api/v1/agents/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, server, http.MethodDelete, "/api/v1/agents/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAssignTaskEndpointConflict(t *testing.T) {
	server, _ := setupServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/tasks", createTaskRequest{Title: "Lonely", Type: "backend"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// no agents registered yet
	w = doJSON(t, server, http.MethodPost, "/api/v1/tasks/"+created.ID+"/assign", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	server, _ := setupServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.Workflow{
		ID:   "deploy",
		Name: "Deploy",
		Steps: []workflow.Step{
			{ID: "build", Name: "Build", Action: "build"},
			{ID: "release", Name: "Release", Action: "release", DependsOn: []string{"build"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "deploy")

	// cycle rejected
	w = doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.Workflow{
		ID: "broken",
		Steps: []workflow.Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterWorkflowYAML(t *testing.T) {
	server, _ := setupServer(t)

	doc := `
id: pipeline
name: Pipeline
steps:
  - id: build
    name: Build
    action: build
`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/yaml")
	w := httptest.NewRecorder()
	server.Engine().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "pipeline")
}

func TestSubmitRequirementEndpoint(t *testing.T) {
	server, _ := setupServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/requirements", submitRequirementRequest{
		Requirement: "Build a login page with API and tests",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Tasks []*v1.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Tasks)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupServer(t)
	w := doJSON(t, server, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "metrics")
}
