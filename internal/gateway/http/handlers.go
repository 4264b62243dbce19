// Package http provides the REST gateway over the coordination
// runtime: status, task submission, agent lifecycle, health and
// workflow control.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/assignment"
	"github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/coordination"
	"github.com/agentfleet/agentfleet/internal/health"
	"github.com/agentfleet/agentfleet/internal/messaging"
	"github.com/agentfleet/agentfleet/internal/task"
	"github.com/agentfleet/agentfleet/internal/workflow"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Handlers serves the REST API.
type Handlers struct {
	manager      *coordination.Manager
	tasks        *task.Manager
	engine       *assignment.Engine
	monitor      *health.Monitor
	orchestrator *workflow.Orchestrator
	bus          *messaging.Bus
	logger       *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(manager *coordination.Manager, tasks *task.Manager, engine *assignment.Engine, monitor *health.Monitor, orchestrator *workflow.Orchestrator, bus *messaging.Bus, log *logger.Logger) *Handlers {
	return &Handlers{
		manager:      manager,
		tasks:        tasks,
		engine:       engine,
		monitor:      monitor,
		orchestrator: orchestrator,
		bus:          bus,
		logger:       log.WithFields(zap.String("component", "http-handlers")),
	}
}

// RegisterRoutes wires all routes onto the router group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/status", h.getStatus)

	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.POST("/tasks", h.createTask)
	api.POST("/tasks/:id/assign", h.assignTask)
	api.POST("/requirements", h.submitRequirement)

	api.GET("/agents", h.listAgents)
	api.GET("/agents/:id", h.getAgent)
	api.POST("/agents", h.createAgent)
	api.DELETE("/agents/:id", h.destroyAgent)

	api.GET("/health", h.getHealth)

	api.GET("/workflows", h.listWorkflows)
	api.POST("/workflows", h.registerWorkflow)
	api.POST("/workflows/:id/executions", h.startExecution)
	api.GET("/executions", h.listExecutions)
	api.GET("/executions/:id", h.getExecution)
	api.POST("/executions/:id/pause", h.pauseExecution)
	api.POST("/executions/:id/resume", h.resumeExecution)
	api.POST("/executions/:id/cancel", h.cancelExecution)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	if status >= 500 {
		h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agents":     len(h.manager.Agents()),
		"sessions":   len(h.manager.Sessions(true)),
		"tasks":      h.tasks.Statistics(),
		"assignment": h.engine.Statistics(),
		"messaging":  h.bus.Statistics(),
		"workflows":  len(h.orchestrator.Workflows()),
	})
}

func (h *Handlers) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.tasks.List()})
}

func (h *Handlers) getTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type createTaskRequest struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Type             string   `json:"type"`
	Priority         int      `json:"priority"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Files            []string `json:"files"`
	Requirements     []string `json:"requirements"`
	Dependencies     []string `json:"dependencies"`
}

func (h *Handlers) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.Validation("invalid request body: "+err.Error()))
		return
	}

	created, err := h.tasks.Create(c.Request.Context(), task.CreateRequest{
		Title:         req.Title,
		Description:   req.Description,
		Type:          req.Type,
		Priority:      v1.TaskPriority(req.Priority),
		EstimatedTime: time.Duration(req.EstimatedMinutes) * time.Minute,
		Files:         req.Files,
		Requirements:  req.Requirements,
		Dependencies:  req.Dependencies,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handlers) assignTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := h.manager.AssignTask(c.Request.Context(), taskID); err != nil {
		h.writeError(c, err)
		return
	}
	t, err := h.tasks.Get(taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type submitRequirementRequest struct {
	Requirement string `json:"requirement"`
}

func (h *Handlers) submitRequirement(c *gin.Context) {
	var req submitRequirementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.Validation("invalid request body: "+err.Error()))
		return
	}

	created, err := h.manager.SubmitRequirement(c.Request.Context(), req.Requirement)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": created})
}

func (h *Handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.manager.Agents()})
}

func (h *Handlers) getAgent(c *gin.Context) {
	info, err := h.manager.GetAgent(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) createAgent(c *gin.Context) {
	var req coordination.AgentConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.Validation("invalid request body: "+err.Error()))
		return
	}

	info, err := h.manager.CreateAgent(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handlers) destroyAgent(c *gin.Context) {
	if err := h.manager.DestroyAgent(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": h.monitor.AllMetrics(),
		"alerts":  h.monitor.Alerts(true),
	})
}

func (h *Handlers) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.orchestrator.Workflows()})
}

// registerWorkflow accepts a workflow as JSON, or as a YAML document
// when the content type says so.
func (h *Handlers) registerWorkflow(c *gin.Context) {
	if ct := c.ContentType(); ct == "application/yaml" || ct == "text/yaml" {
		doc, err := c.GetRawData()
		if err != nil {
			h.writeError(c, errors.Validation("unreadable request body"))
			return
		}
		wf, err := h.orchestrator.RegisterYAML(doc)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, wf)
		return
	}

	var wf workflow.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		h.writeError(c, errors.Validation("invalid request body: "+err.Error()))
		return
	}
	if err := h.orchestrator.Register(&wf); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &wf)
}

type startExecutionRequest struct {
	Context map[string]any `json:"context"`
}

func (h *Handlers) startExecution(c *gin.Context) {
	var req startExecutionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.writeError(c, errors.Validation("invalid request body: "+err.Error()))
			return
		}
	}

	exec, err := h.orchestrator.StartExecution(c.Request.Context(), c.Param("id"), req.Context)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (h *Handlers) listExecutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"executions": h.orchestrator.ListExecutions()})
}

func (h *Handlers) getExecution(c *gin.Context) {
	exec, err := h.orchestrator.GetExecution(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *Handlers) pauseExecution(c *gin.Context) {
	h.transitionExecution(c, h.orchestrator.Pause)
}

func (h *Handlers) resumeExecution(c *gin.Context) {
	h.transitionExecution(c, h.orchestrator.Resume)
}

func (h *Handlers) cancelExecution(c *gin.Context) {
	h.transitionExecution(c, h.orchestrator.Cancel)
}

func (h *Handlers) transitionExecution(c *gin.Context, op func(string) error) {
	executionID := c.Param("id")
	if err := op(executionID); err != nil {
		h.writeError(c, err)
		return
	}
	exec, err := h.orchestrator.GetExecution(executionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
