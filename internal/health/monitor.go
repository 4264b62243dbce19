// Package health implements the health monitor: periodic liveness
// probes per agent, a health score, and a recovery strategy ladder.
package health

import (
	"context"
	"fmt"
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

// StatusSource reports an agent's current status. The coordination
// manager's registry backs this in production.
type StatusSource interface {
	AgentStatus(agentID string) (v1.AgentStatus, error)
}

// RecoveryActions are the interventions the monitor can request.
// Implemented by the coordination manager.
type RecoveryActions interface {
	RestartAgent(ctx context.Context, agentID string) error
	ResetAgent(ctx context.Context, agentID string) error
	// ReplaceAgent spawns a successor and reassigns work; it returns
	// the new agent id.
	ReplaceAgent(ctx context.Context, agentID string) (string, error)
}

// EventPublisher is the slice of the message bus the monitor needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, source string) error
}

// Monitor probes registered agents on a timer and walks the recovery
// ladder when an agent turns unhealthy.
type Monitor struct {
	cfg      config.HealthConfig
	ids      ident.Source
	clock    clock.Clock
	source   StatusSource
	recovery RecoveryActions
	events   EventPublisher
	logger   *logger.Logger

	mu      sync.Mutex
	metrics map[string]*Metrics
	alerts  map[string]*Alert
	timers  map[string]chan struct{} // per-agent probe loop stops

	wg sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg config.HealthConfig, ids ident.Source, clk clock.Clock, source StatusSource, recovery RecoveryActions, events EventPublisher, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		ids:      ids,
		clock:    clk,
		source:   source,
		recovery: recovery,
		events:   events,
		logger:   log.WithFields(zap.String("component", "health-monitor")),
		metrics:  make(map[string]*Metrics),
		alerts:   make(map[string]*Alert),
		timers:   make(map[string]chan struct{}),
	}
}

// Register seeds metrics for an agent and starts its periodic probe.
func (m *Monitor) Register(ctx context.Context, agentID string) error {
	if agentID == "" {
		return apperrors.Validation("agent id is required")
	}

	m.mu.Lock()
	if _, exists := m.timers[agentID]; exists {
		m.mu.Unlock()
		return nil
	}
	now := m.clock.Now()
	m.metrics[agentID] = &Metrics{
		AgentID:      agentID,
		Healthy:      true,
		HealthScore:  100,
		RegisteredAt: now,
		LastCheck:    now,
	}
	stopCh := make(chan struct{})
	m.timers[agentID] = stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, agentID, stopCh)
	return nil
}

// Unregister stops the agent's probe loop and drops its metrics.
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	stopCh, ok := m.timers[agentID]
	if ok {
		delete(m.timers, agentID)
		close(stopCh)
	}
	delete(m.metrics, agentID)
	m.mu.Unlock()
}

// Shutdown stops every probe loop.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	for id, stopCh := range m.timers {
		close(stopCh)
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// probeLoop fires Check on the configured cadence until unregistered.
func (m *Monitor) probeLoop(ctx context.Context, agentID string, stopCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx, agentID)
		}
	}
}

// Check runs one probe: a bounded race between the status source
// reporting the agent alive and the configured timeout. Probe panics
// never escape to the caller's loop.
func (m *Monitor) Check(ctx context.Context, agentID string) {
	start := m.clock.Now()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.TimeoutDuration())
	defer cancel()

	err := m.probe(probeCtx, agentID)
	elapsed := m.clock.Since(start)

	if err != nil {
		m.recordFailure(ctx, agentID, elapsed, err)
		return
	}
	m.recordSuccess(ctx, agentID, elapsed)
}

// probe resolves the agent's status, racing the source against the
// probe deadline.
func (m *Monitor) probe(ctx context.Context, agentID string) error {
	type outcome struct {
		status v1.AgentStatus
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("status source panic: %v", r)}
			}
		}()
		status, err := m.source.AgentStatus(agentID)
		resultCh <- outcome{status: status, err: err}
	}()

	select {
	case <-ctx.Done():
		return apperrors.Timeout(fmt.Sprintf("health probe for %s timed out", agentID))
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		if res.status == v1.AgentStatusError || res.status == v1.AgentStatusOffline {
			return apperrors.Recoverable(fmt.Sprintf("agent %s reports status %s", agentID, res.status), nil)
		}
		return nil
	}
}

func (m *Monitor) recordSuccess(ctx context.Context, agentID string, elapsed time.Duration) {
	m.mu.Lock()
	metrics, ok := m.metrics[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	metrics.LastCheck = now
	metrics.LastResponseTime = elapsed
	metrics.Uptime = now.Sub(metrics.RegisteredAt)
	metrics.ConsecutiveSuccesses++
	metrics.ConsecutiveFailures = 0
	metrics.HealthScore += 2
	if metrics.HealthScore > 100 {
		metrics.HealthScore = 100
	}

	recovered := false
	if !metrics.Healthy && metrics.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
		metrics.Healthy = true
		recovered = true
		for _, alert := range m.alerts {
			if alert.AgentID == agentID {
				alert.Resolved = true
			}
		}
	}
	m.mu.Unlock()

	if recovered {
		m.logger.Info("agent recovered", zap.String("agent_id", agentID))
		m.publish(ctx, v1.EventSystemHealthCheck, map[string]any{
			"agent_id": agentID, "healthy": true, "recovered": true,
		})
	}
}

func (m *Monitor) recordFailure(ctx context.Context, agentID string, elapsed time.Duration, probeErr error) {
	m.mu.Lock()
	metrics, ok := m.metrics[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	metrics.LastCheck = now
	metrics.LastResponseTime = elapsed
	metrics.ConsecutiveFailures++
	metrics.ConsecutiveSuccesses = 0
	metrics.ErrorCount++
	metrics.LastError = probeErr.Error()
	metrics.HealthScore -= 10
	if metrics.HealthScore < 0 {
		metrics.HealthScore = 0
	}

	turnedUnhealthy := metrics.Healthy && metrics.ConsecutiveFailures >= m.cfg.FailureThreshold
	if turnedUnhealthy {
		metrics.Healthy = false
	}
	// Recovery re-fires on every failure at or past the threshold, so
	// the ladder climbs as the count grows instead of always seeing the
	// threshold value.
	attemptRecovery := !metrics.Healthy && metrics.ConsecutiveFailures >= m.cfg.FailureThreshold
	snapshot := *metrics
	m.mu.Unlock()

	m.logger.Warn("health probe failed",
		zap.String("agent_id", agentID),
		zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
		zap.Error(probeErr))

	if turnedUnhealthy {
		m.raiseAlert(agentID, AlertHealthDegraded, SeverityHigh,
			fmt.Sprintf("agent %s failed %d consecutive probes", agentID, snapshot.ConsecutiveFailures))
	}
	if attemptRecovery {
		m.recover(ctx, agentID, snapshot)
	}
}

// recover walks the strategy ladder for an unhealthy agent. A failed
// recovery raises a critical alert and is not retried automatically.
func (m *Monitor) recover(ctx context.Context, agentID string, metrics Metrics) {
	if m.recovery == nil {
		return
	}

	action := chooseRecovery(metrics)
	m.logger.Info("attempting recovery",
		zap.String("agent_id", agentID),
		zap.String("action", string(action)))

	var err error
	switch action {
	case RecoveryRestart:
		err = m.recovery.RestartAgent(ctx, agentID)
	case RecoveryReset:
		err = m.recovery.ResetAgent(ctx, agentID)
	case RecoveryReplace:
		_, err = m.recovery.ReplaceAgent(ctx, agentID)
	case RecoveryEscalate:
		m.raiseAlert(agentID, AlertAgentUnresponsive, SeverityCritical,
			fmt.Sprintf("agent %s exhausted the recovery ladder", agentID))
		return
	}

	if err != nil {
		m.logger.Error("recovery failed",
			zap.String("agent_id", agentID),
			zap.String("action", string(action)),
			zap.Error(err))
		m.raiseAlert(agentID, AlertRecoveryFailed, SeverityCritical,
			fmt.Sprintf("%s recovery for agent %s failed: %v", action, agentID, err))
		return
	}

	m.publish(ctx, v1.EventSystemHealthCheck, map[string]any{
		"agent_id": agentID, "healthy": false, "recovery": string(action),
	})
}

// chooseRecovery picks the ladder rung for the current metrics.
func chooseRecovery(metrics Metrics) RecoveryAction {
	switch {
	case metrics.ConsecutiveFailures < 5:
		return RecoveryRestart
	case metrics.ConsecutiveFailures < 10:
		return RecoveryReset
	case metrics.HealthScore < 20:
		return RecoveryReplace
	default:
		return RecoveryEscalate
	}
}

func (m *Monitor) raiseAlert(agentID string, alertType AlertType, severity AlertSeverity, message string) {
	alert := &Alert{
		ID:        m.ids.NewID(),
		AgentID:   agentID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: m.clock.Now(),
	}
	m.mu.Lock()
	m.alerts[alert.ID] = alert
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		zap.String("agent_id", agentID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)))
}

// GetMetrics returns a copy of an agent's metrics.
func (m *Monitor) GetMetrics(agentID string) (*Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[agentID]
	if !ok {
		return nil, apperrors.NotFound("health metrics", agentID)
	}
	cp := *metrics
	return &cp, nil
}

// AllMetrics returns copies of every registered agent's metrics.
func (m *Monitor) AllMetrics() []*Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Metrics, 0, len(m.metrics))
	for _, metrics := range m.metrics {
		cp := *metrics
		out = append(out, &cp)
	}
	return out
}

// Alerts returns all alerts, optionally only unresolved ones.
func (m *Monitor) Alerts(unresolvedOnly bool) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, alert := range m.alerts {
		if unresolvedOnly && alert.Resolved {
			continue
		}
		cp := *alert
		out = append(out, &cp)
	}
	return out
}

func (m *Monitor) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, payload, "health-monitor"); err != nil {
		m.logger.Warn("failed to publish health event", zap.Error(err))
	}
}
