package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

type fakeSource struct {
	mu     sync.Mutex
	status map[string]v1.AgentStatus
	err    error
}

func (f *fakeSource) set(agentID string, status v1.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[string]v1.AgentStatus)
	}
	f.status[agentID] = status
}

func (f *fakeSource) AgentStatus(agentID string) (v1.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	status, ok := f.status[agentID]
	if !ok {
		return "", errors.New("unknown agent")
	}
	return status, nil
}

type fakeRecovery struct {
	mu        sync.Mutex
	restarts  []string
	resets    []string
	replaces  []string
	failWith  error
}

func (f *fakeRecovery) RestartAgent(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, agentID)
	return f.failWith
}

func (f *fakeRecovery) ResetAgent(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, agentID)
	return f.failWith
}

func (f *fakeRecovery) ReplaceAgent(ctx context.Context, agentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces = append(f.replaces, agentID)
	return agentID + "-replacement", f.failWith
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:          30,
		Timeout:           5,
		RetryAttempts:     3,
		RetryDelay:        5,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		MaxErrorHistory:   1000,
	}
}

func setupMonitor(t *testing.T) (*Monitor, *fakeSource, *fakeRecovery, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	source := &fakeSource{}
	recovery := &fakeRecovery{}
	m := NewMonitor(testHealthConfig(), ident.New(), clk, source, recovery, nil, log)
	return m, source, recovery, clk
}

// register without starting the probe loop so checks stay deterministic
func registerQuiet(t *testing.T, m *Monitor, agentID string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Register(ctx, agentID))
	cancel()
}

func TestSuccessfulCheckRaisesScore(t *testing.T) {
	m, source, _, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusIdle)
	registerQuiet(t, m, "a")

	// knock the score down first
	source.set("a", v1.AgentStatusError)
	m.Check(ctx, "a")
	source.set("a", v1.AgentStatusIdle)
	m.Check(ctx, "a")

	metrics, err := m.GetMetrics("a")
	require.NoError(t, err)
	assert.True(t, metrics.Healthy)
	assert.Equal(t, 1, metrics.ConsecutiveSuccesses)
	assert.Equal(t, 0, metrics.ConsecutiveFailures)
	assert.Equal(t, 92, metrics.HealthScore)
}

func TestScoreCapsAtHundred(t *testing.T) {
	m, source, _, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusWorking)
	registerQuiet(t, m, "a")

	m.Check(ctx, "a")
	metrics, err := m.GetMetrics("a")
	require.NoError(t, err)
	assert.Equal(t, 100, metrics.HealthScore)
}

func TestFailureThresholdTriggersRecovery(t *testing.T) {
	m, source, recovery, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusError)
	registerQuiet(t, m, "a")

	for i := 0; i < 3; i++ {
		m.Check(ctx, "a")
	}

	metrics, err := m.GetMetrics("a")
	require.NoError(t, err)
	assert.False(t, metrics.Healthy)
	assert.Equal(t, 3, metrics.ConsecutiveFailures)
	assert.Equal(t, 70, metrics.HealthScore)
	assert.Equal(t, []string{"a"}, recovery.restarts, "first ladder rung is restart")

	alerts := m.Alerts(true)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHealthDegraded, alerts[0].Type)
}

func TestRecoveryResolvesAlerts(t *testing.T) {
	m, source, _, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusError)
	registerQuiet(t, m, "a")

	for i := 0; i < 3; i++ {
		m.Check(ctx, "a")
	}
	require.Len(t, m.Alerts(true), 1)

	source.set("a", v1.AgentStatusIdle)
	m.Check(ctx, "a")
	m.Check(ctx, "a") // recovery threshold = 2

	metrics, err := m.GetMetrics("a")
	require.NoError(t, err)
	assert.True(t, metrics.Healthy)
	assert.Empty(t, m.Alerts(true), "open alerts resolved on recovery")
}

func TestFailedRecoveryRaisesCriticalAlert(t *testing.T) {
	m, source, recovery, _ := setupMonitor(t)
	ctx := context.Background()
	recovery.failWith = errors.New("restart refused")
	source.set("a", v1.AgentStatusOffline)
	registerQuiet(t, m, "a")

	for i := 0; i < 3; i++ {
		m.Check(ctx, "a")
	}

	var critical *Alert
	for _, alert := range m.Alerts(true) {
		if alert.Type == AlertRecoveryFailed {
			critical = alert
		}
	}
	require.NotNil(t, critical)
	assert.Equal(t, SeverityCritical, critical.Severity)
}

func TestRecoveryLadderClimbsWithRepeatedFailures(t *testing.T) {
	m, source, recovery, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusError)
	registerQuiet(t, m, "a")

	for i := 0; i < 10; i++ {
		m.Check(ctx, "a")
	}

	// Failures 3 and 4 restart, 5 through 9 reset, and by failure 10
	// the score has hit the floor so the agent is replaced.
	assert.Equal(t, []string{"a", "a"}, recovery.restarts)
	assert.Len(t, recovery.resets, 5)
	assert.Equal(t, []string{"a"}, recovery.replaces)
}

func TestChooseRecoveryLadder(t *testing.T) {
	cases := []struct {
		name    string
		metrics Metrics
		want    RecoveryAction
	}{
		{"few failures restart", Metrics{ConsecutiveFailures: 3, HealthScore: 70}, RecoveryRestart},
		{"more failures reset", Metrics{ConsecutiveFailures: 7, HealthScore: 30}, RecoveryReset},
		{"low score replace", Metrics{ConsecutiveFailures: 12, HealthScore: 10}, RecoveryReplace},
		{"otherwise escalate", Metrics{ConsecutiveFailures: 12, HealthScore: 50}, RecoveryEscalate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, chooseRecovery(tc.metrics))
		})
	}
}

func TestScoreFloorsAtZero(t *testing.T) {
	m, source, _, _ := setupMonitor(t)
	ctx := context.Background()
	source.set("a", v1.AgentStatusError)
	registerQuiet(t, m, "a")

	for i := 0; i < 15; i++ {
		m.Check(ctx, "a")
	}
	metrics, err := m.GetMetrics("a")
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.HealthScore)
}

func TestUnregisterDropsMetrics(t *testing.T) {
	m, source, _, _ := setupMonitor(t)
	source.set("a", v1.AgentStatusIdle)
	registerQuiet(t, m, "a")

	m.Unregister("a")
	_, err := m.GetMetrics("a")
	assert.Error(t, err)
}
