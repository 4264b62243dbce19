package realtime

import (
	"context"
	"sync"
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

type fakeBus struct {
	mu        sync.Mutex
	sent      []*v1.Message
	broadcast []*v1.Message
}

func (f *fakeBus) Send(ctx context.Context, msg *v1.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeBus) Broadcast(ctx context.Context, msg *v1.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
	return nil
}

func (f *fakeBus) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast)
}

type fakeProvider struct {
	agents []*v1.AgentInfo
	tasks  []*v1.Task
}

func (f *fakeProvider) AgentsSnapshot() []*v1.AgentInfo          { return f.agents }
func (f *fakeProvider) TasksSnapshot() []*v1.Task                { return f.tasks }
func (f *fakeProvider) FilesSnapshot() []map[string]any          { return []map[string]any{} }
func (f *fakeProvider) CollaborationsSnapshot() []map[string]any { return []map[string]any{} }

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{QueueSize: 64, HeartbeatInterval: 30, MaxMissed: 3}
}

func setupSyncer(t *testing.T, provider StateProvider) (*Syncer, *fakeBus, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := &fakeBus{}
	return NewSyncer(testSyncConfig(), ident.New(), clk, bus, provider, log), bus, clk
}

func TestDrainBroadcastsInQueueOrder(t *testing.T) {
	s, bus, _ := setupSyncer(t, nil)

	var mu sync.Mutex
	var seen []string
	s.AddSink(func(envelope *v1.SyncEnvelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, envelope.Event["event"].(string))
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.QueueEvent(map[string]any{"event": "first"})
	s.QueueEvent(map[string]any{"event": "second"})
	s.QueueEvent(map[string]any{"event": "third"})

	require.Eventually(t, func() bool { return bus.broadcastCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, seen)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, msg := range bus.broadcast {
		assert.Equal(t, v1.MessageTypeSystem, msg.Type)
		assert.Equal(t, "realtime-sync", msg.From)
		assert.Equal(t, v1.SyncTypeEvent, msg.Content["kind"])
	}
}

func TestQueueOverflowDropsEvent(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	cfg := config.SyncConfig{QueueSize: 2, HeartbeatInterval: 30, MaxMissed: 3}
	s := NewSyncer(cfg, ident.New(), clock.New(), &fakeBus{}, nil, log)

	s.QueueEvent(map[string]any{"event": "a"})
	s.QueueEvent(map[string]any{"event": "b"})
	s.QueueEvent(map[string]any{"event": "c"}) // dropped, drainer not running
	assert.Equal(t, 2, s.QueueSize())
}

func TestForceSyncSendsFullState(t *testing.T) {
	provider := &fakeProvider{
		agents: []*v1.AgentInfo{{ID: "agent-1", Type: v1.AgentTypeBackend}},
		tasks:  []*v1.Task{{ID: "task-1", Title: "Build"}},
	}
	s, bus, _ := setupSyncer(t, provider)

	require.NoError(t, s.ForceSync(context.Background(), "agent-1"))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.sent, 1)
	msg := bus.sent[0]
	assert.Equal(t, []string{"agent-1"}, msg.To)
	assert.Equal(t, v1.SyncTypeFullSync, msg.Content["kind"])

	data, ok := msg.Content["data"].(*v1.FullSyncData)
	require.True(t, ok)
	require.Len(t, data.Agents, 1)
	assert.Equal(t, "agent-1", data.Agents[0].ID)
	require.Len(t, data.Tasks, 1)
	assert.NotNil(t, data.Files)
	assert.NotNil(t, data.Collaborations)
}

func TestForceSyncRequiresAgentID(t *testing.T) {
	s, _, _ := setupSyncer(t, nil)
	err := s.ForceSync(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	s, _, clk := setupSyncer(t, nil)

	s.RegisterAgent("agent-1")
	s.RegisterAgent("agent-2")
	require.True(t, s.IsConnected("agent-1"))

	// agent-2 keeps its heartbeat fresh, agent-1 goes silent
	clk.Advance(60 * time.Second)
	require.NoError(t, s.Heartbeat("agent-2"))
	clk.Advance(45 * time.Second) // agent-1 now 105s stale, limit is 90s

	lost := s.CheckHeartbeats()
	assert.Equal(t, []string{"agent-1"}, lost)
	assert.False(t, s.IsConnected("agent-1"))
	assert.True(t, s.IsConnected("agent-2"))

	// disconnect is re-broadcast as a queued status change
	assert.Equal(t, 1, s.QueueSize())

	// already disconnected, no duplicate event
	lost = s.CheckHeartbeats()
	assert.Empty(t, lost)
}

func TestHeartbeatReconnects(t *testing.T) {
	s, _, clk := setupSyncer(t, nil)
	s.RegisterAgent("agent-1")

	clk.Advance(120 * time.Second)
	require.Len(t, s.CheckHeartbeats(), 1)
	require.False(t, s.IsConnected("agent-1"))

	require.NoError(t, s.Heartbeat("agent-1"))
	assert.True(t, s.IsConnected("agent-1"))
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	s, _, _ := setupSyncer(t, nil)
	err := s.Heartbeat("ghost")
	assert.True(t, apperrors.IsNotFound(err))
}
