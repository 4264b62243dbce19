// Package realtime implements the derived global state view: a queued
// broadcast of every kernel mutation plus full-state snapshots for
// late joiners.
package realtime

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

// StateProvider supplies the full-state arrays for a late joiner.
// Backed by the coordination manager, task manager and file manager.
type StateProvider interface {
	AgentsSnapshot() []*v1.AgentInfo
	TasksSnapshot() []*v1.Task
	FilesSnapshot() []map[string]any
	CollaborationsSnapshot() []map[string]any
}

// Broadcaster is the slice of the message bus the syncer needs.
type Broadcaster interface {
	Send(ctx context.Context, msg *v1.Message) error
	Broadcast(ctx context.Context, msg *v1.Message) error
}

// Sink receives every drained sync envelope. The websocket gateway
// registers one to mirror events to UI clients.
type Sink func(envelope *v1.SyncEnvelope)

// Syncer queues sync events from all components and drains them on a
// single worker, broadcasting through the message bus.
type Syncer struct {
	cfg      config.SyncConfig
	ids      ident.Source
	clock    clock.Clock
	bus      Broadcaster
	provider StateProvider
	logger   *logger.Logger

	queue chan map[string]any

	mu        sync.Mutex
	sinks     []Sink
	heartbeat map[string]time.Time
	connected map[string]bool

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSyncer creates a realtime syncer.
func NewSyncer(cfg config.SyncConfig, ids ident.Source, clk clock.Clock, bus Broadcaster, provider StateProvider, log *logger.Logger) *Syncer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Syncer{
		cfg:       cfg,
		ids:       ids,
		clock:     clk,
		bus:       bus,
		provider:  provider,
		logger:    log.WithFields(zap.String("component", "realtime-sync")),
		queue:     make(chan map[string]any, queueSize),
		heartbeat: make(map[string]time.Time),
		connected: make(map[string]bool),
	}
}

// Start launches the queue drainer and the heartbeat checker.
func (s *Syncer) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("realtime sync already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.heartbeatLoop(ctx)

	s.logger.Info("realtime sync started", zap.Int("queue_size", cap(s.queue)))
	return nil
}

// Stop stops the background loops.
func (s *Syncer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("realtime sync stopped")
}

// AddSink registers a drained-envelope consumer.
func (s *Syncer) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// QueueEvent enqueues one mutation for broadcast. A full queue drops
// the event with a warning rather than blocking the mutating caller.
func (s *Syncer) QueueEvent(event map[string]any) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("sync queue full, dropping event")
	}
}

// QueueSize returns the pending event count.
func (s *Syncer) QueueSize() int {
	return len(s.queue)
}

// ForceSync sends a full-state snapshot to one agent as a single
// full-sync message.
func (s *Syncer) ForceSync(ctx context.Context, agentID string) error {
	if agentID == "" {
		return apperrors.Validation("agent id is required")
	}

	envelope := s.FullState()
	msg := &v1.Message{
		ID:        s.ids.NewID(),
		From:      "realtime-sync",
		To:        []string{agentID},
		Type:      v1.MessageTypeSystem,
		Timestamp: s.clock.Now(),
		Content: map[string]any{
			"kind": v1.SyncTypeFullSync,
			"data": envelope.Data,
		},
	}
	return s.bus.Send(ctx, msg)
}

// FullState builds the full-sync envelope from the state providers.
func (s *Syncer) FullState() *v1.SyncEnvelope {
	data := &v1.FullSyncData{
		Agents:         []*v1.AgentInfo{},
		Tasks:          []*v1.Task{},
		Files:          []map[string]any{},
		Collaborations: []map[string]any{},
	}
	if s.provider != nil {
		data.Agents = s.provider.AgentsSnapshot()
		data.Tasks = s.provider.TasksSnapshot()
		data.Files = s.provider.FilesSnapshot()
		data.Collaborations = s.provider.CollaborationsSnapshot()
	}
	return &v1.SyncEnvelope{
		Type:      v1.SyncTypeFullSync,
		Data:      data,
		Timestamp: v1.NewTimestamp(s.clock.Now()),
	}
}

// RegisterAgent starts heartbeat tracking for an agent.
func (s *Syncer) RegisterAgent(agentID string) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat[agentID] = now
	s.connected[agentID] = true
}

// UnregisterAgent stops tracking an agent.
func (s *Syncer) UnregisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.heartbeat, agentID)
	delete(s.connected, agentID)
}

// Heartbeat refreshes an agent's sync heartbeat.
func (s *Syncer) Heartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.heartbeat[agentID]; !ok {
		return apperrors.NotFound("sync registration", agentID)
	}
	s.heartbeat[agentID] = s.clock.Now()
	s.connected[agentID] = true
	return nil
}

// IsConnected reports the tracked connection state for an agent.
func (s *Syncer) IsConnected(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[agentID]
}

// drainLoop broadcasts queued events one at a time, preserving queue
// order.
func (s *Syncer) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event := <-s.queue:
			s.broadcastEvent(ctx, event)
		}
	}
}

// broadcastEvent wraps one event in a sync envelope and fans it out to
// the bus and the registered sinks. Failures are logged; the drainer
// never stops.
func (s *Syncer) broadcastEvent(ctx context.Context, event map[string]any) {
	envelope := &v1.SyncEnvelope{
		Type:      v1.SyncTypeEvent,
		Event:     event,
		Timestamp: v1.NewTimestamp(s.clock.Now()),
	}

	msg := &v1.Message{
		ID:        s.ids.NewID(),
		From:      "realtime-sync",
		Type:      v1.MessageTypeSystem,
		Timestamp: s.clock.Now(),
		Content: map[string]any{
			"kind":  v1.SyncTypeEvent,
			"event": event,
		},
	}
	if err := s.bus.Broadcast(ctx, msg); err != nil {
		s.logger.Warn("sync broadcast failed", zap.Error(err))
	}

	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		s.invokeSink(sink, envelope)
	}
}

func (s *Syncer) invokeSink(sink Sink, envelope *v1.SyncEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync sink panic", zap.Any("panic", r))
		}
	}()
	sink(envelope)
}

// heartbeatLoop marks agents disconnected after maxMissed intervals
// without a heartbeat and re-broadcasts the status change.
func (s *Syncer) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckHeartbeats()
		}
	}
}

// CheckHeartbeats marks agents whose heartbeat age exceeds
// maxMissed intervals as disconnected, queueing a status-change event
// for each. Exposed for deterministic tests.
func (s *Syncer) CheckHeartbeats() []string {
	limit := time.Duration(s.cfg.MaxMissed) * s.cfg.HeartbeatIntervalDuration()
	now := s.clock.Now()

	s.mu.Lock()
	var lost []string
	for agentID, last := range s.heartbeat {
		if s.connected[agentID] && now.Sub(last) > limit {
			s.connected[agentID] = false
			lost = append(lost, agentID)
		}
	}
	s.mu.Unlock()

	for _, agentID := range lost {
		s.logger.Warn("agent missed sync heartbeats", zap.String("agent_id", agentID))
		s.QueueEvent(map[string]any{
			"event":    v1.EventAgentStatusChanged,
			"agent_id": agentID,
			"status":   string(v1.AgentStatusOffline),
		})
	}
	return lost
}
