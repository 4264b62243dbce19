// Package messaging implements the message bus: agent registry of
// connections, directed and broadcast delivery, event pub/sub, offline
// queueing, and heartbeat-based liveness.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Bus is the message bus. It exclusively owns connections, offline
// queues, subscriptions, history, and notification read state.
type Bus struct {
	cfg   config.MessageConfig
	ids   ident.Source
	clock clock.Clock

	mu          sync.RWMutex
	connections map[string]*connection
	queues      map[string][]*v1.Message
	subscribers map[string][]*eventSubscriber
	history     map[string][]*v1.Message
	seen        map[string]map[string]bool
	notifRead   map[string]map[string]bool
	historyVer  uint64

	heartbeatTimeout time.Duration
	searchCache      *gocache.Cache
	mirror           EventMirror
	logger           *logger.Logger

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewBus creates a message bus.
func NewBus(cfg config.MessageConfig, heartbeatTimeout time.Duration, ids ident.Source, clk clock.Clock, log *logger.Logger) *Bus {
	return &Bus{
		cfg:              cfg,
		ids:              ids,
		clock:            clk,
		connections:      make(map[string]*connection),
		queues:           make(map[string][]*v1.Message),
		subscribers:      make(map[string][]*eventSubscriber),
		history:          make(map[string][]*v1.Message),
		seen:             make(map[string]map[string]bool),
		notifRead:        make(map[string]map[string]bool),
		heartbeatTimeout: heartbeatTimeout,
		searchCache:      gocache.New(cfg.CacheTTL(), 2*cfg.CacheTTL()),
		logger:           log.WithFields(zap.String("component", "message-bus")),
	}
}

// EventMirror receives a copy of every published event. Wired to the
// external event transport so kernel events reach NATS consumers.
type EventMirror interface {
	MirrorEvent(ctx context.Context, eventType string, payload map[string]any, source string)
}

// SetMirror wires the external event mirror.
func (b *Bus) SetMirror(m EventMirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Start launches the offline queue sweeper and the heartbeat sweeper.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return fmt.Errorf("message bus already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})

	b.wg.Add(2)
	go b.queueSweepLoop(ctx)
	go b.heartbeatSweepLoop(ctx)

	b.logger.Info("message bus started",
		zap.Duration("queue_sweep", b.cfg.SweepIntervalDuration()),
		zap.Duration("heartbeat_timeout", b.heartbeatTimeout))
	return nil
}

// Stop stops the background loops.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	b.wg.Wait()
	b.logger.Info("message bus stopped")
}

// Connect registers an agent connection with its delivery handler.
// Re-connecting replaces the handler and refreshes the heartbeat.
func (b *Bus) Connect(agentID string, handler MessageHandler) error {
	if agentID == "" {
		return apperrors.Validation("agent id is required")
	}

	b.mu.Lock()
	now := b.clock.Now()
	b.connections[agentID] = &connection{
		agentID:       agentID,
		handler:       handler,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	b.mu.Unlock()

	b.logger.Debug("agent connected", zap.String("agent_id", agentID))
	return nil
}

// Disconnect removes an agent connection and its event subscriptions.
// Queued and historical messages are retained.
func (b *Bus) Disconnect(agentID string) {
	b.mu.Lock()
	delete(b.connections, agentID)
	b.removeSubscriberLocked(agentID)
	b.mu.Unlock()

	b.logger.Debug("agent disconnected", zap.String("agent_id", agentID))
}

// IsConnected reports whether the agent has a live connection.
func (b *Bus) IsConnected(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.connections[agentID]
	return ok
}

// UpdateHeartbeat refreshes the liveness timestamp for an agent.
func (b *Bus) UpdateHeartbeat(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.connections[agentID]
	if !ok {
		return apperrors.NotFound("connection", agentID)
	}
	conn.lastHeartbeat = b.clock.Now()
	return nil
}

// Send delivers a directed message. Connected recipients receive it
// synchronously through their handler; others get it queued for the
// sweeper. A delivery failure for one recipient does not stop the rest.
func (b *Bus) Send(ctx context.Context, msg *v1.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now()
	}

	for _, recipient := range msg.To {
		b.deliverTo(ctx, recipient, msg)
	}

	b.mu.Lock()
	b.appendHistoryLocked(msg.From, msg)
	b.mu.Unlock()

	return nil
}

// Broadcast sends a message to every currently connected agent under a
// single message id.
func (b *Bus) Broadcast(ctx context.Context, msg *v1.Message) error {
	if msg == nil {
		return apperrors.Validation("message is required")
	}

	b.mu.RLock()
	recipients := make([]string, 0, len(b.connections))
	for id := range b.connections {
		if id != msg.From {
			recipients = append(recipients, id)
		}
	}
	b.mu.RUnlock()
	sort.Strings(recipients)

	msg.To = recipients
	return b.Send(ctx, msg)
}

// Subscribe registers an agent handler for an event type. Handlers run
// in registration order on publish.
func (b *Bus) Subscribe(eventType, agentID string, handler EventHandler) error {
	if eventType == "" || agentID == "" || handler == nil {
		return apperrors.Validation("event type, agent id and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], &eventSubscriber{
		agentID: agentID,
		handler: handler,
	})
	return nil
}

// Unsubscribe removes an agent's subscription to an event type.
func (b *Bus) Unsubscribe(eventType, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s.agentID != agentID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subscribers, eventType)
	} else {
		b.subscribers[eventType] = kept
	}
}

// Publish delivers an event payload to subscribers in registration
// order. Handler failures are isolated. A derived system message
// addressed to the subscriber set is recorded for durability; with no
// subscribers the publish is a no-op.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, source string) error {
	if eventType == "" {
		return apperrors.Validation("event type is required")
	}

	b.mu.RLock()
	subs := append([]*eventSubscriber(nil), b.subscribers[eventType]...)
	mirror := b.mirror
	b.mu.RUnlock()

	if mirror != nil {
		mirror.MirrorEvent(ctx, eventType, payload, source)
	}

	if len(subs) == 0 {
		return nil
	}

	for _, sub := range subs {
		b.invokeEventHandler(ctx, eventType, sub, payload)
	}

	recipients := make([]string, 0, len(subs))
	seenAgents := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if !seenAgents[sub.agentID] {
			seenAgents[sub.agentID] = true
			recipients = append(recipients, sub.agentID)
		}
	}

	if source == "" {
		source = "system"
	}
	derived := &v1.Message{
		ID:        b.ids.NewID(),
		From:      source,
		To:        recipients,
		Type:      v1.MessageTypeSystem,
		Timestamp: b.clock.Now(),
		Content: map[string]any{
			"kind":    "domain-event",
			"event":   eventType,
			"payload": payload,
		},
	}

	// The derived message is the durable record of the event: it goes
	// into every subscriber's history up front, connected or not. Send
	// then handles live delivery and offline queueing; the id dedup
	// keeps each history at one entry.
	b.mu.Lock()
	for _, recipient := range recipients {
		b.appendHistoryLocked(recipient, derived)
	}
	b.mu.Unlock()

	return b.Send(ctx, derived)
}

// invokeEventHandler runs one subscriber handler with panic isolation.
func (b *Bus) invokeEventHandler(ctx context.Context, eventType string, sub *eventSubscriber, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panic",
				zap.String("event", eventType),
				zap.String("agent_id", sub.agentID),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ctx, eventType, payload)
}

// QueueSize returns the offline queue depth for one agent, or the total
// across all agents when agentID is empty.
func (b *Bus) QueueSize(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if agentID != "" {
		return len(b.queues[agentID])
	}
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

// MarkNotificationRead records that an agent has read a notification message.
func (b *Bus) MarkNotificationRead(messageID, agentID string) error {
	if messageID == "" || agentID == "" {
		return apperrors.Validation("message id and agent id are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notifRead[messageID] == nil {
		b.notifRead[messageID] = make(map[string]bool)
	}
	b.notifRead[messageID][agentID] = true
	return nil
}

// IsNotificationRead reports the read state of a notification for an agent.
func (b *Bus) IsNotificationRead(messageID, agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notifRead[messageID][agentID]
}

// Search finds messages whose type, sender, or content match the query.
// When agentID is set, only that agent's history is searched. Results
// are cached for the configured TTL.
func (b *Bus) Search(query, agentID string) []*v1.Message {
	b.mu.RLock()
	cacheKey := fmt.Sprintf("%d|%s|%s", b.historyVer, agentID, query)
	if cached, ok := b.searchCache.Get(cacheKey); ok {
		b.mu.RUnlock()
		return cached.([]*v1.Message)
	}

	var pool []*v1.Message
	if agentID != "" {
		pool = b.history[agentID]
	} else {
		dedup := make(map[string]*v1.Message)
		for _, msgs := range b.history {
			for _, m := range msgs {
				dedup[m.ID] = m
			}
		}
		for _, m := range dedup {
			pool = append(pool, m)
		}
	}

	needle := strings.ToLower(query)
	var results []*v1.Message
	for _, m := range pool {
		if messageMatches(m, needle) {
			results = append(results, m)
		}
	}
	b.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	b.searchCache.SetDefault(cacheKey, results)
	return results
}

// History returns messages exchanged between two agents, oldest first,
// capped at limit (0 means no cap).
func (b *Bus) History(agentA, agentB string, limit int) []*v1.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var results []*v1.Message
	for _, m := range b.history[agentA] {
		if m.From == agentB || containsString(m.To, agentB) {
			results = append(results, m)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results
}

// HistoryFor returns the full history log for one agent, oldest first.
func (b *Bus) HistoryFor(agentID string) []*v1.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*v1.Message(nil), b.history[agentID]...)
}

// Statistics returns a snapshot of bus state.
func (b *Bus) Statistics() Statistics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Statistics{ConnectedAgents: len(b.connections)}
	for _, q := range b.queues {
		stats.QueuedMessages += len(q)
	}
	for _, subs := range b.subscribers {
		stats.Subscriptions += len(subs)
	}
	for _, h := range b.history {
		stats.HistorySize += len(h)
	}
	return stats
}

// deliverTo delivers a message to a single recipient, or queues it when
// the recipient is not connected.
func (b *Bus) deliverTo(ctx context.Context, recipient string, msg *v1.Message) {
	b.mu.Lock()
	conn, connected := b.connections[recipient]
	if !connected {
		b.enqueueOfflineLocked(recipient, msg)
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(recipient, msg)
	handler := conn.handler
	b.mu.Unlock()

	if handler == nil {
		return
	}
	if err := b.safeDeliver(ctx, handler, msg); err != nil {
		b.logger.Warn("message delivery failed",
			zap.String("message_id", msg.ID),
			zap.String("recipient", recipient),
			zap.Error(err))
	}
}

// safeDeliver invokes a message handler with panic isolation.
func (b *Bus) safeDeliver(ctx context.Context, handler MessageHandler, msg *v1.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// enqueueOfflineLocked appends to the bounded offline queue, dropping
// the oldest entry on overflow. Caller holds b.mu.
func (b *Bus) enqueueOfflineLocked(agentID string, msg *v1.Message) {
	q := b.queues[agentID]
	if len(q) >= b.cfg.QueueSize {
		dropped := q[0]
		q = q[1:]
		b.logger.Warn("offline queue overflow, dropping oldest",
			zap.String("agent_id", agentID),
			zap.String("dropped_id", dropped.ID))
	}
	b.queues[agentID] = append(q, msg)
}

// appendHistoryLocked appends a message to an agent's history log,
// keeping the log ordered by timestamp and deduplicated by id.
// Caller holds b.mu.
func (b *Bus) appendHistoryLocked(agentID string, msg *v1.Message) {
	if agentID == "" {
		return
	}
	if b.seen[agentID] == nil {
		b.seen[agentID] = make(map[string]bool)
	}
	if b.seen[agentID][msg.ID] {
		return
	}
	b.seen[agentID][msg.ID] = true

	log := b.history[agentID]
	// Insert from the back; messages almost always arrive in order.
	idx := len(log)
	for idx > 0 && log[idx-1].Timestamp.After(msg.Timestamp) {
		idx--
	}
	log = append(log, nil)
	copy(log[idx+1:], log[idx:])
	log[idx] = msg
	b.history[agentID] = log
	b.historyVer++
}

// removeSubscriberLocked unsubscribes an agent from every event type.
// Caller holds b.mu.
func (b *Bus) removeSubscriberLocked(agentID string) {
	for eventType, subs := range b.subscribers {
		kept := subs[:0]
		for _, s := range subs {
			if s.agentID != agentID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subscribers, eventType)
		} else {
			b.subscribers[eventType] = kept
		}
	}
}

// queueSweepLoop re-attempts delivery of queued messages on a cadence.
func (b *Bus) queueSweepLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepQueues(ctx)
		}
	}
}

// sweepQueues flushes offline queues for agents that have reconnected.
func (b *Bus) sweepQueues(ctx context.Context) {
	b.mu.Lock()
	pending := make(map[string][]*v1.Message)
	for agentID, q := range b.queues {
		if _, connected := b.connections[agentID]; connected && len(q) > 0 {
			pending[agentID] = q
			delete(b.queues, agentID)
		}
	}
	b.mu.Unlock()

	for agentID, msgs := range pending {
		for _, msg := range msgs {
			b.deliverTo(ctx, agentID, msg)
		}
		b.logger.Debug("flushed offline queue",
			zap.String("agent_id", agentID),
			zap.Int("messages", len(msgs)))
	}
}

// heartbeatSweepLoop disconnects agents whose heartbeat has gone stale.
func (b *Bus) heartbeatSweepLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(time.Duration(b.cfg.HeartbeatSweep) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepHeartbeats(ctx)
		}
	}
}

// sweepHeartbeats removes connections whose heartbeat age strictly
// exceeds the timeout; at exactly the timeout the agent stays connected.
func (b *Bus) sweepHeartbeats(ctx context.Context) {
	now := b.clock.Now()

	b.mu.Lock()
	var stale []string
	for agentID, conn := range b.connections {
		if now.Sub(conn.lastHeartbeat) > b.heartbeatTimeout {
			stale = append(stale, agentID)
		}
	}
	for _, agentID := range stale {
		delete(b.connections, agentID)
		b.removeSubscriberLocked(agentID)
	}
	b.mu.Unlock()

	for _, agentID := range stale {
		b.logger.Warn("heartbeat timeout, agent disconnected", zap.String("agent_id", agentID))
		if err := b.Publish(ctx, v1.EventAgentDestroyed, map[string]any{
			"agent_id": agentID,
			"reason":   "heartbeat_timeout",
		}, "message-bus"); err != nil {
			b.logger.Error("failed to publish heartbeat timeout event", zap.Error(err))
		}
	}
}

// validateMessage checks required fields before any state change.
func validateMessage(msg *v1.Message) error {
	if msg == nil {
		return apperrors.Validation("message is required")
	}
	if msg.ID == "" {
		return apperrors.Validation("message id is required")
	}
	if msg.From == "" {
		return apperrors.Validation("message sender is required")
	}
	if len(msg.To) == 0 {
		return apperrors.Validation("message recipient is required")
	}
	if !msg.Type.Valid() {
		return apperrors.Validationf("invalid message type %q", msg.Type)
	}
	return nil
}

func messageMatches(m *v1.Message, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(string(m.Type)), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(m.From), needle) {
		return true
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(content)), needle)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
