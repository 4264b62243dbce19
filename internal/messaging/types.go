package messaging

import (
	"context"
	"time"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// MessageHandler receives directed messages for a connected agent.
type MessageHandler func(ctx context.Context, msg *v1.Message) error

// EventHandler receives published events for a subscribed agent.
type EventHandler func(ctx context.Context, event string, payload map[string]any)

// connection tracks a connected agent.
type connection struct {
	agentID       string
	handler       MessageHandler
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// eventSubscriber is one entry in an event type's insertion-ordered
// subscriber list.
type eventSubscriber struct {
	agentID string
	handler EventHandler
}

// Statistics summarizes bus state for the status endpoints.
type Statistics struct {
	ConnectedAgents int `json:"connected_agents"`
	QueuedMessages  int `json:"queued_messages"`
	Subscriptions   int `json:"subscriptions"`
	HistorySize     int `json:"history_size"`
}
