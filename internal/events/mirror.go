// Package events holds the external event transport glue: kernel
// events published on the message bus are mirrored to subjects on the
// event bus (NATS when configured, in-memory otherwise).
package events

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/events/bus"
)

// SubjectPrefix namespaces all mirrored kernel events.
const SubjectPrefix = "fleet"

// Subject maps a kernel event name to its transport subject.
// Colons are not legal in NATS subjects, so "task:created" becomes
// "fleet.task.created".
func Subject(eventType string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(eventType, ":", ".")
}

// Mirror copies published kernel events onto the event bus.
type Mirror struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewMirror creates an event mirror.
func NewMirror(eventBus bus.EventBus, log *logger.Logger) *Mirror {
	return &Mirror{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "event-mirror")),
	}
}

// MirrorEvent publishes one kernel event to its subject. Delivery
// failures are logged, never surfaced to the publishing component.
func (m *Mirror) MirrorEvent(ctx context.Context, eventType string, payload map[string]any, source string) {
	event := bus.NewEvent(eventType, source, payload)
	if err := m.eventBus.Publish(ctx, Subject(eventType), event); err != nil {
		m.logger.Warn("event mirror publish failed",
			zap.String("event", eventType), zap.Error(err))
	}
}
