package v1

import "time"

// MessageType classifies bus messages.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeEvent        MessageType = "event"
	MessageTypeSystem       MessageType = "system"
	MessageTypeInfo         MessageType = "info"
)

// Valid reports whether the message type is known.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification,
		MessageTypeEvent, MessageTypeSystem, MessageTypeInfo:
		return true
	}
	return false
}

// Message is a directed or broadcast unit on the message bus.
// Content is polymorphic; the "kind" key selects the payload shape
// (sync-event, full-sync, notification, domain-event, opaque).
type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               []string       `json:"to"`
	Type             MessageType    `json:"type"`
	Content          map[string]any `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
}

// IsNotification reports whether the message carries the notification flag.
func (m *Message) IsNotification() bool {
	v, ok := m.Content["is_notification"].(bool)
	return ok && v
}

// Clone returns a shallow copy with its own recipient slice.
func (m *Message) Clone() *Message {
	cp := *m
	cp.To = append([]string(nil), m.To...)
	return &cp
}
