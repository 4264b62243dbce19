package v1

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Sync envelope types carried over the wire to late joiners and UI clients.
const (
	SyncTypeEvent    = "sync-event"
	SyncTypeFullSync = "full-sync"
)

// Timestamp marshals as ISO-8601 with millisecond precision and accepts
// either ISO-8601 strings or numeric epoch milliseconds on the way in.
type Timestamp struct {
	time.Time
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// NewTimestamp wraps a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON emits ISO-8601 with milliseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(isoMillis))
}

// UnmarshalJSON accepts ISO-8601 strings or epoch milliseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			parsed, perr = time.Parse(isoMillis, s)
		}
		if perr != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, perr)
		}
		t.Time = parsed
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", string(data))
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// SyncEnvelope is the wire format for realtime sync traffic.
// Exactly one of Event or Data is set, selected by Type.
type SyncEnvelope struct {
	Type      string         `json:"type"`
	Event     map[string]any `json:"event,omitempty"`
	Data      *FullSyncData  `json:"data,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
}

// FullSyncData is the full-state snapshot sent to a late joiner.
type FullSyncData struct {
	Agents         []*AgentInfo     `json:"agents"`
	Tasks          []*Task          `json:"tasks"`
	Files          []map[string]any `json:"files"`
	Collaborations []map[string]any `json:"collaborations"`
}
