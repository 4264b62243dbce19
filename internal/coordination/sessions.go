package coordination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// SessionStatus is a collaboration session's lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is a collaboration between agents over a set of shared files.
// A session ends when its participant set empties.
type Session struct {
	ID           string        `json:"id"`
	Participants []string      `json:"participants"`
	SharedFiles  []string      `json:"shared_files,omitempty"`
	Channel      string        `json:"channel"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Participants = append([]string(nil), s.Participants...)
	cp.SharedFiles = append([]string(nil), s.SharedFiles...)
	return &cp
}

// StartSession opens a collaboration session. Every participant must
// exist in the registry; active sessions are capped.
func (m *Manager) StartSession(ctx context.Context, participants []string, sharedFiles []string) (*Session, error) {
	if len(participants) == 0 {
		return nil, apperrors.Validation("session requires at least one participant")
	}

	m.mu.Lock()
	active := 0
	for _, s := range m.sessions {
		if s.Status == SessionActive {
			active++
		}
	}
	if m.cfg.MaxConcurrentSessions > 0 && active >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, apperrors.Capacity(fmt.Sprintf("max concurrent sessions reached (%d)", m.cfg.MaxConcurrentSessions))
	}
	for _, agentID := range participants {
		if _, ok := m.agents[agentID]; !ok {
			m.mu.Unlock()
			return nil, apperrors.NotFound("agent", agentID)
		}
	}

	session := &Session{
		ID:           m.ids.NewID(),
		Participants: append([]string(nil), participants...),
		SharedFiles:  append([]string(nil), sharedFiles...),
		Status:       SessionActive,
		StartedAt:    m.clock.Now(),
	}
	session.Channel = "collab-" + session.ID
	m.sessions[session.ID] = session
	snapshot := cloneSession(session)
	m.mu.Unlock()

	m.logger.Info("collaboration session started",
		zap.String("session_id", session.ID),
		zap.Strings("participants", participants))
	m.publish(ctx, v1.EventCollaborationStarted, map[string]any{
		"session_id":   snapshot.ID,
		"participants": snapshot.Participants,
		"channel":      snapshot.Channel,
	})
	m.queueSync(map[string]any{
		"event":      v1.EventCollaborationStarted,
		"session_id": snapshot.ID,
	})
	return snapshot, nil
}

// GetSession returns a session by id.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return cloneSession(session), nil
}

// Sessions lists sessions, optionally only active ones.
func (m *Manager) Sessions(activeOnly bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if activeOnly && s.Status != SessionActive {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out
}

// JoinSession adds an agent to an active session.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", sessionID)
	}
	if session.Status != SessionActive {
		m.mu.Unlock()
		return apperrors.Validationf("session %s has ended", sessionID)
	}
	if _, ok := m.agents[agentID]; !ok {
		m.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	for _, p := range session.Participants {
		if p == agentID {
			m.mu.Unlock()
			return nil
		}
	}
	session.Participants = append(session.Participants, agentID)
	m.mu.Unlock()

	m.publish(ctx, v1.EventCollaborationJoined, map[string]any{
		"session_id": sessionID,
		"agent_id":   agentID,
	})
	return nil
}

// LeaveSession removes an agent from a session. The session ends when
// its participant set empties.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, agentID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", sessionID)
	}
	found := false
	remaining := session.Participants[:0]
	for _, p := range session.Participants {
		if p == agentID {
			found = true
			continue
		}
		remaining = append(remaining, p)
	}
	if !found {
		m.mu.Unlock()
		return apperrors.NotFound("participant", agentID)
	}
	session.Participants = remaining
	emptied := len(session.Participants) == 0
	if emptied {
		m.endSessionLocked(session)
	}
	m.mu.Unlock()

	m.publish(ctx, v1.EventCollaborationLeft, map[string]any{
		"session_id": sessionID,
		"agent_id":   agentID,
	})
	if emptied {
		m.publishSessionEnded(ctx, sessionID)
	}
	return nil
}

// EndSession ends a session explicitly regardless of participants.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("session", sessionID)
	}
	alreadyEnded := session.Status != SessionActive
	if !alreadyEnded {
		m.endSessionLocked(session)
	}
	m.mu.Unlock()

	if !alreadyEnded {
		m.publishSessionEnded(ctx, sessionID)
	}
	return nil
}

// leaveAllSessionsLocked removes an agent from every session it is in,
// ending any that empty. Returns the ids of sessions that ended.
func (m *Manager) leaveAllSessionsLocked(agentID string) []string {
	var ended []string
	for _, session := range m.sessions {
		if session.Status != SessionActive {
			continue
		}
		remaining := session.Participants[:0]
		found := false
		for _, p := range session.Participants {
			if p == agentID {
				found = true
				continue
			}
			remaining = append(remaining, p)
		}
		if !found {
			continue
		}
		session.Participants = remaining
		if len(session.Participants) == 0 {
			m.endSessionLocked(session)
			ended = append(ended, session.ID)
		}
	}
	return ended
}

func (m *Manager) endSessionLocked(session *Session) {
	session.Status = SessionCompleted
	now := m.clock.Now()
	session.EndedAt = &now
}

func (m *Manager) publishSessionEnded(ctx context.Context, sessionID string) {
	m.logger.Info("collaboration session ended", zap.String("session_id", sessionID))
	m.publish(ctx, v1.EventCollaborationEnded, map[string]any{"session_id": sessionID})
	m.queueSync(map[string]any{
		"event":      v1.EventCollaborationEnded,
		"session_id": sessionID,
	})
}
