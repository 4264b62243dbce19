package v1

// Published event names. Names are stable; payload is a map.
const (
	EventAgentCreated       = "agent:created"
	EventAgentDestroyed     = "agent:destroyed"
	EventAgentStatusChanged = "agent:status_changed"
	EventAgentError         = "agent:error"

	EventTaskCreated   = "task:created"
	EventTaskAssigned  = "task:assigned"
	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"

	EventFileLocked   = "file:locked"
	EventFileUnlocked = "file:unlocked"
	EventFileModified = "file:modified"
	EventFileConflict = "file:conflict"

	EventCollaborationStarted = "collaboration:started"
	EventCollaborationEnded   = "collaboration:ended"
	EventCollaborationJoined  = "collaboration:joined"
	EventCollaborationLeft    = "collaboration:left"

	EventSystemStartup     = "system:startup"
	EventSystemShutdown    = "system:shutdown"
	EventSystemError       = "system:error"
	EventSystemHealthCheck = "system:health_check"
)
