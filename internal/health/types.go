package health

import "time"

// Metrics summarizes recent probe outcomes for one agent.
type Metrics struct {
	AgentID              string        `json:"agent_id"`
	Healthy              bool          `json:"healthy"`
	LastCheck            time.Time     `json:"last_check"`
	LastResponseTime     time.Duration `json:"last_response_time"`
	ErrorCount           int           `json:"error_count"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	RegisteredAt         time.Time     `json:"registered_at"`
	Uptime               time.Duration `json:"uptime"`
	HealthScore          int           `json:"health_score"` // 0-100
	LastError            string        `json:"last_error,omitempty"`
}

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType classifies an alert.
type AlertType string

const (
	AlertHealthDegraded       AlertType = "health_degraded"
	AlertAgentUnresponsive    AlertType = "agent_unresponsive"
	AlertHighErrorRate        AlertType = "high_error_rate"
	AlertPerformanceDegraded  AlertType = "performance_degraded"
	AlertRecoveryFailed       AlertType = "recovery_failed"
	AlertAgentOffline         AlertType = "agent_offline"
)

// Alert is one raised health incident.
type Alert struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
	Resolved  bool          `json:"resolved"`
}

// RecoveryAction names a rung of the recovery ladder.
type RecoveryAction string

const (
	RecoveryRestart  RecoveryAction = "restart"
	RecoveryReset    RecoveryAction = "reset"
	RecoveryReplace  RecoveryAction = "replace"
	RecoveryEscalate RecoveryAction = "escalate"
)
