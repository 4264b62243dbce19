package task

import (
	"fmt"
	"strings"
	"time"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// TaskSeed is the shape a decomposition rule emits before the manager
// materializes it into a full task.
type TaskSeed struct {
	Title         string
	Description   string
	Type          string
	Priority      v1.TaskPriority
	EstimatedTime time.Duration
	Files         []string
	Requirements  []string
}

// DecompositionRule pairs a requirement predicate with a seed emitter.
// Rules are registered at startup and evaluated in registration order;
// decomposition is the composition of all matching emitters.
type DecompositionRule struct {
	Name      string
	Matches   func(requirement string) bool
	Emit      func(requirement string) []TaskSeed
}

// keywordRule builds the default rule shape: any of the keywords in the
// requirement text triggers a single-task archetype.
func keywordRule(name, taskType string, priority v1.TaskPriority, estimated time.Duration, fileRoot string, keywords ...string) DecompositionRule {
	return DecompositionRule{
		Name: name,
		Matches: func(requirement string) bool {
			lower := strings.ToLower(requirement)
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					return true
				}
			}
			return false
		},
		Emit: func(requirement string) []TaskSeed {
			return []TaskSeed{{
				Title:         fmt.Sprintf("%s work: %s", name, truncate(requirement, 60)),
				Description:   requirement,
				Type:          taskType,
				Priority:      priority,
				EstimatedTime: estimated,
				Files:         []string{fileRoot},
				Requirements:  []string{requirement},
			}}
		},
	}
}

// DefaultDecompositionRules returns the built-in keyword rules. The
// testing seed's dependency on its non-testing siblings is linked by
// the manager after all rules have run.
func DefaultDecompositionRules() []DecompositionRule {
	return []DecompositionRule{
		keywordRule("frontend", string(v1.AgentTypeFrontend), v1.PriorityHigh, 2*time.Hour,
			"src/components/", "frontend", "ui", "interface", "component", "view"),
		keywordRule("backend", string(v1.AgentTypeBackend), v1.PriorityHigh, 3*time.Hour,
			"src/api/", "backend", "api", "server", "database", "endpoint"),
		keywordRule("testing", string(v1.AgentTypeTesting), v1.PriorityMedium, 90*time.Minute,
			"tests/", "test", "testing", "spec", "coverage"),
		keywordRule("documentation", string(v1.AgentTypeDocumentation), v1.PriorityLow, time.Hour,
			"docs/", "documentation", "docs", "readme", "guide"),
	}
}

// generalSeed is emitted when no rule matches a requirement.
func generalSeed(requirement string) TaskSeed {
	return TaskSeed{
		Title:         fmt.Sprintf("General work: %s", truncate(requirement, 60)),
		Description:   requirement,
		Type:          "general",
		Priority:      v1.PriorityMedium,
		EstimatedTime: 2 * time.Hour,
		Requirements:  []string{requirement},
	}
}

// derivePriority maps scoring signals to the priority enum when the
// caller does not set one. Dependent count contributes up to 2, short
// tasks and wide file fan-out nudge upward.
func derivePriority(hint float64, dependents int, estimated time.Duration, fileCount int) v1.TaskPriority {
	score := hint

	depBonus := float64(dependents) * 0.5
	if depBonus > 2 {
		depBonus = 2
	}
	score += depBonus

	hours := estimated.Hours()
	switch {
	case hours <= 1:
		score += 0.5
	case hours <= 4:
		score += 0.2
	}

	if fileCount > 5 {
		score += 0.3
	}

	switch {
	case score >= 4:
		return v1.PriorityCritical
	case score >= 3:
		return v1.PriorityHigh
	case score >= 2:
		return v1.PriorityMedium
	default:
		return v1.PriorityLow
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
