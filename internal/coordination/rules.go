package coordination

import (
	"context"
	"fmt"

	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// Decision is a rule's verdict on one agent action.
type Decision int

const (
	// DecisionSkip means the rule does not apply to this action.
	DecisionSkip Decision = iota
	DecisionAllow
	DecisionDeny
)

// Rule inspects a proposed agent action. Rules run in registration
// order; the first deny blocks the action.
type Rule interface {
	Name() string
	Evaluate(agent *v1.AgentInfo, action string, actionCtx map[string]any) (Decision, string)
}

// ruleFunc adapts a closure into a Rule.
type ruleFunc struct {
	name string
	fn   func(agent *v1.AgentInfo, action string, actionCtx map[string]any) (Decision, string)
}

func (r ruleFunc) Name() string { return r.name }
func (r ruleFunc) Evaluate(agent *v1.AgentInfo, action string, actionCtx map[string]any) (Decision, string) {
	return r.fn(agent, action, actionCtx)
}

// NewRule builds a Rule from a function.
func NewRule(name string, fn func(agent *v1.AgentInfo, action string, actionCtx map[string]any) (Decision, string)) Rule {
	return ruleFunc{name: name, fn: fn}
}

// defaultRules are the built-in collaboration rules every registry
// starts with.
func defaultRules() []Rule {
	return []Rule{
		NewRule("agent-online", func(agent *v1.AgentInfo, action string, _ map[string]any) (Decision, string) {
			if agent.Status == v1.AgentStatusOffline {
				return DecisionDeny, "agent is offline"
			}
			return DecisionSkip, ""
		}),
		NewRule("task-capacity", func(agent *v1.AgentInfo, action string, _ map[string]any) (Decision, string) {
			if action != "accept_task" {
				return DecisionSkip, ""
			}
			if agent.AtCapacity() {
				return DecisionDeny, fmt.Sprintf("agent at max concurrent tasks (%d)", agent.MaxConcurrentTasks)
			}
			return DecisionAllow, ""
		}),
	}
}

// RegisterRule appends a rule to the evaluation set.
func (m *Manager) RegisterRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// ValidateAgentAction runs the rule set over a proposed action. The
// first deny blocks it; an action no rule denies is allowed. Every
// evaluation emits an observability event.
func (m *Manager) ValidateAgentAction(ctx context.Context, agentID, action string, actionCtx map[string]any) (bool, string) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false, "agent not found"
	}
	info := entry.info.Clone()
	rules := append([]Rule(nil), m.rules...)
	m.mu.Unlock()

	allowed := true
	reason := ""
	matched := ""
	for _, rule := range rules {
		decision, why := rule.Evaluate(info, action, actionCtx)
		if decision == DecisionDeny {
			allowed = false
			reason = why
			matched = rule.Name()
			break
		}
	}

	m.publish(ctx, v1.EventSystemHealthCheck, map[string]any{
		"kind":     "rule_evaluation",
		"agent_id": agentID,
		"action":   action,
		"allowed":  allowed,
		"rule":     matched,
		"reason":   reason,
	})
	return allowed, reason
}
