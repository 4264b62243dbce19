package task

import (
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// agentQueue is a priority-ordered insertion list of task ids for one
// agent. Higher priority sorts first; ties keep creation order (FIFO).
// The manager lock guards all access.
type agentQueue struct {
	entries []*v1.Task
}

// Insert places the task before the first entry with strictly lower
// priority, so equal priorities stay in insertion order.
func (q *agentQueue) Insert(t *v1.Task) {
	idx := len(q.entries)
	for i, e := range q.entries {
		if e.Priority < t.Priority {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = t
}

// Remove drops the task with the given id. Returns false when absent.
func (q *agentQueue) Remove(id string) bool {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Reinsert repositions a task after a priority change.
func (q *agentQueue) Reinsert(t *v1.Task) {
	q.Remove(t.ID)
	q.Insert(t)
}

// First returns the first task satisfying pred, or nil.
func (q *agentQueue) First(pred func(*v1.Task) bool) *v1.Task {
	for _, e := range q.entries {
		if pred(e) {
			return e
		}
	}
	return nil
}

// Len returns the queue depth.
func (q *agentQueue) Len() int {
	return len(q.entries)
}

// Tasks returns the queue contents in priority order.
func (q *agentQueue) Tasks() []*v1.Task {
	return append([]*v1.Task(nil), q.entries...)
}
