package file

import "time"

// ResolutionStrategy settles a conflict of the kinds it declares.
type ResolutionStrategy interface {
	Name() string
	CanResolve(c *Conflict) bool
	Resolve(c *Conflict, recentChanges []*Change, resolvedBy string, now time.Time) *Resolution
}

func builtinStrategies() []ResolutionStrategy {
	return []ResolutionStrategy{autoMergeStrategy{}, overwriteStrategy{}, manualStrategy{}}
}

// autoMergeStrategy accepts the latest change. Applicable to concurrent
// modification and merge conflicts.
type autoMergeStrategy struct{}

func (autoMergeStrategy) Name() string { return "auto_merge" }

func (autoMergeStrategy) CanResolve(c *Conflict) bool {
	return c.Kind == ConflictConcurrentModification || c.Kind == ConflictMerge
}

func (autoMergeStrategy) Resolve(c *Conflict, recent []*Change, resolvedBy string, now time.Time) *Resolution {
	res := &Resolution{
		Strategy:   "merge",
		ResolvedBy: resolvedBy,
		Action:     "use_latest",
		Timestamp:  now,
	}
	if len(recent) > 0 {
		res.SelectedAgent = recent[len(recent)-1].AgentID
	}
	return res
}

// overwriteStrategy recovers from lock timeouts by letting the next
// writer overwrite.
type overwriteStrategy struct{}

func (overwriteStrategy) Name() string { return "overwrite" }

func (overwriteStrategy) CanResolve(c *Conflict) bool {
	return c.Kind == ConflictLockTimeout
}

func (overwriteStrategy) Resolve(c *Conflict, recent []*Change, resolvedBy string, now time.Time) *Resolution {
	return &Resolution{
		Strategy:   "overwrite",
		ResolvedBy: resolvedBy,
		Action:     "overwrite",
		Timestamp:  now,
	}
}

// manualStrategy is the universal fallback: the conflict is handed to a
// human.
type manualStrategy struct{}

func (manualStrategy) Name() string { return "manual" }

func (manualStrategy) CanResolve(c *Conflict) bool { return true }

func (manualStrategy) Resolve(c *Conflict, recent []*Change, resolvedBy string, now time.Time) *Resolution {
	return &Resolution{
		Strategy:   "manual",
		ResolvedBy: resolvedBy,
		Action:     "pending_human_review",
		Timestamp:  now,
	}
}
