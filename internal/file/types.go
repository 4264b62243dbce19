package file

import "time"

// LockMode selects lock compatibility for a path.
type LockMode string

const (
	LockModeRead      LockMode = "read"
	LockModeWrite     LockMode = "write"
	LockModeExclusive LockMode = "exclusive"
)

// Valid reports whether the lock mode is known.
func (m LockMode) Valid() bool {
	return m == LockModeRead || m == LockModeWrite || m == LockModeExclusive
}

// Lock is a held file lock. At most one write/exclusive holder per path;
// read locks coexist only with each other.
type Lock struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	AgentID    string    `json:"agent_id"`
	Mode       LockMode  `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ChangeKind classifies a recorded file change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// Region is a contiguous span of changed lines (1-based, inclusive).
type Region struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Analysis holds line-diff results for a modification.
type Analysis struct {
	LinesAdded    int      `json:"lines_added"`
	LinesRemoved  int      `json:"lines_removed"`
	LinesModified int      `json:"lines_modified"`
	Regions       []Region `json:"regions,omitempty"`
	Similarity    float64  `json:"similarity"` // Jaccard similarity of line multisets
}

// Change is one entry in a path's change history ring.
type Change struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	AgentID   string     `json:"agent_id"`
	Kind      ChangeKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Analysis  *Analysis  `json:"analysis,omitempty"`
}

// Snapshot is a content-hashed copy of a file, ring-buffered per path.
type Snapshot struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   []byte    `json:"content"`
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	ConflictConcurrentModification ConflictKind = "concurrent_modification"
	ConflictLockTimeout            ConflictKind = "lock_timeout"
	ConflictMerge                  ConflictKind = "merge_conflict"
)

// Resolution records how a conflict was settled.
type Resolution struct {
	Strategy      string    `json:"strategy"`
	ResolvedBy    string    `json:"resolved_by"`
	Action        string    `json:"action"`
	SelectedAgent string    `json:"selected_agent,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Conflict is a detected contention incident on a path.
type Conflict struct {
	ID             string       `json:"id"`
	Path           string       `json:"path"`
	Kind           ConflictKind `json:"kind"`
	InvolvedAgents []string     `json:"involved_agents"`
	Description    string       `json:"description"`
	CreatedAt      time.Time    `json:"created_at"`
	Resolved       bool         `json:"resolved"`
	Resolution     *Resolution  `json:"resolution,omitempty"`
}
