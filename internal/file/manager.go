// Package file implements the file manager: lock arbitration, change
// history with snapshots and line-diff analysis, and conflict detection
// and resolution over a file-store capability.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	v1 "github.com/agentfleet/agentfleet/pkg/api/v1"
)

// detectionWindow is how many recent changes a path's conflict rules see.
const detectionWindow = 10

// EventPublisher is the slice of the message bus the file manager needs.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, source string) error
}

// Manager exclusively owns locks, change records, snapshots, and
// conflicts. All file I/O goes through the injected Store.
type Manager struct {
	cfg    config.FileConfig
	store  Store
	ids    ident.Source
	clock  clock.Clock
	events EventPublisher
	logger *logger.Logger

	mu         sync.Mutex
	locks      map[string][]*Lock // by path
	locksByID  map[string]*Lock
	agentLocks map[string]int // held lock count per agent
	changes    map[string][]*Change
	snapshots  map[string][]*Snapshot
	backups    map[string]*Snapshot
	conflicts  map[string]*Conflict
	strategies []ResolutionStrategy

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a file manager with the built-in resolution
// strategies (auto_merge, overwrite, manual).
func NewManager(cfg config.FileConfig, store Store, ids ident.Source, clk clock.Clock, events EventPublisher, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		ids:        ids,
		clock:      clk,
		events:     events,
		logger:     log.WithFields(zap.String("component", "file-manager")),
		locks:      make(map[string][]*Lock),
		locksByID:  make(map[string]*Lock),
		agentLocks: make(map[string]int),
		changes:    make(map[string][]*Change),
		snapshots:  make(map[string][]*Snapshot),
		backups:    make(map[string]*Snapshot),
		conflicts:  make(map[string]*Conflict),
		strategies: builtinStrategies(),
	}
}

// Start launches the expired-lock sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("file manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.lockSweepLoop(ctx)

	m.logger.Info("file manager started",
		zap.Duration("lock_timeout", m.cfg.LockTimeoutDuration()),
		zap.Int("max_locks_per_agent", m.cfg.MaxLocksPerAgent))
	return nil
}

// Stop stops the sweeper.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("file manager stopped")
}

// RequestLock acquires a lock on a path, failing fast with Busy when the
// requested mode is incompatible with current holders. Each agent is
// capped at MaxLocksPerAgent held locks.
func (m *Manager) RequestLock(ctx context.Context, path, agentID string, mode LockMode) (*Lock, error) {
	if path == "" || agentID == "" {
		return nil, apperrors.Validation("path and agent id are required")
	}
	if !mode.Valid() {
		return nil, apperrors.Validationf("invalid lock mode %q", mode)
	}

	m.mu.Lock()
	if m.agentLocks[agentID] >= m.cfg.MaxLocksPerAgent {
		m.mu.Unlock()
		return nil, apperrors.Capacity(fmt.Sprintf("agent %s already holds %d locks", agentID, m.cfg.MaxLocksPerAgent))
	}

	holders := m.locks[path]
	if !compatible(mode, holders) {
		m.mu.Unlock()
		return nil, apperrors.Busy(fmt.Sprintf("path %s is locked", path))
	}

	now := m.clock.Now()
	lock := &Lock{
		ID:         m.ids.NewID(),
		Path:       path,
		AgentID:    agentID,
		Mode:       mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.LockTimeoutDuration()),
	}
	m.locks[path] = append(holders, lock)
	m.locksByID[lock.ID] = lock
	m.agentLocks[agentID]++
	m.mu.Unlock()

	m.publish(ctx, v1.EventFileLocked, map[string]any{
		"path": path, "agent_id": agentID, "mode": string(mode), "lock_id": lock.ID,
	})
	return cloneLock(lock), nil
}

// ReleaseLock releases a held lock by id.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	m.mu.Lock()
	lock, ok := m.locksByID[lockID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("lock", lockID)
	}
	m.removeLockLocked(lock)
	m.mu.Unlock()

	m.publish(ctx, v1.EventFileUnlocked, map[string]any{
		"path": lock.Path, "agent_id": lock.AgentID, "lock_id": lock.ID,
	})
	return nil
}

// ReleaseAgentLocks releases every lock held by an agent. Used when an
// agent is destroyed.
func (m *Manager) ReleaseAgentLocks(ctx context.Context, agentID string) int {
	m.mu.Lock()
	var released []*Lock
	for _, lock := range m.locksByID {
		if lock.AgentID == agentID {
			released = append(released, lock)
		}
	}
	for _, lock := range released {
		m.removeLockLocked(lock)
	}
	m.mu.Unlock()

	for _, lock := range released {
		m.publish(ctx, v1.EventFileUnlocked, map[string]any{
			"path": lock.Path, "agent_id": agentID, "lock_id": lock.ID,
		})
	}
	return len(released)
}

// IsLocked reports whether any lock is held on the path.
func (m *Manager) IsLocked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks[path]) > 0
}

// Locks returns the current holders on a path.
func (m *Manager) Locks(path string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Lock, 0, len(m.locks[path]))
	for _, l := range m.locks[path] {
		out = append(out, cloneLock(l))
	}
	return out
}

// ActiveLocks returns every held lock across all paths, ordered by path.
func (m *Manager) ActiveLocks() []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.locks))
	for path := range m.locks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var out []*Lock
	for _, path := range paths {
		for _, l := range m.locks[path] {
			out = append(out, cloneLock(l))
		}
	}
	return out
}

// Read returns a file's content.
func (m *Manager) Read(path, agentID string) ([]byte, error) {
	return m.store.Read(path)
}

// Write stores content and records the change. Another agent's
// incompatible lock fails the write with Busy.
func (m *Manager) Write(ctx context.Context, path string, content []byte, agentID string) error {
	if path == "" || agentID == "" {
		return apperrors.Validation("path and agent id are required")
	}
	if err := m.checkWriteAccess(path, agentID); err != nil {
		return err
	}

	previous, readErr := m.store.Read(path)
	existed := readErr == nil

	if err := m.store.Write(path, content); err != nil {
		return err
	}

	kind := ChangeCreated
	if existed {
		kind = ChangeModified
	}
	m.recordChange(ctx, path, agentID, kind, previous, content)
	return nil
}

// Delete removes a file and records the change.
func (m *Manager) Delete(ctx context.Context, path, agentID string) error {
	if err := m.checkWriteAccess(path, agentID); err != nil {
		return err
	}
	if err := m.store.Delete(path); err != nil {
		return err
	}
	m.recordChange(ctx, path, agentID, ChangeDeleted, nil, nil)
	return nil
}

// Move renames a file and records the change against the destination.
func (m *Manager) Move(ctx context.Context, src, dst, agentID string) error {
	if err := m.checkWriteAccess(src, agentID); err != nil {
		return err
	}
	if err := m.checkWriteAccess(dst, agentID); err != nil {
		return err
	}
	if err := m.store.Rename(src, dst); err != nil {
		return err
	}
	m.recordChange(ctx, dst, agentID, ChangeRenamed, nil, nil)
	return nil
}

// Mkdir creates a directory.
func (m *Manager) Mkdir(path, agentID string) error {
	return m.store.Mkdir(path)
}

// Watch registers a handler for store events under path.
func (m *Manager) Watch(path string, handler func(WatchEvent)) (func(), error) {
	return m.store.Watch(path, handler)
}

// Backup stores a restore point for a path.
func (m *Manager) Backup(path, agentID string) error {
	content, err := m.store.Read(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.backups[path] = m.newSnapshotLocked(path, agentID, content)
	m.mu.Unlock()
	return nil
}

// Restore writes the backed-up content for a path back to the store.
func (m *Manager) Restore(ctx context.Context, path, agentID string) error {
	m.mu.Lock()
	backup, ok := m.backups[path]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("backup", path)
	}
	return m.Write(ctx, path, backup.Content, agentID)
}

// History returns the change records for a path, oldest first.
func (m *Manager) History(path string) []*Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Change(nil), m.changes[path]...)
}

// Snapshots returns the snapshot ring for a path, oldest first.
func (m *Manager) Snapshots(path string) []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Snapshot(nil), m.snapshots[path]...)
}

// Conflicts returns all conflicts, optionally only unresolved ones.
func (m *Manager) Conflicts(unresolvedOnly bool) []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conflict
	for _, c := range m.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	return out
}

// DetectConflicts evaluates the detection rules over the recent change
// window for a path and records any new conflict.
func (m *Manager) DetectConflicts(ctx context.Context, path string) []*Conflict {
	m.mu.Lock()
	conflict := m.detectLocked(path)
	m.mu.Unlock()

	if conflict == nil {
		return nil
	}
	m.publish(ctx, v1.EventFileConflict, map[string]any{
		"conflict_id": conflict.ID,
		"path":        conflict.Path,
		"kind":        string(conflict.Kind),
		"agents":      conflict.InvolvedAgents,
	})
	return []*Conflict{conflict}
}

// ResolveConflict applies a named strategy to a conflict, recording the
// resolution and flipping the resolved flag.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID, strategyName, resolvedBy string) (*Resolution, error) {
	m.mu.Lock()
	conflict, ok := m.conflicts[conflictID]
	if !ok {
		m.mu.Unlock()
		return nil, apperrors.NotFound("conflict", conflictID)
	}
	if conflict.Resolved {
		m.mu.Unlock()
		return nil, apperrors.Validationf("conflict %s is already resolved", conflictID)
	}

	var strategy ResolutionStrategy
	for _, s := range m.strategies {
		if s.Name() == strategyName {
			strategy = s
			break
		}
	}
	if strategy == nil {
		m.mu.Unlock()
		return nil, apperrors.NotFound("resolution strategy", strategyName)
	}
	if !strategy.CanResolve(conflict) {
		m.mu.Unlock()
		return nil, apperrors.Validationf("strategy %s cannot resolve %s conflicts", strategyName, conflict.Kind)
	}

	resolution := strategy.Resolve(conflict, m.recentChangesLocked(conflict.Path), resolvedBy, m.clock.Now())
	conflict.Resolved = true
	conflict.Resolution = resolution
	m.mu.Unlock()

	m.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("strategy", resolution.Strategy),
		zap.String("action", resolution.Action))
	return resolution, nil
}

// RegisterStrategy adds a resolution strategy.
func (m *Manager) RegisterStrategy(s ResolutionStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = append(m.strategies, s)
}

// checkWriteAccess fails with Busy when another agent holds a lock that
// excludes this agent from writing the path.
func (m *Manager) checkWriteAccess(path, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lock := range m.locks[path] {
		if lock.AgentID != agentID {
			return apperrors.Busy(fmt.Sprintf("path %s is locked by agent %s", path, lock.AgentID))
		}
	}
	return nil
}

// recordChange appends to the per-path change ring, runs change
// analysis for modifications, snapshots the new content, and runs
// conflict detection.
func (m *Manager) recordChange(ctx context.Context, path, agentID string, kind ChangeKind, previous, current []byte) {
	m.mu.Lock()
	change := &Change{
		ID:        m.ids.NewID(),
		Path:      path,
		AgentID:   agentID,
		Kind:      kind,
		Timestamp: m.clock.Now(),
	}
	if kind == ChangeModified && previous != nil {
		change.Analysis = analyzeChange(previous, current)
	}

	ring := append(m.changes[path], change)
	if len(ring) > m.cfg.ChangeHistory {
		ring = ring[len(ring)-m.cfg.ChangeHistory:]
	}
	m.changes[path] = ring

	if kind == ChangeCreated || kind == ChangeModified {
		snaps := append(m.snapshots[path], m.newSnapshotLocked(path, agentID, current))
		if len(snaps) > m.cfg.SnapshotDepth {
			snaps = snaps[len(snaps)-m.cfg.SnapshotDepth:]
		}
		m.snapshots[path] = snaps
	}
	conflict := m.detectLocked(path)
	m.mu.Unlock()

	m.publish(ctx, v1.EventFileModified, map[string]any{
		"path": path, "agent_id": agentID, "kind": string(kind),
	})
	if conflict != nil {
		m.publish(ctx, v1.EventFileConflict, map[string]any{
			"conflict_id": conflict.ID,
			"path":        conflict.Path,
			"kind":        string(conflict.Kind),
			"agents":      conflict.InvolvedAgents,
		})
	}
}

func (m *Manager) newSnapshotLocked(path, agentID string, content []byte) *Snapshot {
	sum := sha256.Sum256(content)
	return &Snapshot{
		ID:        m.ids.NewID(),
		Path:      path,
		Content:   append([]byte(nil), content...),
		Hash:      hex.EncodeToString(sum[:]),
		Size:      len(content),
		AgentID:   agentID,
		Timestamp: m.clock.Now(),
	}
}

func (m *Manager) recentChangesLocked(path string) []*Change {
	ring := m.changes[path]
	if len(ring) > detectionWindow {
		ring = ring[len(ring)-detectionWindow:]
	}
	return ring
}

// detectLocked runs the priority-ordered rule set over the recent
// change window. Windows are measured back from the newest change so
// the ladder stays disjoint: a sub-second burst of three other-agent
// changes reads as a lock timeout, one or two other-agent modifies
// inside 5s as concurrent modification, and an older overlap inside
// 10s as a merge conflict. At most one unresolved conflict per path
// and kind is kept. Caller holds m.mu.
func (m *Manager) detectLocked(path string) *Conflict {
	window := m.recentChangesLocked(path)
	if len(window) < 2 {
		return nil
	}
	latest := window[len(window)-1]

	var burst, recentMods, olderMods []*Change
	agents := map[string]bool{latest.AgentID: true}
	for _, c := range window[:len(window)-1] {
		if c.AgentID == latest.AgentID {
			continue
		}
		age := latest.Timestamp.Sub(c.Timestamp)
		if age <= time.Second {
			burst = append(burst, c)
		}
		if c.Kind != ChangeModified {
			continue
		}
		switch {
		case age <= 5*time.Second:
			recentMods = append(recentMods, c)
		case age <= 10*time.Second:
			olderMods = append(olderMods, c)
		}
	}

	var kind ConflictKind
	var involved []*Change
	switch {
	case len(burst) >= 3:
		kind = ConflictLockTimeout
		involved = burst
	case len(recentMods) >= 1 && len(recentMods) <= 2 && latest.Kind == ChangeModified:
		kind = ConflictConcurrentModification
		involved = recentMods
	case len(olderMods) >= 1 && latest.Kind == ChangeModified:
		kind = ConflictMerge
		involved = olderMods
	default:
		return nil
	}

	for _, c := range involved {
		agents[c.AgentID] = true
	}
	for _, existing := range m.conflicts {
		if existing.Path == path && existing.Kind == kind && !existing.Resolved {
			return nil
		}
	}

	conflict := &Conflict{
		ID:             m.ids.NewID(),
		Path:           path,
		Kind:           kind,
		InvolvedAgents: keysSorted(agents),
		Description:    fmt.Sprintf("%s detected on %s", kind, path),
		CreatedAt:      m.clock.Now(),
	}
	m.conflicts[conflict.ID] = conflict
	return conflict
}

// removeLockLocked drops a lock from all indexes. Caller holds m.mu.
func (m *Manager) removeLockLocked(lock *Lock) {
	holders := m.locks[lock.Path]
	for i, l := range holders {
		if l.ID == lock.ID {
			holders = append(holders[:i], holders[i+1:]...)
			break
		}
	}
	if len(holders) == 0 {
		delete(m.locks, lock.Path)
	} else {
		m.locks[lock.Path] = holders
	}
	delete(m.locksByID, lock.ID)
	if m.agentLocks[lock.AgentID] > 0 {
		m.agentLocks[lock.AgentID]--
	}
}

// lockSweepLoop releases expired locks on a cadence, recording a
// lock_timeout conflict naming the last holder.
func (m *Manager) lockSweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpiredLocks(ctx)
		}
	}
}

// SweepExpiredLocks releases every lock past its expiry and records a
// lock_timeout conflict per path. Exposed for deterministic tests.
func (m *Manager) SweepExpiredLocks(ctx context.Context) int {
	return m.sweepExpiredLocks(ctx)
}

func (m *Manager) sweepExpiredLocks(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []*Lock
	for _, lock := range m.locksByID {
		if now.After(lock.ExpiresAt) {
			expired = append(expired, lock)
		}
	}
	for _, lock := range expired {
		m.removeLockLocked(lock)
		conflict := &Conflict{
			ID:             m.ids.NewID(),
			Path:           lock.Path,
			Kind:           ConflictLockTimeout,
			InvolvedAgents: []string{lock.AgentID},
			Description:    fmt.Sprintf("lock on %s held by %s expired", lock.Path, lock.AgentID),
			CreatedAt:      now,
		}
		m.conflicts[conflict.ID] = conflict
	}
	m.mu.Unlock()

	for _, lock := range expired {
		m.logger.Warn("expired lock released",
			zap.String("path", lock.Path),
			zap.String("agent_id", lock.AgentID))
		m.publish(ctx, v1.EventFileUnlocked, map[string]any{
			"path": lock.Path, "agent_id": lock.AgentID, "lock_id": lock.ID, "expired": true,
		})
	}
	return len(expired)
}

func (m *Manager) publish(ctx context.Context, eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, eventType, payload, "file-manager"); err != nil {
		m.logger.Warn("failed to publish file event",
			zap.String("event", eventType), zap.Error(err))
	}
}

// compatible reports whether a requested mode can join the current
// holders: reads coexist only with reads, writers exclude everyone.
func compatible(mode LockMode, holders []*Lock) bool {
	if len(holders) == 0 {
		return true
	}
	if mode != LockModeRead {
		return false
	}
	for _, l := range holders {
		if l.Mode != LockModeRead {
			return false
		}
	}
	return true
}

func cloneLock(l *Lock) *Lock {
	cp := *l
	return &cp
}

func keysSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
