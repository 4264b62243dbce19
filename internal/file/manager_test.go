package file

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/agentfleet/internal/common/clock"
	"github.com/agentfleet/agentfleet/internal/common/config"
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
	"github.com/agentfleet/agentfleet/internal/common/ident"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

func testFileConfig() config.FileConfig {
	return config.FileConfig{
		LockTimeout:      300,
		MaxLocksPerAgent: 5,
		BackupRetention:  604800,
		ChangeHistory:    100,
		SnapshotDepth:    10,
		SweepInterval:    10,
	}
}

func setupFileManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(testFileConfig(), NewMemoryStore(), ident.New(), clk, nil, log), clk
}

func TestWriteLockContention(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	lock, err := m.RequestLock(ctx, "src/foo.ts", "alpha", LockModeWrite)
	require.NoError(t, err)

	_, err = m.RequestLock(ctx, "src/foo.ts", "beta", LockModeWrite)
	assert.True(t, apperrors.IsBusy(err), "second writer must get Busy")

	require.NoError(t, m.ReleaseLock(ctx, lock.ID))
	assert.False(t, m.IsLocked("src/foo.ts"))

	_, err = m.RequestLock(ctx, "src/foo.ts", "beta", LockModeWrite)
	assert.NoError(t, err, "retry after release must succeed")
}

func TestReadLocksCoexist(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	_, err := m.RequestLock(ctx, "a.go", "alpha", LockModeRead)
	require.NoError(t, err)
	_, err = m.RequestLock(ctx, "a.go", "beta", LockModeRead)
	require.NoError(t, err)

	_, err = m.RequestLock(ctx, "a.go", "gamma", LockModeWrite)
	assert.True(t, apperrors.IsBusy(err), "writer must not join readers")

	_, err = m.RequestLock(ctx, "a.go", "gamma", LockModeExclusive)
	assert.True(t, apperrors.IsBusy(err))
}

func TestPerAgentLockCap(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.RequestLock(ctx, fmt.Sprintf("f%d.go", i), "alpha", LockModeWrite)
		require.NoError(t, err)
	}
	_, err := m.RequestLock(ctx, "f5.go", "alpha", LockModeWrite)
	assert.True(t, apperrors.IsCapacity(err))
}

func TestLockRoundTrip(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	lock, err := m.RequestLock(ctx, "x.go", "alpha", LockModeExclusive)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseLock(ctx, lock.ID))
	assert.False(t, m.IsLocked("x.go"))

	err = m.ReleaseLock(ctx, lock.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExpiredLockSweep(t *testing.T) {
	m, clk := setupFileManager(t)
	ctx := context.Background()

	_, err := m.RequestLock(ctx, "x.go", "alpha", LockModeWrite)
	require.NoError(t, err)

	clk.Advance(301 * time.Second)
	released := m.SweepExpiredLocks(ctx)
	assert.Equal(t, 1, released)
	assert.False(t, m.IsLocked("x.go"))

	conflicts := m.Conflicts(true)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictLockTimeout, conflicts[0].Kind)
	assert.Equal(t, []string{"alpha"}, conflicts[0].InvolvedAgents)
}

func TestWriteBlockedByOtherAgentsLock(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	_, err := m.RequestLock(ctx, "x.go", "alpha", LockModeWrite)
	require.NoError(t, err)

	err = m.Write(ctx, "x.go", []byte("content"), "beta")
	assert.True(t, apperrors.IsBusy(err))

	assert.NoError(t, m.Write(ctx, "x.go", []byte("content"), "alpha"))
}

func TestWriteRecordsChangeAndSnapshot(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "x.go", []byte("v1\n"), "alpha"))
	require.NoError(t, m.Write(ctx, "x.go", []byte("v2\n"), "alpha"))

	history := m.History("x.go")
	require.Len(t, history, 2)
	assert.Equal(t, ChangeCreated, history[0].Kind)
	assert.Equal(t, ChangeModified, history[1].Kind)
	require.NotNil(t, history[1].Analysis)
	assert.Equal(t, 1, history[1].Analysis.LinesModified)

	snaps := m.Snapshots("x.go")
	require.Len(t, snaps, 2)
	assert.NotEqual(t, snaps[0].Hash, snaps[1].Hash)
	assert.Equal(t, 3, snaps[1].Size)
}

func TestSnapshotRingDepth(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, m.Write(ctx, "x.go", []byte(fmt.Sprintf("rev %d\n", i)), "alpha"))
	}
	assert.Len(t, m.Snapshots("x.go"), 10)
}

func TestConcurrentModificationConflict(t *testing.T) {
	m, clk := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "src/shared.ts", []byte("base\n"), "alpha"))
	clk.Advance(time.Minute)

	require.NoError(t, m.Write(ctx, "src/shared.ts", []byte("alpha change\n"), "alpha"))
	clk.Advance(3 * time.Second)
	require.NoError(t, m.Write(ctx, "src/shared.ts", []byte("beta change\n"), "beta"))

	conflicts := m.Conflicts(true)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, ConflictConcurrentModification, c.Kind)
	assert.Equal(t, []string{"alpha", "beta"}, c.InvolvedAgents)

	res, err := m.ResolveConflict(ctx, c.ID, "auto_merge", "coordinator")
	require.NoError(t, err)
	assert.Equal(t, "merge", res.Strategy)
	assert.Equal(t, "use_latest", res.Action)
	assert.Equal(t, "beta", res.SelectedAgent, "later writer wins")

	assert.Empty(t, m.Conflicts(true))
}

func TestMergeConflictForOlderOverlap(t *testing.T) {
	m, clk := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "x.go", []byte("base\n"), "alpha"))
	clk.Advance(time.Minute)

	require.NoError(t, m.Write(ctx, "x.go", []byte("alpha\n"), "alpha"))
	clk.Advance(8 * time.Second)
	require.NoError(t, m.Write(ctx, "x.go", []byte("beta\n"), "beta"))

	conflicts := m.Conflicts(true)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictMerge, conflicts[0].Kind)
}

func TestNoConflictOutsideWindow(t *testing.T) {
	m, clk := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "x.go", []byte("base\n"), "alpha"))
	clk.Advance(time.Minute)
	require.NoError(t, m.Write(ctx, "x.go", []byte("alpha\n"), "alpha"))
	clk.Advance(time.Minute)
	require.NoError(t, m.Write(ctx, "x.go", []byte("beta\n"), "beta"))

	assert.Empty(t, m.Conflicts(true))
}

func TestResolveConflictStrategyApplicability(t *testing.T) {
	m, clk := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "x.go", []byte("base\n"), "alpha"))
	clk.Advance(time.Minute)
	require.NoError(t, m.Write(ctx, "x.go", []byte("a\n"), "alpha"))
	clk.Advance(2 * time.Second)
	require.NoError(t, m.Write(ctx, "x.go", []byte("b\n"), "beta"))

	conflicts := m.Conflicts(true)
	require.Len(t, conflicts, 1)

	_, err := m.ResolveConflict(ctx, conflicts[0].ID, "overwrite", "coordinator")
	assert.True(t, apperrors.IsValidation(err), "overwrite only applies to lock timeouts")

	res, err := m.ResolveConflict(ctx, conflicts[0].ID, "manual", "coordinator")
	require.NoError(t, err)
	assert.Equal(t, "pending_human_review", res.Action)
}

func TestBackupRestore(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, "x.go", []byte("good\n"), "alpha"))
	require.NoError(t, m.Backup("x.go", "alpha"))
	require.NoError(t, m.Write(ctx, "x.go", []byte("broken\n"), "alpha"))

	require.NoError(t, m.Restore(ctx, "x.go", "alpha"))
	content, err := m.Read("x.go", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "good\n", string(content))
}

func TestReleaseAgentLocks(t *testing.T) {
	m, _ := setupFileManager(t)
	ctx := context.Background()

	_, err := m.RequestLock(ctx, "a.go", "alpha", LockModeWrite)
	require.NoError(t, err)
	_, err = m.RequestLock(ctx, "b.go", "alpha", LockModeWrite)
	require.NoError(t, err)

	released := m.ReleaseAgentLocks(ctx, "alpha")
	assert.Equal(t, 2, released)
	assert.False(t, m.IsLocked("a.go"))
	assert.False(t, m.IsLocked("b.go"))
}
