package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

func newTestConflict(eventID string) *types.ConflictRecord {
	return &types.ConflictRecord{
		EntityType: "product",
		EntityID:   "p-1",
		EventID:    eventID,
		Kind:       types.ConflictConcurrentUpdate,
		Strategy:   types.StrategyLastWriteWins,
		SnapshotA:  types.Payload{"price": types.N(100)},
		SnapshotB:  types.Payload{"price": types.N(120)},
		Sources:    []string{"primary", "cache"},
	}
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	rec := newTestConflict("ev-1")
	require.NoError(t, store.CreateConflict(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, types.ConflictDetected, rec.State)

	resolvedAt := time.Now().UTC()
	rec.State = types.ConflictResolved
	rec.ResolvedPayload = types.Payload{"price": types.N(120)}
	rec.ResolvedAt = &resolvedAt
	require.NoError(t, store.SaveConflict(ctx, rec))

	got, err := store.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictResolved, got.State)
	assert.True(t, rec.ResolvedPayload.Equal(got.ResolvedPayload))
	require.NotNil(t, got.ResolvedAt)
	assert.False(t, got.ResolvedAt.Before(got.DetectedAt), "resolved_at must not precede detected_at")
	assert.Equal(t, []string{"primary", "cache"}, got.Sources)
}

func TestGetConflictByEvent(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	require.NoError(t, store.CreateConflict(ctx, newTestConflict("ev-1")))

	got, err := store.GetConflictByEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", got.EventID)

	_, err = store.GetConflictByEvent(ctx, "ev-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListConflictsAndCount(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateConflict(ctx, newTestConflict("")))
	}
	failed := newTestConflict("")
	failed.State = types.ConflictFailed
	require.NoError(t, store.CreateConflict(ctx, failed))

	detected, err := store.ListConflicts(ctx, "product", types.ConflictDetected, 10)
	require.NoError(t, err)
	assert.Len(t, detected, 3)

	all, err := store.ListConflicts(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	n, err := store.ConflictCount(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSaveConflictNotFound(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	rec := newTestConflict("")
	rec.ID = "missing"
	err := store.SaveConflict(ctx, rec)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChecksRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	check := &types.IntegrityCheck{
		EntityType: "user",
		Kind:       types.CheckConsistency,
		Sources:    []string{"primary", "cache"},
	}
	require.NoError(t, store.CreateCheck(ctx, check))
	assert.Equal(t, types.CheckRunning, check.Status)

	check.Status = types.CheckFailed
	check.RecordsChecked = 1
	check.Inconsistencies = 1
	check.Findings = []types.Finding{{
		EntityID: "u-1", FieldPath: "email",
		ValueA: "x@a", ValueB: "y@a",
		SourceA: "primary", SourceB: "cache",
	}}
	check.Finish(check.StartedAt.Add(42 * time.Millisecond))
	require.NoError(t, store.SaveCheck(ctx, check))

	checks, err := store.ListChecks(ctx, "user", types.CheckConsistency, 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	got := checks[0]
	assert.Equal(t, types.CheckFailed, got.Status)
	assert.Equal(t, 1, got.Inconsistencies)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "email", got.Findings[0].FieldPath)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(got.StartedAt))
}
