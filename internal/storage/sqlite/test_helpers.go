package sqlite

import (
	"context"
	"testing"

	"github.com/weftlabs/weft/internal/types"
)

// setupTestDB creates an in-memory store and returns it with a cleanup func.
func setupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()
	store, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	return store, func() { _ = store.Close() }
}

// newTestEvent returns a minimal valid event for tests.
func newTestEvent(entityType, entityID string, kind types.EventKind) *types.SyncEvent {
	return &types.SyncEvent{
		EntityType:  entityType,
		EntityID:    entityID,
		Kind:        kind,
		Source:      "primary",
		Region:      "us-east",
		Payload:     types.Payload{"name": types.S("A")},
		MaxAttempts: 3,
	}
}
