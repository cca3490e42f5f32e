package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidationQueue(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	require.NoError(t, store.EnqueueInvalidation(ctx, "product:p-1"))
	require.NoError(t, store.EnqueueInvalidation(ctx, "product:p-2"))
	// Duplicate enqueue is a no-op.
	require.NoError(t, store.EnqueueInvalidation(ctx, "product:p-1"))

	keys, err := store.DequeueInvalidations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"product:p-1", "product:p-2"}, keys)

	// The queue drains.
	keys, err = store.DequeueInvalidations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInvalidationQueueLimit(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestDB(t)
	defer cleanup()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, store.EnqueueInvalidation(ctx, key))
	}
	keys, err := store.DequeueInvalidations(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	keys, err = store.DequeueInvalidations(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keys)
}
