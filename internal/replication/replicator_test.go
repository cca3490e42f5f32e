package replication

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage/memory"
	"github.com/weftlabs/weft/internal/types"
)

func replConfig() *config.Config {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {
			Replication: config.ReplicationConfig{
				Enabled: true,
				Regions: []string{"us-east", "eu-west"},
			},
		},
	}
	return cfg
}

func setupReplicator(t *testing.T) (*Replicator, *memory.Store, *Capture) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	tr := NewCapture()
	return New(replConfig(), store, tr, nil), store, tr
}

// appendCompleted appends an event and walks it to completed so it is
// eligible for replication.
func appendCompleted(t *testing.T, store *memory.Store, id int, entityID string) *types.SyncEvent {
	t.Helper()
	ctx := context.Background()
	ev := &types.SyncEvent{
		ID:          fmt.Sprintf("ev-%d", id),
		EntityType:  "user",
		EntityID:    entityID,
		Kind:        types.KindUpdate,
		Source:      "primary",
		Region:      "us-east",
		Payload:     types.Payload{"n": types.N(float64(id))},
		SubmittedAt: time.Now().Add(time.Duration(id) * time.Millisecond),
		MaxAttempts: 3,
	}
	_, err := store.AppendEvent(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, store.UpdateEventStatus(ctx, ev.ID, types.StatusProcessing, ""))
	require.NoError(t, store.UpdateEventStatus(ctx, ev.ID, types.StatusCompleted, ""))
	got, getErr := store.GetEvent(ctx, ev.ID)
	require.NoError(t, getErr)
	return got
}

func TestReplicateEventAdvancesCursor(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()
	ev := appendCompleted(t, store, 1, "u-1")

	require.NoError(t, r.ReplicateEvent(ctx, ev))

	msgs := tr.Messages()
	require.Len(t, msgs, 1, "only the non-origin region receives the event")
	assert.Equal(t, "eu-west", msgs[0].TargetRegion)
	assert.Equal(t, "us-east", msgs[0].SourceRegion)
	assert.Equal(t, ev.Version, msgs[0].Version)

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorActive, cur.State)
	assert.Equal(t, ev.Version, cur.LastReplicatedVersion)
	assert.Zero(t, cur.LagSeconds)
	require.NotNil(t, cur.LastReplicatedAt)
}

func TestReplicateEventFailureMarksCursorError(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()
	ev := appendCompleted(t, store, 1, "u-1")
	tr.FailFirst = 1

	err := r.ReplicateEvent(ctx, ev)
	require.Error(t, err)

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorError, cur.State)
	assert.Equal(t, 1, cur.FailedCount)
	assert.NotEmpty(t, cur.LastError)
	assert.Zero(t, cur.LastReplicatedVersion, "cursor never advances past a failed send")
}

func TestReplicateEventSkipsDisabledEntities(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()
	ev := appendCompleted(t, store, 1, "u-1")
	ev.EntityType = "unconfigured"

	require.NoError(t, r.ReplicateEvent(ctx, ev))
	assert.Empty(t, tr.Messages())
}

func TestCatchUpReplaysInVersionOrder(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		appendCompleted(t, store, i, fmt.Sprintf("u-%d", i))
	}

	n, err := r.CatchUp(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	msgs := tr.Messages()
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Version, msgs[i-1].Version, "catch-up preserves version order")
	}

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorActive, cur.State)
	assert.Equal(t, msgs[4].Version, cur.LastReplicatedVersion)

	// A second catch-up finds nothing new.
	n, err = r.CatchUp(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCatchUpStopsOnFirstFailure(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		appendCompleted(t, store, i, fmt.Sprintf("u-%d", i))
	}
	tr.FailAt = 3 // first two sends succeed, the third is rejected

	n, err := r.CatchUp(ctx, "user", "us-east", "eu-west")
	require.Error(t, err)
	assert.Equal(t, 2, n)

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorError, cur.State)
	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[1].Version, cur.LastReplicatedVersion, "cursor stops at the last acknowledged event")

	// Recovery: the transport heals and catch-up resumes where it left off.
	tr.FailAt = 0
	n, err = r.CatchUp(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPauseResumeDeliversInOrder(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()

	require.NoError(t, r.Pause(ctx, "user", "us-east", "eu-west"))

	// Events completed while paused are not sent.
	var last *types.SyncEvent
	for i := 1; i <= 10; i++ {
		last = appendCompleted(t, store, i, "u-1")
		err := r.ReplicateEvent(ctx, last)
		require.NoError(t, err, "paused replication is not an event failure")
	}
	assert.Empty(t, tr.Messages())

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorPaused, cur.State)
	assert.Equal(t, 10, cur.PendingCount)

	// Resume triggers catch-up: all ten arrive in order.
	require.NoError(t, r.Resume(ctx, "user", "us-east", "eu-west"))

	msgs := tr.Messages()
	require.Len(t, msgs, 10)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Version, msgs[i-1].Version)
	}

	cur, err = store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorActive, cur.State)
	assert.Equal(t, last.Version, cur.LastReplicatedVersion)
}

// stallTransport blocks each send until its context is canceled,
// signalling on inFlight once the send has started.
type stallTransport struct {
	inFlight chan struct{}
}

func (s *stallTransport) Send(ctx context.Context, _ types.ReplicationMessage) error {
	s.inFlight <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestPauseDuringInFlightSendStaysPaused(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	tr := &stallTransport{inFlight: make(chan struct{})}
	r := New(replConfig(), store, tr, nil)
	ctx := context.Background()
	ev := appendCompleted(t, store, 1, "u-1")

	errCh := make(chan error, 1)
	go func() { errCh <- r.ReplicateEvent(ctx, ev) }()

	// Pause once the send is in flight; the pause cancels it, and the
	// failed send must not overwrite the freshly persisted paused state.
	<-tr.inFlight
	require.NoError(t, r.Pause(ctx, "user", "us-east", "eu-west"))
	require.Error(t, <-errCh)

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorPaused, cur.State)
	assert.Equal(t, 1, cur.FailedCount)

	// Later completed events queue behind the pause instead of sending.
	ev2 := appendCompleted(t, store, 2, "u-2")
	require.NoError(t, r.ReplicateEvent(ctx, ev2))
	cur, err = store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, types.CursorPaused, cur.State)
	assert.Equal(t, 1, cur.PendingCount)
}

func TestCatchUpRefusesWhilePaused(t *testing.T) {
	r, _, _ := setupReplicator(t)
	ctx := context.Background()

	require.NoError(t, r.Pause(ctx, "user", "us-east", "eu-west"))
	_, err := r.CatchUp(ctx, "user", "us-east", "eu-west")
	assert.ErrorIs(t, err, ErrPaused)
}

func TestUpdateLagWarnsBeyondThreshold(t *testing.T) {
	r, store, _ := setupReplicator(t)
	ctx := context.Background()
	ev := appendCompleted(t, store, 1, "u-1")
	require.NoError(t, r.ReplicateEvent(ctx, ev))

	// Move the clock ten minutes forward; default max lag is 300s.
	r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, r.UpdateLag(ctx))

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Greater(t, cur.LagSeconds, 300.0)
}

func TestSweepLaggingTriggersCatchUp(t *testing.T) {
	r, store, tr := setupReplicator(t)
	ctx := context.Background()

	ev1 := appendCompleted(t, store, 1, "u-1")
	require.NoError(t, r.ReplicateEvent(ctx, ev1))
	ev2 := appendCompleted(t, store, 2, "u-2")
	_ = ev2

	// The cursor last moved "two minutes ago".
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, r.SweepLagging(ctx))

	msgs := tr.Messages()
	require.Len(t, msgs, 2, "sweeper caught up the missed event")

	cur, err := store.GetCursor(ctx, "user", "us-east", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, ev2.Version, cur.LastReplicatedVersion)
}

func TestInProcessTransport(t *testing.T) {
	tr := NewInProcess()
	var got []types.ReplicationMessage
	tr.Handle("eu-west", func(msg types.ReplicationMessage) error {
		got = append(got, msg)
		return nil
	})

	msg := types.ReplicationMessage{EventID: "ev-1", TargetRegion: "eu-west"}
	require.NoError(t, tr.Send(context.Background(), msg))
	require.Len(t, got, 1)

	msg.TargetRegion = "ap-south"
	require.Error(t, tr.Send(context.Background(), msg), "unhandled regions reject")
}
