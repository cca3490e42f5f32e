package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage/memory"
	"github.com/weftlabs/weft/internal/types"
)

func ts(t time.Time) types.Value { return types.N(float64(t.UnixMilli())) }

func testResolver(t *testing.T, cfg *config.Config) (*Resolver, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	if cfg == nil {
		cfg = config.Default()
	}
	return New(cfg, store, nil), store
}

func testEvent() *types.SyncEvent {
	return &types.SyncEvent{
		ID:         "ev-1",
		EntityType: "user",
		EntityID:   "u-1",
		Kind:       types.KindUpdate,
	}
}

func TestDetectVersionConflict(t *testing.T) {
	r, _ := testResolver(t, nil)
	kind := r.Detect(nil, types.Payload{}, types.Payload{}, 5, 9)
	assert.Equal(t, types.ConflictVersion, kind)
}

func TestDetectConcurrentUpdate(t *testing.T) {
	r, _ := testResolver(t, nil)
	now := time.Now()
	incoming := types.Payload{"updated_at": ts(now)}
	stored := types.Payload{"updated_at": ts(now.Add(500 * time.Millisecond))}
	kind := r.Detect(nil, incoming, stored, 10, 5)
	assert.Equal(t, types.ConflictConcurrentUpdate, kind)

	// Outside the 1s window there is no concurrency conflict.
	stored = types.Payload{"updated_at": ts(now.Add(2 * time.Second))}
	kind = r.Detect(nil, incoming, stored, 10, 5)
	assert.Equal(t, types.ConflictKind(""), kind)
}

func TestDetectDataInconsistency(t *testing.T) {
	r, _ := testResolver(t, nil)
	ec := &config.EntityConfig{CriticalFields: []string{"email"}}
	incoming := types.Payload{"email": types.S("a@x.com")}
	stored := types.Payload{"email": types.S("b@x.com")}
	kind := r.Detect(ec, incoming, stored, 10, 5)
	assert.Equal(t, types.ConflictDataInconsistency, kind)
}

func TestDetectSchemaMismatch(t *testing.T) {
	r, _ := testResolver(t, nil)
	incoming := types.Payload{"name": types.S("Ada")}
	stored := types.Payload{"name": types.S("Ada"), "age": types.N(36)}
	kind := r.Detect(nil, incoming, stored, 10, 5)
	assert.Equal(t, types.ConflictSchemaMismatch, kind)
}

func TestDetectNoConflict(t *testing.T) {
	r, _ := testResolver(t, nil)
	p := types.Payload{"name": types.S("Ada")}
	assert.Equal(t, types.ConflictKind(""), r.Detect(nil, p, p.Clone(), 10, 5))
	assert.Equal(t, types.ConflictKind(""), r.Detect(nil, p, nil, 10, 5), "no stored snapshot means no conflict")
}

func TestDetectSeverityOrder(t *testing.T) {
	r, _ := testResolver(t, nil)
	// Version beats every other signal.
	incoming := types.Payload{"name": types.S("Ada")}
	stored := types.Payload{"name": types.S("Ada"), "age": types.N(36)}
	kind := r.Detect(nil, incoming, stored, 3, 7)
	assert.Equal(t, types.ConflictVersion, kind)
}

func TestResolveLastWriteWins(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {Conflict: config.ConflictConfig{Strategy: types.StrategyLastWriteWins}},
	}
	r, store := testResolver(t, cfg)
	ctx := context.Background()
	now := time.Now()

	a := types.Payload{"email": types.S("new@x.com"), "updated_at": ts(now)}
	b := types.Payload{"email": types.S("old@x.com"), "updated_at": ts(now.Add(-time.Hour))}

	rec, err := r.Open(ctx, testEvent(), types.ConflictConcurrentUpdate, a, b, []string{"primary", "replica"})
	require.NoError(t, err)

	resolved, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", resolved["email"].Str)

	saved, err := store.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictResolved, saved.State)
	require.NotNil(t, saved.ResolvedAt)
	assert.False(t, saved.ResolvedAt.Before(saved.DetectedAt))
	assert.True(t, resolved.Equal(saved.ResolvedPayload))
}

func TestResolveLastWriteWinsCreatedAtFallback(t *testing.T) {
	now := time.Now()
	a := types.Payload{"v": types.S("a"), "created_at": ts(now.Add(-time.Hour))}
	b := types.Payload{"v": types.S("b"), "created_at": ts(now)}
	assert.Equal(t, "b", lastWriteWins(a, b)["v"].Str)
}

func TestResolveFirstWriteWins(t *testing.T) {
	now := time.Now()
	a := types.Payload{"v": types.S("a"), "created_at": ts(now)}
	b := types.Payload{"v": types.S("b"), "created_at": ts(now.Add(-time.Hour))}
	assert.Equal(t, "b", firstWriteWins(a, b)["v"].Str)
	// Deterministic under re-application.
	assert.Equal(t, "b", firstWriteWins(a, b)["v"].Str)
}

func TestResolveMerge(t *testing.T) {
	now := time.Now()
	a := types.Payload{
		"name":       types.S("Ada"),
		"email":      types.S("a@x.com"),
		"secret":     types.S("keep"),
		"updated_at": ts(now),
	}
	b := types.Payload{
		"email":      types.S("b@x.com"),
		"phone":      types.S("555"),
		"secret":     types.S("drop"),
		"tags":       types.L(types.S("vip")),
		"updated_at": ts(now.Add(time.Minute)),
	}

	out := merge(a, b, []string{"email"}, []string{"secret"})

	assert.Equal(t, "Ada", out["name"].Str, "A-only fields survive")
	assert.Equal(t, "b@x.com", out["email"].Str, "merge-listed fields take B")
	assert.Equal(t, "555", out["phone"].Str, "A-absent fields take B")
	assert.Equal(t, "keep", out["secret"].Str, "ignored fields skip B")
	// B is newer, so its updated_at wins the disagreement.
	assert.Equal(t, ts(now.Add(time.Minute)), out["updated_at"])
}

func TestResolveMergeOlderBLoses(t *testing.T) {
	now := time.Now()
	a := types.Payload{"v": types.S("a"), "updated_at": ts(now)}
	b := types.Payload{"v": types.S("b"), "updated_at": ts(now.Add(-time.Minute))}
	out := merge(a, b, nil, nil)
	assert.Equal(t, "a", out["v"].Str)
}

func TestResolveCustom(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {Conflict: config.ConflictConfig{
			Strategy:       types.StrategyCustom,
			CustomResolver: "sum-balances",
		}},
	}
	r, _ := testResolver(t, cfg)
	ctx := context.Background()

	r.RegisterCustom("sum-balances", func(_ context.Context, rec *types.ConflictRecord) (types.Payload, error) {
		return types.Payload{
			"balance": types.N(rec.SnapshotA.Number("balance") + rec.SnapshotB.Number("balance")),
		}, nil
	})

	a := types.Payload{"balance": types.N(10)}
	b := types.Payload{"balance": types.N(5)}
	rec, err := r.Open(ctx, testEvent(), types.ConflictConcurrentUpdate, a, b, nil)
	require.NoError(t, err)

	resolved, err := r.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 15.0, resolved["balance"].Num)
}

func TestResolveCustomFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {Conflict: config.ConflictConfig{
			Strategy:       types.StrategyCustom,
			CustomResolver: "broken",
		}},
	}
	r, store := testResolver(t, cfg)
	ctx := context.Background()

	r.RegisterCustom("broken", func(context.Context, *types.ConflictRecord) (types.Payload, error) {
		return nil, errors.New("cannot decide")
	})

	rec, err := r.Open(ctx, testEvent(), types.ConflictConcurrentUpdate, types.Payload{}, types.Payload{}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, rec)
	require.Error(t, err)

	saved, err := store.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictFailed, saved.State)
	assert.Contains(t, saved.Reason, "cannot decide")
}

func TestResolveCustomUnregistered(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {Conflict: config.ConflictConfig{
			Strategy:       types.StrategyCustom,
			CustomResolver: "missing",
		}},
	}
	r, store := testResolver(t, cfg)
	ctx := context.Background()

	rec, err := r.Open(ctx, testEvent(), types.ConflictVersion, types.Payload{}, types.Payload{}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, rec)
	require.Error(t, err)

	saved, err := store.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictFailed, saved.State)
}

func TestResolveManual(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {Conflict: config.ConflictConfig{Strategy: types.StrategyManual}},
	}
	r, store := testResolver(t, cfg)
	ctx := context.Background()

	rec, err := r.Open(ctx, testEvent(), types.ConflictDataInconsistency, types.Payload{}, types.Payload{}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, rec)
	var manual *ErrManual
	require.ErrorAs(t, err, &manual)
	assert.Equal(t, rec.ID, manual.ConflictID)

	saved, err := store.GetConflict(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictDetected, saved.State, "manual conflicts stay detected for tooling")
}

func TestOpenDefaultsToLastWriteWins(t *testing.T) {
	r, store := testResolver(t, config.Default())
	ctx := context.Background()

	rec, err := r.Open(ctx, testEvent(), types.ConflictVersion, types.Payload{}, types.Payload{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StrategyLastWriteWins, rec.Strategy)

	byEvent, err := store.GetConflictByEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byEvent.ID)
}
