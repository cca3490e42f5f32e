package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage/memory"
	"github.com/weftlabs/weft/internal/types"
)

type fixture struct {
	auditor  *Auditor
	store    *memory.Store
	cfg      *config.Config
	primary  *adapter.Memory
	replica  *adapter.Memory
	registry *adapter.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {
			Adapters: []config.AdapterRef{
				{Name: "primary", Kind: adapter.KindMemory, WriteAllowed: true},
				{Name: "replica", Kind: adapter.KindMemory, WriteAllowed: true},
			},
			Schema: map[string]string{
				"name":  "string",
				"email": "string",
				"age":   "number",
			},
		},
		"order": {
			Adapters: []config.AdapterRef{
				{Name: "primary", Kind: adapter.KindMemory, WriteAllowed: true},
			},
			ReferenceFields: map[string]string{"customer_id": "user"},
		},
	}

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	registry := adapter.NewRegistry()
	primary := adapter.NewMemory("primary")
	replica := adapter.NewMemory("replica")
	require.NoError(t, registry.Register(primary))
	require.NoError(t, registry.Register(replica))

	return &fixture{
		auditor:  New(cfg, store, registry, nil),
		store:    store,
		cfg:      cfg,
		primary:  primary,
		replica:  replica,
		registry: registry,
	}
}

func seedBoth(t *testing.T, f *fixture, entityType, id string, p types.Payload) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, entityType, id, p))
	require.NoError(t, f.replica.Apply(ctx, types.KindCreate, entityType, id, p))
}

func user(name, email string, age float64) types.Payload {
	return types.Payload{
		"name":  types.S(name),
		"email": types.S(email),
		"age":   types.N(age),
	}
}

func TestConsistencyCheckFindsFieldDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedBoth(t, f, "user", "u-1", user("Ada", "ada@x.com", 36))
	seedBoth(t, f, "user", "u-2", user("Grace", "grace@x.com", 45))
	// u-1 drifts on the replica.
	require.NoError(t, f.replica.Apply(ctx, types.KindUpdate, "user", "u-1", user("Ada", "old@x.com", 36)))

	check, err := f.auditor.RunCheck(ctx, "user", types.CheckConsistency)
	require.NoError(t, err)
	assert.Equal(t, types.CheckWarning, check.Status)
	assert.Equal(t, 2, check.RecordsChecked)
	assert.Equal(t, 1, check.Inconsistencies)
	require.Len(t, check.Findings, 1)

	finding := check.Findings[0]
	assert.Equal(t, "u-1", finding.EntityID)
	assert.Equal(t, "email", finding.FieldPath)
	assert.Equal(t, "ada@x.com", finding.ValueA)
	assert.Equal(t, "old@x.com", finding.ValueB)
	assert.Equal(t, "primary", finding.SourceA)
	assert.Equal(t, "replica", finding.SourceB)
	require.NotNil(t, check.FinishedAt)
	assert.False(t, check.FinishedAt.Before(check.StartedAt))
}

func TestConsistencyCheckComparesCacheSource(t *testing.T) {
	cfg := config.Default()
	cfg.Entities = map[string]*config.EntityConfig{
		"user": {
			Adapters: []config.AdapterRef{
				{Name: "primary", Kind: adapter.KindMemory, WriteAllowed: true},
				{Name: "user-cache", Kind: adapter.KindCache, WriteAllowed: true},
			},
		},
	}
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	registry := adapter.NewRegistry()
	primary := adapter.NewMemory("primary")
	cached := adapter.NewCache("user-cache", cache.NewMemoryProvider("user-cache"), time.Hour)
	require.NoError(t, registry.Register(primary))
	require.NoError(t, registry.Register(cached))
	auditor := New(cfg, store, registry, nil)
	ctx := context.Background()

	require.NoError(t, primary.Apply(ctx, types.KindCreate, "user", "u-1", user("Ada", "x@a", 1)))
	require.NoError(t, cached.Apply(ctx, types.KindCreate, "user", "u-1", user("Ada", "y@a", 1)))
	// u-2 is in the primary only; a cold cache is not drift.
	require.NoError(t, primary.Apply(ctx, types.KindCreate, "user", "u-2", user("B", "b@a", 2)))

	check, err := auditor.RunCheck(ctx, "user", types.CheckConsistency)
	require.NoError(t, err)
	assert.Equal(t, 2, check.RecordsChecked)
	assert.Equal(t, 1, check.Inconsistencies)
	assert.ElementsMatch(t, []string{"primary", "user-cache"}, check.Sources)

	require.Len(t, check.Findings, 1)
	finding := check.Findings[0]
	assert.Equal(t, "u-1", finding.EntityID)
	assert.Equal(t, "email", finding.FieldPath)
	assert.Equal(t, "x@a", finding.ValueA)
	assert.Equal(t, "y@a", finding.ValueB)
	assert.Equal(t, "primary", finding.SourceA)
	assert.Equal(t, "user-cache", finding.SourceB)
}

func TestConsistencyCheckComparesNestedMaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	addr := func(city string) types.Payload {
		return types.Payload{
			"name": types.S("Ada"), "email": types.S("a@x.com"), "age": types.N(1),
			"address": types.M(map[string]types.Value{"city": types.S(city)}),
		}
	}
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", "u-1", addr("London")))
	require.NoError(t, f.replica.Apply(ctx, types.KindCreate, "user", "u-1", addr("Paris")))

	check, err := f.auditor.RunCheck(ctx, "user", types.CheckConsistency)
	require.NoError(t, err)
	require.Len(t, check.Findings, 1)
	assert.Equal(t, "address.city", check.Findings[0].FieldPath)
	assert.Equal(t, "London", check.Findings[0].ValueA)
}

func TestConsistencyCheckPassesWhenAligned(t *testing.T) {
	f := newFixture(t)
	seedBoth(t, f, "user", "u-1", user("Ada", "ada@x.com", 36))

	check, err := f.auditor.RunCheck(context.Background(), "user", types.CheckConsistency)
	require.NoError(t, err)
	assert.Equal(t, types.CheckPassed, check.Status)
	assert.Zero(t, check.Inconsistencies)
}

func TestCompletenessCheckFlagsMissingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedBoth(t, f, "user", "u-1", user("Ada", "a@x.com", 1))
	// u-2 exists only on the primary, u-3 only on the replica.
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", "u-2", user("B", "b@x.com", 2)))
	require.NoError(t, f.replica.Apply(ctx, types.KindCreate, "user", "u-3", user("C", "c@x.com", 3)))

	check, err := f.auditor.RunCheck(ctx, "user", types.CheckCompleteness)
	require.NoError(t, err)
	assert.Equal(t, 3, check.RecordsChecked, "union of both sources")
	assert.Equal(t, 2, check.Inconsistencies)

	missing := map[string]string{}
	for _, finding := range check.Findings {
		missing[finding.EntityID] = finding.SourceB
	}
	assert.Equal(t, "replica", missing["u-2"])
	assert.Equal(t, "primary", missing["u-3"])
}

func TestReferentialIntegrityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", "c-1", user("Ada", "a@x.com", 1)))
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "order", "o-1", types.Payload{
		"customer_id": types.S("c-1"),
	}))
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "order", "o-2", types.Payload{
		"customer_id": types.S("c-missing"),
	}))
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "order", "o-3", types.Payload{
		"customer_id": types.Null(),
	}))

	check, err := f.auditor.RunCheck(ctx, "order", types.CheckReferentialIntegrity)
	require.NoError(t, err)
	assert.Equal(t, 3, check.RecordsChecked)
	require.Len(t, check.Findings, 1)
	assert.Equal(t, "o-2", check.Findings[0].EntityID)
	assert.Contains(t, check.Findings[0].Detail, "c-missing")
}

func TestSchemaValidationCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", "u-1", user("Ada", "a@x.com", 36)))
	// u-2 has age as a string and no email.
	require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", "u-2", types.Payload{
		"name": types.S("B"),
		"age":  types.S("forty"),
	}))

	check, err := f.auditor.RunCheck(ctx, "user", types.CheckSchemaValidation)
	require.NoError(t, err)
	assert.Equal(t, types.CheckWarning, check.Status)
	assert.Equal(t, 2, check.Inconsistencies)

	byField := map[string]types.Finding{}
	for _, finding := range check.Findings {
		byField[finding.FieldPath] = finding
	}
	assert.Equal(t, "required field missing", byField["email"].Detail)
	assert.Contains(t, byField["age"].Detail, "expected number")
}

func TestAuditAllRunsEveryKindAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Heavy drift: every user record disagrees across sources.
	for _, id := range []string{"u-1", "u-2", "u-3"} {
		require.NoError(t, f.primary.Apply(ctx, types.KindCreate, "user", id, user("A", "a@x.com", 1)))
		require.NoError(t, f.replica.Apply(ctx, types.KindCreate, "user", id, user("B", "b@x.com", 1)))
	}

	var alerts []Alert
	f.auditor.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	require.NoError(t, f.auditor.AuditAll(ctx))

	checks, err := f.store.ListChecks(ctx, "user", "", 10)
	require.NoError(t, err)
	assert.Len(t, checks, 4, "all four check kinds ran")

	require.NotEmpty(t, alerts)
	assert.Equal(t, "consistency-score", alerts[0].Kind)
	assert.Equal(t, "user", alerts[0].EntityType)
	assert.Less(t, alerts[0].Value, 0.95)
	assert.False(t, alerts[0].At.IsZero())
}

func TestFailureRateAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 1 failed of 10 events = 10% failure rate, above the 2% threshold.
	for i := 0; i < 10; i++ {
		ev := &types.SyncEvent{
			EntityType:  "user",
			EntityID:    "u-1",
			Kind:        types.KindUpdate,
			SubmittedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			MaxAttempts: 3,
		}
		_, err := f.store.AppendEvent(ctx, ev)
		require.NoError(t, err)
		require.NoError(t, f.store.UpdateEventStatus(ctx, ev.ID, types.StatusProcessing, ""))
		status := types.StatusCompleted
		if i == 0 {
			status = types.StatusFailed
		}
		require.NoError(t, f.store.UpdateEventStatus(ctx, ev.ID, status, ""))
	}

	var alerts []Alert
	f.auditor.OnAlert(func(a Alert) { alerts = append(alerts, a) })
	require.NoError(t, f.auditor.evaluateThresholds(ctx))

	var kinds []string
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, "failure-rate")
}
