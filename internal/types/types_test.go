package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to EventStatus
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusRetrying, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusRetrying, false},
		{StatusRetrying, StatusCompleted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestEventKindPriority(t *testing.T) {
	// delete > create > update > bulk-update
	assert.Less(t, KindDelete.Priority(), KindCreate.Priority())
	assert.Less(t, KindCreate.Priority(), KindUpdate.Priority())
	assert.Less(t, KindUpdate.Priority(), KindBulkUpdate.Priority())
}

func TestSyncEventValidate(t *testing.T) {
	ev := &SyncEvent{EntityType: "product", EntityID: "p-1", Kind: KindCreate, MaxAttempts: 3}
	require.NoError(t, ev.Validate())

	bad := *ev
	bad.EntityID = ""
	require.Error(t, bad.Validate())

	bad = *ev
	bad.Kind = "upsert"
	require.Error(t, bad.Validate())

	bad = *ev
	bad.MaxAttempts = 0
	require.Error(t, bad.Validate())
}

func TestIntegrityCheckFinish(t *testing.T) {
	started := time.Now()
	check := &IntegrityCheck{StartedAt: started}

	check.Finish(started.Add(250 * time.Millisecond))
	require.NotNil(t, check.FinishedAt)
	assert.False(t, check.FinishedAt.Before(check.StartedAt))
	assert.Equal(t, int64(250), check.DurationMS)

	// A clock that went backwards must not violate finished >= started.
	check = &IntegrityCheck{StartedAt: started}
	check.Finish(started.Add(-time.Second))
	assert.False(t, check.FinishedAt.Before(check.StartedAt))
	assert.Equal(t, int64(0), check.DurationMS)
}

func TestPayloadJSONRoundTrip(t *testing.T) {
	p := Payload{
		"name":  S("A"),
		"price": N(100),
		"live":  B(true),
		"tags":  L(S("x"), S("y")),
		"attrs": M(map[string]Value{"color": S("red"), "weight": N(1.5)}),
		"gone":  Null(),
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var back Payload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, p.Equal(back), "payload should survive a JSON round trip")
}

func TestPayloadDiff(t *testing.T) {
	a := Payload{
		"name":  S("A"),
		"price": N(100),
		"attrs": M(map[string]Value{"color": S("red"), "size": S("L")}),
	}
	b := Payload{
		"name":  S("A"),
		"price": N(120),
		"attrs": M(map[string]Value{"color": S("blue"), "size": S("L")}),
		"extra": B(true),
	}
	diff := a.Diff(b)
	assert.Equal(t, []string{"attrs.color", "extra", "price"}, diff)
	assert.Empty(t, a.Diff(a.Clone()))
}

func TestPayloadSameKeys(t *testing.T) {
	a := Payload{"x": N(1), "y": N(2)}
	assert.True(t, a.SameKeys(Payload{"y": S("s"), "x": Null()}))
	assert.False(t, a.SameKeys(Payload{"x": N(1)}))
	assert.False(t, a.SameKeys(Payload{"x": N(1), "z": N(2)}))
}

func TestPayloadTime(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	byMillis := Payload{FieldUpdatedAt: N(float64(at.UnixMilli()))}
	assert.True(t, byMillis.Time(FieldUpdatedAt).Equal(at))

	byString := Payload{FieldUpdatedAt: S(at.Format(time.RFC3339Nano))}
	assert.True(t, byString.Time(FieldUpdatedAt).Equal(at))

	assert.True(t, Payload{}.Time(FieldUpdatedAt).IsZero())
	assert.True(t, Payload{FieldUpdatedAt: B(true)}.Time(FieldUpdatedAt).IsZero())
}

func TestPayloadCloneIsDeep(t *testing.T) {
	p := Payload{"attrs": M(map[string]Value{"color": S("red")})}
	c := p.Clone()
	c["attrs"].Map["color"] = S("blue")
	assert.Equal(t, "red", p["attrs"].Map["color"].Str)
}

func TestStatusCountsFailureRate(t *testing.T) {
	assert.Zero(t, StatusCounts{}.FailureRate())
	c := StatusCounts{Completed: 98, Failed: 2}
	assert.InDelta(t, 0.02, c.FailureRate(), 1e-9)
}

func TestCursorKey(t *testing.T) {
	c := &ReplicationCursor{EntityType: "product", SourceRegion: "us-east", TargetRegion: "eu-west"}
	assert.Equal(t, "product/us-east/eu-west", c.Key())
}
