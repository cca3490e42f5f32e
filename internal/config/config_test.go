package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttemptsPerEvent)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, DefaultHighWatermark, cfg.PendingHighWatermark)
	assert.InDelta(t, DefaultIntegrityShare, cfg.IntegrityCheckShare, 1e-9)
	assert.Equal(t, DefaultCatchupBatch, cfg.CatchupBatch)
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Empty(t, cfg.Entities)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
workers: 5
max-attempts-per-event: 4
region: us-east
entities:
  product:
    adapters:
      - name: primary
        kind: database
        write-allowed: true
      - name: search
        kind: search-index
        write-allowed: true
      - name: audit-mirror
        kind: external-api
        write-allowed: false
    conflict:
      strategy: last-write-wins
    cache:
      enabled: true
      mode: immediate
      tags: [catalog]
      ttl-seconds: 600
    replication:
      enabled: true
      regions: [us-east, eu-west]
      max-lag-seconds: 120
    critical-fields: [price]
    schema:
      name: string
      price: number
    reference-fields:
      customer_id: customer
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	ec := cfg.Entity("product")
	require.NotNil(t, ec)
	assert.Len(t, ec.Adapters, 3)
	assert.Len(t, ec.WritableAdapters(), 2)
	assert.Equal(t, types.StrategyLastWriteWins, ec.Conflict.Strategy)
	assert.True(t, ec.Cache.Enabled)
	assert.Equal(t, "immediate", ec.Cache.Mode)
	assert.Equal(t, []string{"us-east", "eu-west"}, ec.Replication.Regions)
	assert.Equal(t, 120, ec.Replication.MaxLagSeconds)
	assert.Equal(t, "number", ec.Schema["price"])
	assert.Equal(t, "customer", ec.ReferenceFields["customer_id"])
	assert.Nil(t, cfg.Entity("unknown"))
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"workers out of bounds", "workers: 11"},
		{"zero attempts", "max-attempts-per-event: 0"},
		{"bad jitter", "jitter-ratio: 1.5"},
		{"bad integrity share", "integrity-check-share: 2"},
		{"entity without adapters", `
entities:
  product:
    conflict:
      strategy: merge
`},
		{"bad cache mode", `
entities:
  product:
    adapters:
      - name: primary
        kind: database
        write-allowed: true
    cache:
      mode: eventually
`},
		{"custom without resolver", `
entities:
  product:
    adapters:
      - name: primary
        kind: database
        write-allowed: true
    conflict:
      strategy: custom
`},
		{"replication without regions", `
entities:
  product:
    adapters:
      - name: primary
        kind: database
        write-allowed: true
    replication:
      enabled: true
`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.content))
			assert.Error(t, err)
		})
	}
}

func TestValidateSchema(t *testing.T) {
	ec := &EntityConfig{Schema: map[string]string{"email": "string", "age": "number"}}

	ok := types.Payload{"email": types.S("a@x.com"), "age": types.N(30)}
	assert.NoError(t, ec.ValidateSchema(ok))

	missing := types.Payload{"email": types.S("a@x.com")}
	assert.ErrorContains(t, ec.ValidateSchema(missing), `missing required field "age"`)

	wrongType := types.Payload{"email": types.S("a@x.com"), "age": types.S("thirty")}
	assert.ErrorContains(t, ec.ValidateSchema(wrongType), "expected number, got string")

	var open EntityConfig
	assert.NoError(t, open.ValidateSchema(types.Payload{"anything": types.B(true)}))
}

func TestExampleConfigRoundTrips(t *testing.T) {
	out, err := Example().Marshal()
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)

	require.Contains(t, cfg.Entities, "user")
	ec := cfg.Entities["user"]
	assert.Len(t, ec.Adapters, 3)
	assert.Equal(t, "primary.db", ec.Adapters[0].DSN)
	assert.Equal(t, types.StrategyLastWriteWins, ec.Conflict.Strategy)
	assert.True(t, ec.Replication.Enabled)
	assert.Equal(t, []string{"us-east", "eu-west"}, ec.Replication.Regions)
}

func TestEntityDeadline(t *testing.T) {
	ec := &EntityConfig{}
	assert.Equal(t, DefaultEventDeadline, ec.Deadline(DefaultEventDeadline))
	ec.DeadlineSeconds = 10
	assert.Equal(t, 10*time.Second, ec.Deadline(DefaultEventDeadline))
}
