// Package config loads and validates weft configuration.
//
// Configuration comes from weft.yaml (discovered in the working directory
// or passed explicitly) with WEFT_-prefixed environment overrides. It is
// loaded once at startup; the resulting Config and its per-entity sync
// configs are treated as immutable shared reads thereafter.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/types"
)

// Engine defaults and bounds.
const (
	DefaultWorkers          = 3
	MinWorkers              = 1
	MaxWorkers              = 10
	DefaultMaxAttempts      = 3
	DefaultBackoffBaseMS    = 2000
	DefaultBackoffFactor    = 2.0
	DefaultJitterRatio      = 0.1
	DefaultHighWatermark    = 10000
	DefaultIntegrityShare   = 0.2
	DefaultMaxLagSeconds    = 300
	DefaultSweepIntervalSec = 60
	DefaultCatchupBatch     = 1000
	DefaultEventDeadline    = 30 * time.Second
)

// Config is the process-wide engine configuration.
type Config struct {
	Workers              int           `mapstructure:"workers" yaml:"workers"`
	MaxAttemptsPerEvent  int           `mapstructure:"max-attempts-per-event" yaml:"max-attempts-per-event"`
	RetryBackoffBaseMS   int           `mapstructure:"retry-backoff-base-ms" yaml:"retry-backoff-base-ms"`
	RetryBackoffFactor   float64       `mapstructure:"retry-backoff-factor" yaml:"retry-backoff-factor"`
	JitterRatio          float64       `mapstructure:"jitter-ratio" yaml:"jitter-ratio"`
	PendingHighWatermark int           `mapstructure:"pending-high-watermark" yaml:"pending-high-watermark"`
	IntegrityCheckShare  float64       `mapstructure:"integrity-check-share" yaml:"integrity-check-share"`
	ReplicationMaxLagSec int           `mapstructure:"replication-max-lag-seconds" yaml:"replication-max-lag-seconds"`
	SweepIntervalSec     int           `mapstructure:"scheduled-invalidation-interval-seconds" yaml:"scheduled-invalidation-interval-seconds"`
	CatchupBatch         int           `mapstructure:"catchup-batch" yaml:"catchup-batch"`
	EventDeadline        time.Duration `mapstructure:"event-deadline" yaml:"event-deadline"`

	DatabasePath string `mapstructure:"database-path" yaml:"database-path"`
	RedisURL     string `mapstructure:"redis-url" yaml:"redis-url,omitempty"`
	NATSURL      string `mapstructure:"nats-url" yaml:"nats-url,omitempty"`
	Region       string `mapstructure:"region" yaml:"region"`

	Entities map[string]*EntityConfig `mapstructure:"entities" yaml:"entities"`
}

// AdapterRef names one adapter participating in an entity's fanout.
type AdapterRef struct {
	Name         string `mapstructure:"name" yaml:"name"`
	Kind         string `mapstructure:"kind" yaml:"kind"`
	WriteAllowed bool   `mapstructure:"write-allowed" yaml:"write-allowed"`
	// DSN carries kind-specific connectivity: the SQLite path for
	// database adapters, the base URL for external-api adapters.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// ConflictConfig selects the resolution strategy for an entity type.
type ConflictConfig struct {
	Strategy       types.ResolutionStrategy `mapstructure:"strategy" yaml:"strategy"`
	MergeFields    []string                 `mapstructure:"merge-fields" yaml:"merge-fields"`
	IgnoreFields   []string                 `mapstructure:"ignore-fields" yaml:"ignore-fields"`
	CustomResolver string                   `mapstructure:"custom-resolver" yaml:"custom-resolver"`
}

// CacheConfig selects the invalidation behavior for an entity type.
type CacheConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Mode         string   `mapstructure:"mode" yaml:"mode"` // immediate | lazy | scheduled | tags | dependencies
	Tags         []string `mapstructure:"tags" yaml:"tags"`
	Dependencies []string `mapstructure:"dependencies" yaml:"dependencies"` // dependent entity types
	TTLSeconds   int      `mapstructure:"ttl-seconds" yaml:"ttl-seconds"`   // warm-write TTL
}

// ReplicationConfig selects cross-region fanout for an entity type.
type ReplicationConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	Regions       []string `mapstructure:"regions" yaml:"regions"`
	MaxLagSeconds int      `mapstructure:"max-lag-seconds" yaml:"max-lag-seconds"`
}

// EntityConfig is the per-entity-type sync configuration, looked up on
// every event.
type EntityConfig struct {
	Adapters        []AdapterRef      `mapstructure:"adapters" yaml:"adapters"`
	Conflict        ConflictConfig    `mapstructure:"conflict" yaml:"conflict"`
	Cache           CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Replication     ReplicationConfig `mapstructure:"replication" yaml:"replication"`
	CriticalFields  []string          `mapstructure:"critical-fields" yaml:"critical-fields"`
	Schema          map[string]string `mapstructure:"schema" yaml:"schema"` // field -> type (string|number|bool|map|list)
	ReferenceFields map[string]string `mapstructure:"reference-fields" yaml:"reference-fields"` // field -> referenced entity type
	DeadlineSeconds int               `mapstructure:"deadline-seconds" yaml:"deadline-seconds"`
}

// WritableAdapters returns the adapter refs allowed to receive writes.
func (e *EntityConfig) WritableAdapters() []AdapterRef {
	var out []AdapterRef
	for _, a := range e.Adapters {
		if a.WriteAllowed {
			out = append(out, a)
		}
	}
	return out
}

// ValidateSchema checks that the payload carries every schema-declared
// field with the declared type. A nil schema accepts any payload.
func (e *EntityConfig) ValidateSchema(p types.Payload) error {
	fields := make([]string, 0, len(e.Schema))
	for field := range e.Schema {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		v, ok := p[field]
		if !ok {
			return fmt.Errorf("missing required field %q", field)
		}
		if want, got := e.Schema[field], v.TypeName(); got != want {
			return fmt.Errorf("field %q: expected %s, got %s", field, want, got)
		}
	}
	return nil
}

// Deadline returns the per-event deadline, falling back to the engine
// default when unset.
func (e *EntityConfig) Deadline(fallback time.Duration) time.Duration {
	if e.DeadlineSeconds > 0 {
		return time.Duration(e.DeadlineSeconds) * time.Second
	}
	return fallback
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Workers:              DefaultWorkers,
		MaxAttemptsPerEvent:  DefaultMaxAttempts,
		RetryBackoffBaseMS:   DefaultBackoffBaseMS,
		RetryBackoffFactor:   DefaultBackoffFactor,
		JitterRatio:          DefaultJitterRatio,
		PendingHighWatermark: DefaultHighWatermark,
		IntegrityCheckShare:  DefaultIntegrityShare,
		ReplicationMaxLagSec: DefaultMaxLagSeconds,
		SweepIntervalSec:     DefaultSweepIntervalSec,
		CatchupBatch:         DefaultCatchupBatch,
		EventDeadline:        DefaultEventDeadline,
		DatabasePath:         "weft.db",
		Region:               "us-east",
		Entities:             map[string]*EntityConfig{},
	}
}

// Load reads configuration from path (or weft.yaml in the working
// directory when path is empty), applies WEFT_ environment overrides, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("weft")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("workers", defaults.Workers)
	v.SetDefault("max-attempts-per-event", defaults.MaxAttemptsPerEvent)
	v.SetDefault("retry-backoff-base-ms", defaults.RetryBackoffBaseMS)
	v.SetDefault("retry-backoff-factor", defaults.RetryBackoffFactor)
	v.SetDefault("jitter-ratio", defaults.JitterRatio)
	v.SetDefault("pending-high-watermark", defaults.PendingHighWatermark)
	v.SetDefault("integrity-check-share", defaults.IntegrityCheckShare)
	v.SetDefault("replication-max-lag-seconds", defaults.ReplicationMaxLagSec)
	v.SetDefault("scheduled-invalidation-interval-seconds", defaults.SweepIntervalSec)
	v.SetDefault("catchup-batch", defaults.CatchupBatch)
	v.SetDefault("event-deadline", defaults.EventDeadline)
	v.SetDefault("database-path", defaults.DatabasePath)
	v.SetDefault("region", defaults.Region)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Entities == nil {
		cfg.Entities = map[string]*EntityConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds and per-entity configuration.
func (c *Config) Validate() error {
	if c.Workers < MinWorkers || c.Workers > MaxWorkers {
		return fmt.Errorf("workers must be between %d and %d (got %d)", MinWorkers, MaxWorkers, c.Workers)
	}
	if c.MaxAttemptsPerEvent < 1 {
		return fmt.Errorf("max-attempts-per-event must be at least 1 (got %d)", c.MaxAttemptsPerEvent)
	}
	if c.RetryBackoffFactor < 1 {
		return fmt.Errorf("retry-backoff-factor must be at least 1 (got %g)", c.RetryBackoffFactor)
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		return fmt.Errorf("jitter-ratio must be between 0 and 1 (got %g)", c.JitterRatio)
	}
	if c.IntegrityCheckShare < 0 || c.IntegrityCheckShare > 1 {
		return fmt.Errorf("integrity-check-share must be between 0 and 1 (got %g)", c.IntegrityCheckShare)
	}
	for name, ec := range c.Entities {
		if err := validateEntity(name, ec); err != nil {
			return err
		}
	}
	return nil
}

func validateEntity(name string, ec *EntityConfig) error {
	if ec == nil {
		return fmt.Errorf("entity %q: empty config", name)
	}
	if len(ec.Adapters) == 0 {
		return fmt.Errorf("entity %q: at least one adapter is required", name)
	}
	for _, a := range ec.Adapters {
		if a.Name == "" {
			return fmt.Errorf("entity %q: adapter name is required", name)
		}
	}
	if ec.Conflict.Strategy != "" && !ec.Conflict.Strategy.IsValid() {
		return fmt.Errorf("entity %q: invalid conflict strategy %q", name, ec.Conflict.Strategy)
	}
	if ec.Conflict.Strategy == types.StrategyCustom && ec.Conflict.CustomResolver == "" {
		return fmt.Errorf("entity %q: custom strategy requires a custom-resolver name", name)
	}
	switch ec.Cache.Mode {
	case "", "immediate", "lazy", "scheduled", "tags", "dependencies":
	default:
		return fmt.Errorf("entity %q: invalid cache mode %q", name, ec.Cache.Mode)
	}
	if ec.Replication.Enabled && len(ec.Replication.Regions) == 0 {
		return fmt.Errorf("entity %q: replication enabled with no regions", name)
	}
	return nil
}

// Entity returns the sync config for an entity type, or nil when none is
// registered.
func (c *Config) Entity(entityType string) *EntityConfig {
	return c.Entities[entityType]
}

// BackoffBase returns the retry backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

// SweepInterval returns the scheduled-invalidation sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// Marshal renders the configuration as weft.yaml-compatible YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Example returns a starter configuration with one fully-annotated
// entity type, for `weft config init`.
func Example() *Config {
	c := Default()
	c.Entities["user"] = &EntityConfig{
		Adapters: []AdapterRef{
			{Name: "primary-db", Kind: "database", WriteAllowed: true, DSN: "primary.db"},
			{Name: "user-cache", Kind: "cache", WriteAllowed: true},
			{Name: "user-search", Kind: "search-index", WriteAllowed: true},
		},
		Conflict: ConflictConfig{Strategy: types.StrategyLastWriteWins},
		Cache:    CacheConfig{Enabled: true, Mode: "immediate", TTLSeconds: 3600},
		Replication: ReplicationConfig{
			Enabled: true,
			Regions: []string{"us-east", "eu-west"},
		},
		CriticalFields: []string{"email"},
	}
	return c
}
