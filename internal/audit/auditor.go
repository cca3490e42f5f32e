// Package audit runs periodic integrity checks over the sync targets:
// cross-source consistency, completeness, referential integrity and
// schema validation. The auditor is strictly read-only; it reports
// findings and emits alerts, never mutating payloads.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// Alert thresholds over the trailing hour.
const (
	minConsistencyScore = 0.95
	maxConflictRate     = 0.10
	maxFailureRate      = 0.02
)

// auditInterval is the cadence of the full audit pass.
const auditInterval = time.Hour

// Alert reports one breached threshold.
type Alert struct {
	EntityType string    `json:"entity_type,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	At         time.Time `json:"at"`
}

// AlertFunc receives threshold-breach alerts. Register during startup.
type AlertFunc func(Alert)

// Auditor runs the four integrity check kinds against every configured
// entity type.
type Auditor struct {
	cfg      *config.Config
	store    storage.Store
	registry *adapter.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	alerts []AlertFunc
}

// New creates an auditor reading through registry.
func New(cfg *config.Config, store storage.Store, registry *adapter.Registry, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// OnAlert registers an alert receiver. Call during startup.
func (a *Auditor) OnAlert(fn AlertFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, fn)
}

func (a *Auditor) emit(alert Alert) {
	alert.At = a.now().UTC()
	a.mu.RLock()
	fns := make([]AlertFunc, len(a.alerts))
	copy(fns, a.alerts)
	a.mu.RUnlock()
	a.logger.Warn("integrity alert",
		"kind", alert.Kind,
		"entity_type", alert.EntityType,
		"value", alert.Value,
		"threshold", alert.Threshold)
	for _, fn := range fns {
		fn(alert)
	}
}

// Run executes the audit pass hourly until ctx is canceled. Each pass
// is throttled by the configured integrity-check share: the auditor
// sleeps between entity types so it never monopolizes worker capacity.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.AuditAll(ctx); err != nil {
				a.logger.Error("audit pass failed", "error", err)
			}
		}
	}
}

// AuditAll runs every check kind for every configured entity type,
// then evaluates the alert thresholds.
func (a *Auditor) AuditAll(ctx context.Context) error {
	entityTypes := make([]string, 0, len(a.cfg.Entities))
	for et := range a.cfg.Entities {
		entityTypes = append(entityTypes, et)
	}
	sort.Strings(entityTypes)

	share := a.cfg.IntegrityCheckShare
	if share <= 0 || share > 1 {
		share = config.DefaultIntegrityShare
	}

	var errs []error
	for _, et := range entityTypes {
		start := a.now()
		for _, kind := range []types.CheckKind{
			types.CheckConsistency,
			types.CheckCompleteness,
			types.CheckReferentialIntegrity,
			types.CheckSchemaValidation,
		} {
			if _, err := a.RunCheck(ctx, et, kind); err != nil {
				errs = append(errs, err)
			}
		}
		// Spend at most `share` of wall time auditing: sleep in
		// proportion to the time the checks just consumed.
		busy := a.now().Sub(start)
		idle := time.Duration(float64(busy) * (1 - share) / share)
		if idle > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(errs...)
			case <-time.After(idle):
			}
		}
	}

	if err := a.evaluateThresholds(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunCheck executes one check kind for one entity type and persists
// its IntegrityCheck record.
func (a *Auditor) RunCheck(ctx context.Context, entityType string, kind types.CheckKind) (*types.IntegrityCheck, error) {
	ec := a.cfg.Entity(entityType)
	if ec == nil {
		return nil, fmt.Errorf("no configuration for entity type %q", entityType)
	}
	sources := a.sources(ec)
	enums := enumerables(sources)
	if len(enums) == 0 {
		return nil, fmt.Errorf("entity type %q has no enumerable adapters to audit", entityType)
	}

	check := &types.IntegrityCheck{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Kind:       kind,
		Sources:    sourceNames(sources),
		Status:     types.CheckRunning,
		StartedAt:  a.now().UTC(),
	}
	if err := a.store.CreateCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("failed to create check record: %w", err)
	}

	// Consistency and schema checks read from every source, caches
	// included; only the ID-listing roles are restricted to adapters
	// that can enumerate.
	var err error
	switch kind {
	case types.CheckConsistency:
		err = a.checkConsistency(ctx, check, sources)
	case types.CheckCompleteness:
		err = a.checkCompleteness(ctx, check, enums)
	case types.CheckReferentialIntegrity:
		err = a.checkReferentialIntegrity(ctx, check, ec, enums)
	case types.CheckSchemaValidation:
		err = a.checkSchemaValidation(ctx, check, ec, sources)
	default:
		err = fmt.Errorf("unknown check kind %q", kind)
	}

	check.Finish(a.now().UTC())
	if err != nil {
		check.Status = types.CheckFailed
		if len(check.Findings) == 0 {
			check.Findings = append(check.Findings, types.Finding{Detail: err.Error()})
		}
	} else if check.Inconsistencies > 0 {
		check.Status = types.CheckWarning
	} else {
		check.Status = types.CheckPassed
	}
	if saveErr := a.store.SaveCheck(ctx, check); saveErr != nil {
		return check, fmt.Errorf("failed to save check record: %w", saveErr)
	}
	a.logger.Info("integrity check finished",
		"check_id", check.ID,
		"entity_type", entityType,
		"kind", kind,
		"status", check.Status,
		"records", check.RecordsChecked,
		"inconsistencies", check.Inconsistencies)
	return check, err
}

// sources returns every registered adapter for the entity, in config
// order.
func (a *Auditor) sources(ec *config.EntityConfig) []adapter.Adapter {
	var out []adapter.Adapter
	for _, ref := range ec.Adapters {
		ad, err := a.registry.Get(ref.Name)
		if err != nil {
			continue
		}
		out = append(out, ad)
	}
	return out
}

// enumerables filters to the adapters that can list IDs (caches cannot).
func enumerables(sources []adapter.Adapter) []adapter.Adapter {
	var out []adapter.Adapter
	for _, s := range sources {
		if s.Kind() == adapter.KindCache {
			continue
		}
		out = append(out, s)
	}
	return out
}

func sourceNames(sources []adapter.Adapter) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	return names
}
