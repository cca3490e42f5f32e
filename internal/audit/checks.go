package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/adapter"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/types"
)

// checkConsistency lists IDs from the first enumerable source and
// deep-compares every record across all sources, caches included,
// field by field.
func (a *Auditor) checkConsistency(ctx context.Context, check *types.IntegrityCheck, sources []adapter.Adapter) error {
	primary := enumerables(sources)[0]
	ids, err := primary.ListIDs(ctx, check.EntityType)
	if err != nil {
		return fmt.Errorf("failed to list ids from %s: %w", primary.Name(), err)
	}

	for _, id := range ids {
		check.RecordsChecked++
		base, err := primary.Read(ctx, check.EntityType, id)
		if err != nil {
			return fmt.Errorf("failed to read %s from %s: %w", id, primary.Name(), err)
		}
		for _, other := range sources {
			if other == primary {
				continue
			}
			got, err := other.Read(ctx, check.EntityType, id)
			if errors.Is(err, adapter.ErrAbsent) {
				// A cold cache is not drift; absence only counts
				// against durable sources.
				if other.Kind() == adapter.KindCache {
					continue
				}
				check.Inconsistencies++
				check.Findings = append(check.Findings, types.Finding{
					EntityID: id,
					SourceA:  primary.Name(),
					SourceB:  other.Name(),
					Detail:   "record absent from " + other.Name(),
				})
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s from %s: %w", id, other.Name(), err)
			}
			for _, path := range base.Diff(got) {
				check.Inconsistencies++
				check.Findings = append(check.Findings, types.Finding{
					EntityID:  id,
					FieldPath: path,
					ValueA:    valueAt(base, path),
					ValueB:    valueAt(got, path),
					SourceA:   primary.Name(),
					SourceB:   other.Name(),
				})
			}
		}
	}
	return nil
}

// checkCompleteness unions the ID sets of every source and flags IDs
// missing from any of them.
func (a *Auditor) checkCompleteness(ctx context.Context, check *types.IntegrityCheck, sources []adapter.Adapter) error {
	perSource := make([]map[string]struct{}, len(sources))
	union := map[string]struct{}{}
	for i, src := range sources {
		ids, err := src.ListIDs(ctx, check.EntityType)
		if err != nil {
			return fmt.Errorf("failed to list ids from %s: %w", src.Name(), err)
		}
		perSource[i] = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			perSource[i][id] = struct{}{}
			union[id] = struct{}{}
		}
	}

	all := make([]string, 0, len(union))
	for id := range union {
		all = append(all, id)
	}
	sort.Strings(all)

	check.RecordsChecked = len(all)
	for _, id := range all {
		for i, src := range sources {
			if _, ok := perSource[i][id]; ok {
				continue
			}
			check.Inconsistencies++
			check.Findings = append(check.Findings, types.Finding{
				EntityID: id,
				SourceB:  src.Name(),
				Detail:   "missing from " + src.Name(),
			})
		}
	}
	return nil
}

// checkReferentialIntegrity verifies that every configured reference
// field points at an existing record of the referenced type, within
// the same source.
func (a *Auditor) checkReferentialIntegrity(ctx context.Context, check *types.IntegrityCheck, ec *config.EntityConfig, sources []adapter.Adapter) error {
	if len(ec.ReferenceFields) == 0 {
		return nil
	}
	fields := make([]string, 0, len(ec.ReferenceFields))
	for f := range ec.ReferenceFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, src := range sources {
		ids, err := src.ListIDs(ctx, check.EntityType)
		if err != nil {
			return fmt.Errorf("failed to list ids from %s: %w", src.Name(), err)
		}
		for _, id := range ids {
			check.RecordsChecked++
			rec, err := src.Read(ctx, check.EntityType, id)
			if err != nil {
				return fmt.Errorf("failed to read %s from %s: %w", id, src.Name(), err)
			}
			for _, field := range fields {
				targetType := ec.ReferenceFields[field]
				v, ok := rec[field]
				if !ok || v.Kind == types.KindNull {
					continue
				}
				if v.Kind != types.KindString || v.Str == "" {
					check.Inconsistencies++
					check.Findings = append(check.Findings, types.Finding{
						EntityID:  id,
						FieldPath: field,
						SourceA:   src.Name(),
						Detail:    "reference field is not a string id",
					})
					continue
				}
				_, err := src.Read(ctx, targetType, v.Str)
				if errors.Is(err, adapter.ErrAbsent) {
					check.Inconsistencies++
					check.Findings = append(check.Findings, types.Finding{
						EntityID:  id,
						FieldPath: field,
						ValueA:    v.Str,
						SourceA:   src.Name(),
						Detail:    fmt.Sprintf("dangling reference to %s/%s", targetType, v.Str),
					})
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to read referenced %s/%s: %w", targetType, v.Str, err)
				}
			}
		}
	}
	return nil
}

// checkSchemaValidation compares each record against the configured
// schema: required fields present and types matching. Cache sources
// cannot enumerate, so their records are checked under the first
// enumerable source's IDs, skipping keys the cache does not hold.
func (a *Auditor) checkSchemaValidation(ctx context.Context, check *types.IntegrityCheck, ec *config.EntityConfig, sources []adapter.Adapter) error {
	if len(ec.Schema) == 0 {
		return nil
	}
	fields := make([]string, 0, len(ec.Schema))
	for f := range ec.Schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	enums := enumerables(sources)
	for _, src := range sources {
		lister := src
		if src.Kind() == adapter.KindCache {
			lister = enums[0]
		}
		ids, err := lister.ListIDs(ctx, check.EntityType)
		if err != nil {
			return fmt.Errorf("failed to list ids from %s: %w", lister.Name(), err)
		}
		for _, id := range ids {
			rec, err := src.Read(ctx, check.EntityType, id)
			if errors.Is(err, adapter.ErrAbsent) && src.Kind() == adapter.KindCache {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s from %s: %w", id, src.Name(), err)
			}
			check.RecordsChecked++
			for _, field := range fields {
				want := ec.Schema[field]
				v, ok := rec[field]
				if !ok {
					check.Inconsistencies++
					check.Findings = append(check.Findings, types.Finding{
						EntityID:  id,
						FieldPath: field,
						SourceA:   src.Name(),
						Detail:    "required field missing",
					})
					continue
				}
				if got := v.TypeName(); got != want {
					check.Inconsistencies++
					check.Findings = append(check.Findings, types.Finding{
						EntityID:  id,
						FieldPath: field,
						ValueA:    got,
						ValueB:    want,
						SourceA:   src.Name(),
						Detail:    fmt.Sprintf("expected %s, got %s", want, got),
					})
				}
			}
		}
	}
	return nil
}

// evaluateThresholds emits alerts for consistency score, conflict rate
// and failure rate over the trailing hour.
func (a *Auditor) evaluateThresholds(ctx context.Context) error {
	var errs []error

	for et := range a.cfg.Entities {
		score, ok, err := a.consistencyScore(ctx, et)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && score < minConsistencyScore {
			a.emit(Alert{
				EntityType: et,
				Kind:       "consistency-score",
				Message:    fmt.Sprintf("consistency score %.3f below %.2f", score, minConsistencyScore),
				Value:      score,
				Threshold:  minConsistencyScore,
			})
		}
	}

	counts, err := a.store.CountByStatus(ctx, time.Hour)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to count events: %w", err))
		return errors.Join(errs...)
	}
	if total := counts.Total(); total > 0 {
		conflicts, err := a.store.ConflictCount(ctx, time.Hour)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to count conflicts: %w", err))
		} else if rate := float64(conflicts) / float64(total); rate > maxConflictRate {
			a.emit(Alert{
				Kind:      "conflict-rate",
				Message:   fmt.Sprintf("conflict rate %.3f above %.2f", rate, maxConflictRate),
				Value:     rate,
				Threshold: maxConflictRate,
			})
		}
		if rate := counts.FailureRate(); rate > maxFailureRate {
			a.emit(Alert{
				Kind:      "failure-rate",
				Message:   fmt.Sprintf("sync failure rate %.3f above %.2f", rate, maxFailureRate),
				Value:     rate,
				Threshold: maxFailureRate,
			})
		}
	}
	return errors.Join(errs...)
}

// consistencyScore derives 1 - (inconsistent / checked) from the most
// recent consistency check inside the trailing hour. ok is false when
// no such check ran.
func (a *Auditor) consistencyScore(ctx context.Context, entityType string) (float64, bool, error) {
	checks, err := a.store.ListChecks(ctx, entityType, types.CheckConsistency, 1)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list checks: %w", err)
	}
	if len(checks) == 0 {
		return 0, false, nil
	}
	check := checks[0]
	if check.StartedAt.Before(a.now().Add(-time.Hour)) || check.RecordsChecked == 0 {
		return 0, false, nil
	}
	score := 1 - float64(check.Inconsistencies)/float64(check.RecordsChecked)
	if score < 0 {
		score = 0
	}
	return score, true, nil
}

// valueAt renders the value at a dotted path for findings.
func valueAt(p types.Payload, path string) string {
	v, ok := lookup(p, path)
	if !ok {
		return "<absent>"
	}
	return v.String()
}

func lookup(p types.Payload, path string) (types.Value, bool) {
	cur := p
	for {
		i := strings.IndexByte(path, '.')
		if i < 0 {
			v, ok := cur[path]
			return v, ok
		}
		v, ok := cur[path[:i]]
		if !ok || v.Kind != types.KindMap {
			return types.Value{}, false
		}
		cur = v.Map
		path = path[i+1:]
	}
}
