// Package memory provides an in-memory implementation of the storage
// interface for tests and ephemeral deployments. Semantics mirror the
// sqlite package: monotonic per-entity versions, priority dequeue with
// per-entity serialization, and monotonic cursor saves.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// Store implements storage.Store with plain maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	events    map[string]*types.SyncEvent
	order     []string // append order, for dequeue tie-breaking
	nextDue   map[string]time.Time
	conflicts map[string]*types.ConflictRecord
	confOrder []string
	cursors   map[string]*types.ReplicationCursor
	checks    map[string]*types.IntegrityCheck
	chkOrder  []string
	pendingInval []string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:    make(map[string]*types.SyncEvent),
		nextDue:   make(map[string]time.Time),
		conflicts: make(map[string]*types.ConflictRecord),
		cursors:   make(map[string]*types.ReplicationCursor),
		checks:    make(map[string]*types.IntegrityCheck),
	}
}

var _ storage.Store = (*Store)(nil)

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func cloneEvent(ev *types.SyncEvent) *types.SyncEvent {
	out := *ev
	out.Payload = ev.Payload.Clone()
	out.PrevSnapshot = ev.PrevSnapshot.Clone()
	if ev.Metadata != nil {
		out.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// AppendEvent appends an event, assigning a strictly monotonic per-entity
// version.
func (s *Store) AppendEvent(_ context.Context, ev *types.SyncEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = types.StatusPending
	}

	var prevVersion int64
	for _, e := range s.events {
		if e.EntityType == ev.EntityType && e.EntityID == ev.EntityID && e.Version > prevVersion {
			prevVersion = e.Version
		}
	}
	version := ev.SubmittedAt.UnixMilli() * types.VersionBase
	if version <= prevVersion {
		version = prevVersion + 1
	}
	ev.Version = version

	s.events[ev.ID] = cloneEvent(ev)
	s.order = append(s.order, ev.ID)
	return ev.ID, nil
}

// GetEvent fetches a single event by ID.
func (s *Store) GetEvent(_ context.Context, id string) (*types.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEvent(ev), nil
}

// eligible reports whether ev may be claimed at now, ignoring the
// per-entity serialization rule (checked separately).
func (s *Store) eligible(ev *types.SyncEvent, now time.Time) bool {
	switch ev.Status {
	case types.StatusPending:
		return true
	case types.StatusRetrying:
		due, ok := s.nextDue[ev.ID]
		return ok && !due.After(now)
	}
	return false
}

func (s *Store) keyProcessing(entityType, entityID string) bool {
	for _, e := range s.events {
		if e.EntityType == entityType && e.EntityID == entityID && e.Status == types.StatusProcessing {
			return true
		}
	}
	return false
}

// dequeueOrder returns event IDs in dequeue order: kind priority, then
// submit time, then append order.
func (s *Store) dequeueOrder() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.events[ids[i]], s.events[ids[j]]
		if a.Kind.Priority() != b.Kind.Priority() {
			return a.Kind.Priority() < b.Kind.Priority()
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return pos[ids[i]] < pos[ids[j]]
	})
	return ids
}

// ListPending returns pending and retrying events in dequeue order.
func (s *Store) ListPending(_ context.Context, limit int) ([]*types.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.SyncEvent
	for _, id := range s.dequeueOrder() {
		ev := s.events[id]
		if ev.Status != types.StatusPending && ev.Status != types.StatusRetrying {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ClaimNextPending atomically claims the next eligible event.
func (s *Store) ClaimNextPending(_ context.Context, now time.Time) (*types.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.dequeueOrder() {
		ev := s.events[id]
		if !s.eligible(ev, now) {
			continue
		}
		if s.keyProcessing(ev.EntityType, ev.EntityID) {
			continue
		}
		ev.Status = types.StatusProcessing
		ev.AttemptCount++
		delete(s.nextDue, ev.ID)
		return cloneEvent(ev), nil
	}
	return nil, storage.ErrNoPendingEvents
}

// ListSince returns completed events for the entity type and source region
// past minVersion, ascending by version.
func (s *Store) ListSince(_ context.Context, entityType, sourceRegion string, minVersion int64, limit int) ([]*types.SyncEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.SyncEvent
	for _, ev := range s.events {
		if ev.EntityType == entityType && ev.Region == sourceRegion &&
			ev.Version > minVersion && ev.Status == types.StatusCompleted {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEvents returns events matching the filter, newest first.
func (s *Store) ListEvents(_ context.Context, filter types.EventFilter) ([]*types.SyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.SyncEvent
	for _, ev := range s.events {
		if filter.EntityType != "" && ev.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && ev.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != nil && ev.Status != *filter.Status {
			continue
		}
		if filter.SourceRegion != "" && ev.Region != filter.SourceRegion {
			continue
		}
		if filter.MinVersion > 0 && ev.Version <= filter.MinVersion {
			continue
		}
		if filter.Since != nil && ev.SubmittedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateEventStatus moves an event through its state machine.
func (s *Store) UpdateEventStatus(_ context.Context, id string, status types.EventStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !ev.Status.CanTransition(status) {
		return storage.ErrInvalidTransition
	}
	ev.Status = status
	if lastErr != "" {
		ev.LastError = lastErr
	}
	return nil
}

// MarkRetry transitions a processing event to retrying.
func (s *Store) MarkRetry(_ context.Context, id string, lastErr string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !ev.Status.CanTransition(types.StatusRetrying) {
		return storage.ErrInvalidTransition
	}
	ev.Status = types.StatusRetrying
	ev.LastError = lastErr
	s.nextDue[id] = nextAttempt
	return nil
}

// SetEventPayload overwrites the event payload.
func (s *Store) SetEventPayload(_ context.Context, id string, payload types.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	ev.Payload = payload.Clone()
	return nil
}

// CountByStatus aggregates event counts by status over the trailing window.
func (s *Store) CountByStatus(_ context.Context, window time.Duration) (types.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}
	var counts types.StatusCounts
	for _, ev := range s.events {
		if !cutoff.IsZero() && ev.SubmittedAt.Before(cutoff) {
			continue
		}
		switch ev.Status {
		case types.StatusPending:
			counts.Pending++
		case types.StatusProcessing:
			counts.Processing++
		case types.StatusCompleted:
			counts.Completed++
		case types.StatusFailed:
			counts.Failed++
		case types.StatusRetrying:
			counts.Retrying++
		}
	}
	return counts, nil
}

// PendingCount returns pending + retrying event count.
func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Status == types.StatusPending || ev.Status == types.StatusRetrying {
			n++
		}
	}
	return n, nil
}

func cloneConflict(rec *types.ConflictRecord) *types.ConflictRecord {
	out := *rec
	out.SnapshotA = rec.SnapshotA.Clone()
	out.SnapshotB = rec.SnapshotB.Clone()
	out.ResolvedPayload = rec.ResolvedPayload.Clone()
	out.Sources = append([]string(nil), rec.Sources...)
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// CreateConflict persists a newly detected conflict record.
func (s *Store) CreateConflict(_ context.Context, rec *types.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = types.ConflictDetected
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	s.conflicts[rec.ID] = cloneConflict(rec)
	s.confOrder = append(s.confOrder, rec.ID)
	return nil
}

// SaveConflict updates a conflict record's mutable fields.
func (s *Store) SaveConflict(_ context.Context, rec *types.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conflicts[rec.ID]
	if !ok {
		return storage.ErrNotFound
	}
	cur.State = rec.State
	cur.ResolvedPayload = rec.ResolvedPayload.Clone()
	cur.Reason = rec.Reason
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		cur.ResolvedAt = &t
	}
	return nil
}

// GetConflict fetches a conflict record by ID.
func (s *Store) GetConflict(_ context.Context, id string) (*types.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conflicts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneConflict(rec), nil
}

// GetConflictByEvent fetches the most recent conflict tied to an event.
func (s *Store) GetConflictByEvent(_ context.Context, eventID string) (*types.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.confOrder) - 1; i >= 0; i-- {
		rec := s.conflicts[s.confOrder[i]]
		if rec.EventID == eventID {
			return cloneConflict(rec), nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListConflicts returns conflicts, newest first.
func (s *Store) ListConflicts(_ context.Context, entityType string, state types.ConflictState, limit int) ([]*types.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ConflictRecord
	for i := len(s.confOrder) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.conflicts[s.confOrder[i]]
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		if state != "" && rec.State != state {
			continue
		}
		out = append(out, cloneConflict(rec))
	}
	return out, nil
}

// ConflictCount returns conflicts detected within the trailing window.
func (s *Store) ConflictCount(_ context.Context, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}
	n := 0
	for _, rec := range s.conflicts {
		if cutoff.IsZero() || !rec.DetectedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func cloneCursor(cur *types.ReplicationCursor) *types.ReplicationCursor {
	out := *cur
	if cur.LastReplicatedAt != nil {
		t := *cur.LastReplicatedAt
		out.LastReplicatedAt = &t
	}
	return &out
}

// SaveCursor upserts a cursor, rejecting version regressions.
func (s *Store) SaveCursor(_ context.Context, cur *types.ReplicationCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cur.Key()
	if existing, ok := s.cursors[key]; ok {
		if cur.LastReplicatedVersion < existing.LastReplicatedVersion {
			return storage.ErrCursorRegressed
		}
		cur.ID = existing.ID
		cur.CreatedAt = existing.CreatedAt
	} else {
		if cur.ID == "" {
			cur.ID = uuid.NewString()
		}
		if cur.State == "" {
			cur.State = types.CursorActive
		}
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = time.Now().UTC()
		}
	}
	s.cursors[key] = cloneCursor(cur)
	return nil
}

// GetCursor fetches the cursor for a triple.
func (s *Store) GetCursor(_ context.Context, entityType, sourceRegion, targetRegion string) (*types.ReplicationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[entityType+"/"+sourceRegion+"/"+targetRegion]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneCursor(cur), nil
}

// ListCursors returns cursors, optionally narrowed to one entity type.
func (s *Store) ListCursors(_ context.Context, entityType string) ([]*types.ReplicationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ReplicationCursor
	for _, cur := range s.cursors {
		if entityType != "" && cur.EntityType != entityType {
			continue
		}
		out = append(out, cloneCursor(cur))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// EnqueueInvalidation records a cache key awaiting scheduled invalidation.
func (s *Store) EnqueueInvalidation(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.pendingInval {
		if k == key {
			return nil
		}
	}
	s.pendingInval = append(s.pendingInval, key)
	return nil
}

// DequeueInvalidations removes and returns up to limit pending keys.
func (s *Store) DequeueInvalidations(_ context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := limit
	if n > len(s.pendingInval) {
		n = len(s.pendingInval)
	}
	keys := append([]string(nil), s.pendingInval[:n]...)
	s.pendingInval = s.pendingInval[n:]
	return keys, nil
}

func cloneCheck(check *types.IntegrityCheck) *types.IntegrityCheck {
	out := *check
	out.Sources = append([]string(nil), check.Sources...)
	out.Findings = append([]types.Finding(nil), check.Findings...)
	if check.FinishedAt != nil {
		t := *check.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// CreateCheck persists a newly started integrity check.
func (s *Store) CreateCheck(_ context.Context, check *types.IntegrityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if check.ID == "" {
		check.ID = uuid.NewString()
	}
	if check.Status == "" {
		check.Status = types.CheckRunning
	}
	if check.StartedAt.IsZero() {
		check.StartedAt = time.Now().UTC()
	}
	s.checks[check.ID] = cloneCheck(check)
	s.chkOrder = append(s.chkOrder, check.ID)
	return nil
}

// SaveCheck updates a check's result fields.
func (s *Store) SaveCheck(_ context.Context, check *types.IntegrityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checks[check.ID]; !ok {
		return storage.ErrNotFound
	}
	s.checks[check.ID] = cloneCheck(check)
	return nil
}

// ListChecks returns checks, newest first.
func (s *Store) ListChecks(_ context.Context, entityType string, kind types.CheckKind, limit int) ([]*types.IntegrityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*types.IntegrityCheck
	for i := len(s.chkOrder) - 1; i >= 0 && len(out) < limit; i-- {
		check := s.checks[s.chkOrder[i]]
		if entityType != "" && check.EntityType != entityType {
			continue
		}
		if kind != "" && check.Kind != kind {
			continue
		}
		out = append(out, cloneCheck(check))
	}
	return out, nil
}
