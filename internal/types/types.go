// Package types defines core data structures for the weft sync engine.
package types

import (
	"fmt"
	"time"
)

// SyncEvent is a durable record of one intended mutation. It is append-only:
// once completed, only the status/attempt fields may change.
type SyncEvent struct {
	ID           string      `json:"id"`
	EntityType   string      `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	Kind         EventKind   `json:"kind"`
	Source       string      `json:"source"`
	Region       string      `json:"region"`
	Payload      Payload     `json:"payload"`
	PrevSnapshot Payload     `json:"prev_snapshot,omitempty"`
	Version      int64       `json:"version"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	Status       EventStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	MaxAttempts  int         `json:"max_attempts"`
	LastError    string      `json:"last_error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the event's field values before it is appended.
func (e *SyncEvent) Validate() error {
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("invalid event kind: %s", e.Kind)
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", e.MaxAttempts)
	}
	return nil
}

// VersionBase is the multiplier applied to wall-clock milliseconds when
// assigning versions. It must exceed the maximum plausible per-entity burst
// within one millisecond.
const VersionBase = 1000

// EventKind categorizes the mutation an event carries.
type EventKind string

// Event kind constants
const (
	KindCreate     EventKind = "create"
	KindUpdate     EventKind = "update"
	KindDelete     EventKind = "delete"
	KindBulkUpdate EventKind = "bulk-update"
)

// IsValid checks if the event kind value is valid.
func (k EventKind) IsValid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindBulkUpdate:
		return true
	}
	return false
}

// Priority returns the dequeue priority for the kind. Lower sorts first:
// deletes drain before creates, creates before updates, bulk last.
func (k EventKind) Priority() int {
	switch k {
	case KindDelete:
		return 0
	case KindCreate:
		return 1
	case KindUpdate:
		return 2
	case KindBulkUpdate:
		return 3
	}
	return 4
}

// EventStatus represents the lifecycle state of a sync event.
type EventStatus string

// Event status constants
const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusRetrying   EventStatus = "retrying"
)

// IsValid checks if the status value is valid.
func (s EventStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a terminal state.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the status machine permits moving to next.
// Legal moves: pending → processing → {completed | failed | retrying};
// retrying → processing.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusRetrying
	case StatusRetrying:
		return next == StatusProcessing
	}
	return false
}

// ConflictRecord tracks one detected conflict through its lifecycle.
// It is created at detection and mutated only by the resolver.
type ConflictRecord struct {
	ID              string           `json:"id"`
	EntityType      string           `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	EventID         string           `json:"event_id,omitempty"`
	Kind            ConflictKind     `json:"kind"`
	Strategy        ResolutionStrategy `json:"strategy"`
	State           ConflictState    `json:"state"`
	SnapshotA       Payload          `json:"snapshot_a"`
	SnapshotB       Payload          `json:"snapshot_b"`
	ResolvedPayload Payload          `json:"resolved_payload,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	DetectedAt      time.Time        `json:"detected_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	Sources         []string         `json:"sources,omitempty"`
}

// ConflictKind categorizes what kind of divergence was detected.
type ConflictKind string

// Conflict kind constants
const (
	ConflictVersion          ConflictKind = "version"
	ConflictConcurrentUpdate ConflictKind = "concurrent-update"
	ConflictDataInconsistency ConflictKind = "data-inconsistency"
	ConflictSchemaMismatch   ConflictKind = "schema-mismatch"
)

// IsValid checks if the conflict kind value is valid.
func (k ConflictKind) IsValid() bool {
	switch k {
	case ConflictVersion, ConflictConcurrentUpdate, ConflictDataInconsistency, ConflictSchemaMismatch:
		return true
	}
	return false
}

// ResolutionStrategy names how a conflict is resolved.
type ResolutionStrategy string

// Resolution strategy constants
const (
	StrategyLastWriteWins  ResolutionStrategy = "last-write-wins"
	StrategyFirstWriteWins ResolutionStrategy = "first-write-wins"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
	StrategyCustom         ResolutionStrategy = "custom"
)

// IsValid checks if the strategy value is valid.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyFirstWriteWins, StrategyMerge, StrategyManual, StrategyCustom:
		return true
	}
	return false
}

// ConflictState represents the lifecycle state of a conflict record.
type ConflictState string

// Conflict state constants
const (
	ConflictDetected  ConflictState = "detected"
	ConflictResolving ConflictState = "resolving"
	ConflictResolved  ConflictState = "resolved"
	ConflictFailed    ConflictState = "failed"
)

// IsValid checks if the conflict state value is valid.
func (s ConflictState) IsValid() bool {
	switch s {
	case ConflictDetected, ConflictResolving, ConflictResolved, ConflictFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the conflict state is terminal.
func (s ConflictState) IsTerminal() bool {
	return s == ConflictResolved || s == ConflictFailed
}

// ReplicationCursor is the progress marker for one
// (entity-type, source-region, target-region) replication stream.
// The triple is unique; the replicator is its exclusive writer.
type ReplicationCursor struct {
	ID                    string      `json:"id"`
	EntityType            string      `json:"entity_type"`
	SourceRegion          string      `json:"source_region"`
	TargetRegion          string      `json:"target_region"`
	State                 CursorState `json:"state"`
	LastReplicatedVersion int64       `json:"last_replicated_version"`
	LastReplicatedAt      *time.Time  `json:"last_replicated_at,omitempty"`
	PendingCount          int         `json:"pending_count"`
	FailedCount           int         `json:"failed_count"`
	LagSeconds            float64     `json:"lag_seconds"`
	MaxLagSeconds         int         `json:"max_lag_seconds"`
	LastError             string      `json:"last_error,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// Key returns the unique (entity-type, source, target) identity of the cursor.
func (c *ReplicationCursor) Key() string {
	return c.EntityType + "/" + c.SourceRegion + "/" + c.TargetRegion
}

// CursorState represents the operational state of a replication cursor.
type CursorState string

// Cursor state constants
const (
	CursorActive  CursorState = "active"
	CursorPaused  CursorState = "paused"
	CursorError   CursorState = "error"
	CursorSyncing CursorState = "syncing"
)

// IsValid checks if the cursor state value is valid.
func (s CursorState) IsValid() bool {
	switch s {
	case CursorActive, CursorPaused, CursorError, CursorSyncing:
		return true
	}
	return false
}

// ReplicationMessage is the wire payload published to a target region.
type ReplicationMessage struct {
	EventID      string    `json:"event_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Kind         EventKind `json:"kind"`
	Payload      Payload   `json:"payload"`
	Version      int64     `json:"version"`
	OriginTime   time.Time `json:"origin_time"`
	SourceRegion string    `json:"source_region"`
	TargetRegion string    `json:"target_region"`
}

// IntegrityCheck records one auditor run over an entity type.
type IntegrityCheck struct {
	ID              string        `json:"id"`
	EntityType      string        `json:"entity_type"`
	Kind            CheckKind     `json:"kind"`
	Sources         []string      `json:"sources"`
	Status          CheckStatus   `json:"status"`
	RecordsChecked  int           `json:"records_checked"`
	Inconsistencies int           `json:"inconsistencies_found"`
	Findings        []Finding     `json:"findings,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	DurationMS      int64         `json:"duration_ms"`
}

// Finish stamps the check's end time and duration, preserving the
// finished-at ≥ started-at invariant.
func (c *IntegrityCheck) Finish(now time.Time) {
	if now.Before(c.StartedAt) {
		now = c.StartedAt
	}
	c.FinishedAt = &now
	c.DurationMS = now.Sub(c.StartedAt).Milliseconds()
}

// Finding is one per-record discrepancy discovered by an integrity check.
type Finding struct {
	EntityID  string `json:"entity_id"`
	FieldPath string `json:"field_path,omitempty"`
	ValueA    string `json:"value_a,omitempty"`
	ValueB    string `json:"value_b,omitempty"`
	SourceA   string `json:"source_a,omitempty"`
	SourceB   string `json:"source_b,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// CheckKind categorizes integrity checks.
type CheckKind string

// Check kind constants
const (
	CheckConsistency          CheckKind = "consistency"
	CheckCompleteness         CheckKind = "completeness"
	CheckReferentialIntegrity CheckKind = "referential-integrity"
	CheckSchemaValidation     CheckKind = "schema-validation"
)

// IsValid checks if the check kind value is valid.
func (k CheckKind) IsValid() bool {
	switch k {
	case CheckConsistency, CheckCompleteness, CheckReferentialIntegrity, CheckSchemaValidation:
		return true
	}
	return false
}

// CheckStatus represents the state of an integrity check run.
type CheckStatus string

// Check status constants
const (
	CheckRunning CheckStatus = "running"
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
)

// IsValid checks if the check status value is valid.
func (s CheckStatus) IsValid() bool {
	switch s {
	case CheckRunning, CheckPassed, CheckFailed, CheckWarning:
		return true
	}
	return false
}

// EventFilter narrows event store queries.
type EventFilter struct {
	EntityType   string
	EntityID     string
	Status       *EventStatus
	SourceRegion string
	MinVersion   int64
	Since        *time.Time
	Limit        int
}

// StatusCounts aggregates event counts by status over a window.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}

// Total returns the sum over all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Retrying
}

// FailureRate returns failed / total, or 0 for an empty window.
func (c StatusCounts) FailureRate() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Failed) / float64(total)
}
