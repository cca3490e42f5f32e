package sqlite

const schema = `
-- Sync events: the append-only log
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    kind_priority INTEGER NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    region TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    prev_snapshot TEXT,
    version INTEGER NOT NULL,
    submitted_at DATETIME NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at DATETIME,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(entity_type, entity_id, version)
);

CREATE INDEX IF NOT EXISTS idx_events_status_submitted ON events(status, submitted_at);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_events_source_region ON events(source, region);
CREATE INDEX IF NOT EXISTS idx_events_region_version ON events(entity_type, region, version);

-- Conflict records
CREATE TABLE IF NOT EXISTS conflicts (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    event_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    strategy TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'detected',
    snapshot_a TEXT NOT NULL DEFAULT '{}',
    snapshot_b TEXT NOT NULL DEFAULT '{}',
    resolved_payload TEXT,
    reason TEXT NOT NULL DEFAULT '',
    detected_at DATETIME NOT NULL,
    resolved_at DATETIME,
    sources TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conflicts_event ON conflicts(event_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity_state ON conflicts(entity_type, state);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts(detected_at);

-- Replication cursors: one per (entity_type, source, target)
CREATE TABLE IF NOT EXISTS cursors (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    source_region TEXT NOT NULL,
    target_region TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    last_replicated_version INTEGER NOT NULL DEFAULT 0,
    last_replicated_at DATETIME,
    pending_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    lag_seconds REAL NOT NULL DEFAULT 0,
    max_lag_seconds INTEGER NOT NULL DEFAULT 300,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(entity_type, source_region, target_region)
);

-- Scheduled cache invalidations awaiting the sweeper
CREATE TABLE IF NOT EXISTS pending_invalidations (
    key TEXT PRIMARY KEY,
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Integrity checks
CREATE TABLE IF NOT EXISTS checks (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    kind TEXT NOT NULL,
    sources TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'running',
    records_checked INTEGER NOT NULL DEFAULT 0,
    inconsistencies INTEGER NOT NULL DEFAULT 0,
    findings TEXT NOT NULL DEFAULT '[]',
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_checks_entity_kind ON checks(entity_type, kind);
CREATE INDEX IF NOT EXISTS idx_checks_status_created ON checks(status, created_at);
`
