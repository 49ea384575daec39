package sqlite

// Schema for the embedded backend. Timestamps are ISO-8601 UTC strings;
// content, metadata and pay_ready_context are JSON TEXT columns.
const schema = `
CREATE TABLE IF NOT EXISTS foundational_knowledge (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    category          TEXT NOT NULL,
    classification    TEXT NOT NULL,
    priority          INTEGER NOT NULL,
    content           TEXT NOT NULL DEFAULT '{}',
    metadata          TEXT NOT NULL DEFAULT '{}',
    source            TEXT NOT NULL DEFAULT 'manual',
    source_id         TEXT,
    is_active         INTEGER NOT NULL DEFAULT 1,
    is_foundational   INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 1,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    synced_at         TEXT,
    pay_ready_context TEXT
);

CREATE INDEX IF NOT EXISTS idx_knowledge_classification
    ON foundational_knowledge(classification);
CREATE INDEX IF NOT EXISTS idx_knowledge_category
    ON foundational_knowledge(category);
CREATE INDEX IF NOT EXISTS idx_knowledge_source_id
    ON foundational_knowledge(source_id);

CREATE TABLE IF NOT EXISTS knowledge_versions (
    version_id        TEXT PRIMARY KEY,
    entity_id         TEXT NOT NULL REFERENCES foundational_knowledge(id) ON DELETE CASCADE,
    version_number    INTEGER NOT NULL,
    content_snapshot  TEXT NOT NULL DEFAULT '{}',
    metadata_snapshot TEXT NOT NULL DEFAULT '{}',
    change_summary    TEXT NOT NULL DEFAULT '',
    changed_by        TEXT NOT NULL DEFAULT 'system',
    created_at        TEXT NOT NULL,
    UNIQUE(entity_id, version_number)
);

CREATE TABLE IF NOT EXISTS sync_operations (
    id                 TEXT PRIMARY KEY,
    kind               TEXT NOT NULL,
    source             TEXT NOT NULL,
    status             TEXT NOT NULL,
    started_at         TEXT NOT NULL,
    completed_at       TEXT,
    records_processed  INTEGER NOT NULL DEFAULT 0,
    conflicts_detected INTEGER NOT NULL DEFAULT 0,
    error_details      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id                TEXT PRIMARY KEY,
    entity_id         TEXT NOT NULL,
    sync_operation_id TEXT NOT NULL,
    local_snapshot    TEXT NOT NULL DEFAULT '{}',
    remote_snapshot   TEXT NOT NULL DEFAULT '{}',
    conflict_type     TEXT NOT NULL,
    resolution_status TEXT NOT NULL DEFAULT 'pending',
    resolved_by       TEXT NOT NULL DEFAULT '',
    resolved_at       TEXT,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity
    ON sync_conflicts(entity_id);
`
