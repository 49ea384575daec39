package postgres

// Schema for the networked backend. JSONB for documents, timestamptz for
// instants. Applied idempotently at pool creation.
const schema = `
CREATE TABLE IF NOT EXISTS foundational_knowledge (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    category          TEXT NOT NULL,
    classification    TEXT NOT NULL,
    priority          INTEGER NOT NULL,
    content           JSONB NOT NULL DEFAULT '{}'::jsonb,
    metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
    source            TEXT NOT NULL DEFAULT 'manual',
    source_id         TEXT,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    is_foundational   BOOLEAN NOT NULL DEFAULT FALSE,
    version           INTEGER NOT NULL DEFAULT 1,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    synced_at         TIMESTAMPTZ,
    pay_ready_context JSONB
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
    content_snapshot  JSONB NOT NULL DEFAULT '{}'::jsonb,
    metadata_snapshot JSONB NOT NULL DEFAULT '{}'::jsonb,
    change_summary    TEXT NOT NULL DEFAULT '',
    changed_by        TEXT NOT NULL DEFAULT 'system',
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE(entity_id, version_number)
);

CREATE TABLE IF NOT EXISTS sync_operations (
    id                 TEXT PRIMARY KEY,
    kind               TEXT NOT NULL,
    source             TEXT NOT NULL,
    status             TEXT NOT NULL,
    started_at         TIMESTAMPTZ NOT NULL,
    completed_at       TIMESTAMPTZ,
    records_processed  INTEGER NOT NULL DEFAULT 0,
    conflicts_detected INTEGER NOT NULL DEFAULT 0,
    error_details      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id                TEXT PRIMARY KEY,
    entity_id         TEXT NOT NULL,
    sync_operation_id TEXT NOT NULL,
    local_snapshot    JSONB NOT NULL DEFAULT '{}'::jsonb,
    remote_snapshot   JSONB NOT NULL DEFAULT '{}'::jsonb,
    conflict_type     TEXT NOT NULL,
    resolution_status TEXT NOT NULL DEFAULT 'pending',
    resolved_by       TEXT NOT NULL DEFAULT '',
    resolved_at       TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity
    ON sync_conflicts(entity_id);
`
