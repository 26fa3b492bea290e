// Package postgres implements a durable Postgres archive for terminal runs.
package postgres

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id            TEXT PRIMARY KEY,
    dedup_key         TEXT NOT NULL,
    artifact_id       TEXT NOT NULL,
    artifact_version  TEXT NOT NULL,
    status            TEXT NOT NULL,
    overall_status    TEXT,
    version           INTEGER NOT NULL,
    report_dispatched BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason    TEXT,
    failure_category  TEXT,
    data              JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    archived_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_runs_artifact ON runs (artifact_id, artifact_version);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs (created_at);

CREATE TABLE IF NOT EXISTS events (
    event_id    TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    stage       TEXT,
    status      TEXT,
    message     TEXT,
    details     JSONB,
    timestamp   TIMESTAMPTZ NOT NULL,
    archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events (run_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind);
`
