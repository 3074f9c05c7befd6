// Package storage provides the PostgreSQL-backed Persistence layer (spec
// §4.7) and RetentionJob (spec §4.11). It owns the ingest_queue,
// transcriptions, structured_events, integrity_events, and
// retention_audit tables, following the same single-pool,
// Migrate-on-start pattern as pkg/memory/postgres.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlIngestQueue = `
CREATE TABLE IF NOT EXISTS ingest_queue (
    segment_id      TEXT         PRIMARY KEY,
    path            TEXT         NOT NULL,
    size_bytes      BIGINT       NOT NULL DEFAULT 0,
    sample_rate     INT          NOT NULL DEFAULT 16000,
    channels        INT          NOT NULL DEFAULT 1,
    bits_per_sample INT          NOT NULL DEFAULT 16,
    status          TEXT         NOT NULL DEFAULT 'received',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlTranscriptions = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id                   TEXT         PRIMARY KEY,
    segment_id           TEXT         NOT NULL UNIQUE REFERENCES ingest_queue (segment_id),
    text                 TEXT         NOT NULL,
    detected_language    TEXT         NOT NULL DEFAULT '',
    language_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_sec         DOUBLE PRECISION NOT NULL DEFAULT 0,
    segments_json        JSONB        NOT NULL DEFAULT '[]',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_created_at ON transcriptions (created_at);
`

const ddlStructuredEvents = `
CREATE TABLE IF NOT EXISTS structured_events (
    id                    TEXT         PRIMARY KEY,
    transcription_id      TEXT         NOT NULL UNIQUE REFERENCES transcriptions (id),
    summary               TEXT         NOT NULL DEFAULT '',
    topics                JSONB        NOT NULL DEFAULT '[]',
    domains               JSONB        NOT NULL DEFAULT '[]',
    emotions              JSONB        NOT NULL DEFAULT '[]',
    tasks                 JSONB        NOT NULL DEFAULT '[]',
    decisions             JSONB        NOT NULL DEFAULT '[]',
    urgency               TEXT         NOT NULL DEFAULT 'low',
    sentiment             TEXT         NOT NULL DEFAULT 'neutral',
    asr_confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
    enrichment_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    enrichment_model      TEXT         NOT NULL DEFAULT '',
    enrichment_tokens     INT          NOT NULL DEFAULT 0,
    enrichment_latency_ms BIGINT       NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlIntegrityEvents = `
CREATE TABLE IF NOT EXISTS integrity_events (
    id          BIGSERIAL    PRIMARY KEY,
    segment_id  TEXT         NOT NULL,
    stage       TEXT         NOT NULL,
    content_hash TEXT        NOT NULL,
    prev_hash   TEXT,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_integrity_events_segment_created
    ON integrity_events (segment_id, created_at);
`

const ddlRetentionAudit = `
CREATE TABLE IF NOT EXISTS retention_audit (
    id            BIGSERIAL    PRIMARY KEY,
    job_run_id    TEXT         NOT NULL,
    table_name    TEXT         NOT NULL,
    record_count  INT          NOT NULL DEFAULT 0,
    rows_scanned  INT          NOT NULL DEFAULT 0,
    min_deleted_id BIGINT      NOT NULL DEFAULT 0,
    max_deleted_id BIGINT      NOT NULL DEFAULT 0,
    rule          TEXT         NOT NULL,
    cutoff        TIMESTAMPTZ  NOT NULL,
    duration_ms   BIGINT       NOT NULL DEFAULT 0,
    actor         TEXT         NOT NULL DEFAULT '',
    trigger       TEXT         NOT NULL,
    environment   TEXT         NOT NULL DEFAULT '',
    dry_run       BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every process start, mirroring
// pkg/memory/postgres.Migrate.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlIngestQueue,
		ddlTranscriptions,
		ddlStructuredEvents,
		ddlIntegrityEvents,
		ddlRetentionAudit,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage migrate: %w", err)
		}
	}
	return nil
}
