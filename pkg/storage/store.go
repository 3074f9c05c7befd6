package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/integrity"
)

// ErrSegmentNotFound is returned when a lookup by segment_id or
// transcription_id matches no row.
var ErrSegmentNotFound = errors.New("storage: not found")

// querier is the subset of pgx's pool/transaction surface this package
// needs, letting the same SQL helpers run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store is the PostgreSQL-backed Persistence layer (spec §4.7). All
// operations are safe for concurrent use; the underlying connection pool is
// the only process-wide shared resource (spec §5).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, runs Migrate, and returns a ready Store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordIngest inserts the ingest_queue row for a newly-received segment.
// Idempotent on segment_id: a retransmitted segment_id is a no-op rather
// than an error (spec invariant 3: "a segment_id never appears twice").
func (s *Store) RecordIngest(ctx context.Context, seg domain.Segment, path string, status string) error {
	const q = `
		INSERT INTO ingest_queue (segment_id, path, size_bytes, sample_rate, channels, bits_per_sample, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (segment_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, seg.ID, path, seg.ByteLength, seg.SampleRate, seg.Channels, seg.BitsPerSample, status, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: record ingest: %w", err)
	}
	return nil
}

// SetIngestStatus updates the terminal status recorded against an
// ingest_queue row (e.g. "transcription", "filtered", "error").
func (s *Store) SetIngestStatus(ctx context.Context, segmentID, status string) error {
	const q = `UPDATE ingest_queue SET status = $2 WHERE segment_id = $1`
	_, err := s.pool.Exec(ctx, q, segmentID, status)
	if err != nil {
		return fmt.Errorf("storage: set ingest status: %w", err)
	}
	return nil
}

// PersistTranscriptionResult is the outcome of PersistTranscription.
type PersistTranscriptionResult struct {
	Transcription domain.Transcription
	// Created is false when a transcription already existed for this
	// segment_id (spec §4.7: "on conflict, the existing row is returned
	// unchanged and no new transcription row is created") — the caller
	// that loses the race receives the winner's row via Created=false.
	Created bool
}

// PersistTranscription writes the transcription row and appends the
// `persisted` integrity event in a single transaction (spec §4.7: "writes
// three row types transactionally per segment where possible"). Insertion
// uses segment_id as the idempotency key.
func (s *Store) PersistTranscription(ctx context.Context, t domain.Transcription, integrityMetadata map[string]any) (PersistTranscriptionResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PersistTranscriptionResult{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after Commit

	spansJSON, err := json.Marshal(t.Spans)
	if err != nil {
		return PersistTranscriptionResult{}, fmt.Errorf("storage: marshal spans: %w", err)
	}

	const insertQ = `
		INSERT INTO transcriptions
		    (id, segment_id, text, detected_language, language_probability, duration_sec, segments_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (segment_id) DO NOTHING
		RETURNING id, segment_id, text, detected_language, language_probability, duration_sec, segments_json, created_at`

	row := tx.QueryRow(ctx, insertQ, t.ID, t.SegmentID, t.Text, t.DetectedLanguage, t.LanguageProbability, t.DurationSec, spansJSON, t.CreatedAt)
	inserted, created, err := scanTranscriptionOrNotFound(row)
	if err != nil {
		return PersistTranscriptionResult{}, fmt.Errorf("storage: insert transcription: %w", err)
	}

	if created {
		if err := appendIntegrityTx(ctx, tx, t.SegmentID, domain.StagePersisted, integrityMetadata); err != nil {
			return PersistTranscriptionResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return PersistTranscriptionResult{}, fmt.Errorf("storage: commit: %w", err)
		}
		return PersistTranscriptionResult{Transcription: inserted, Created: true}, nil
	}

	// Lost the race: fetch the winner's row outside the write path.
	tx.Rollback(ctx) //nolint:errcheck
	existing, err := s.GetTranscriptionBySegment(ctx, t.SegmentID)
	if err != nil {
		return PersistTranscriptionResult{}, err
	}
	return PersistTranscriptionResult{Transcription: existing, Created: false}, nil
}

// scanTranscriptionOrNotFound scans the RETURNING row from an
// ON CONFLICT DO NOTHING insert. pgx.ErrNoRows means the conflict branch
// fired (another inserter already won).
func scanTranscriptionOrNotFound(row pgx.Row) (domain.Transcription, bool, error) {
	var (
		t         domain.Transcription
		spansJSON []byte
	)
	err := row.Scan(&t.ID, &t.SegmentID, &t.Text, &t.DetectedLanguage, &t.LanguageProbability, &t.DurationSec, &spansJSON, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transcription{}, false, nil
	}
	if err != nil {
		return domain.Transcription{}, false, err
	}
	if err := json.Unmarshal(spansJSON, &t.Spans); err != nil {
		return domain.Transcription{}, false, fmt.Errorf("unmarshal spans: %w", err)
	}
	return t, true, nil
}

// GetTranscriptionBySegment looks up the (unique) transcription for a
// segment_id.
func (s *Store) GetTranscriptionBySegment(ctx context.Context, segmentID string) (domain.Transcription, error) {
	const q = `
		SELECT id, segment_id, text, detected_language, language_probability, duration_sec, segments_json, created_at
		FROM   transcriptions
		WHERE  segment_id = $1`
	row := s.pool.QueryRow(ctx, q, segmentID)
	t, ok, err := scanTranscriptionOrNotFound(row)
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("storage: get transcription: %w", err)
	}
	if !ok {
		return domain.Transcription{}, ErrSegmentNotFound
	}
	return t, nil
}

// PersistStructuredEvent writes the enrichment result row and appends the
// `enriched` integrity event transactionally. Idempotent on
// transcription_id (spec invariant 1: at most one StructuredEvent per
// Transcription).
func (s *Store) PersistStructuredEvent(ctx context.Context, ev domain.StructuredEvent, segmentID string, integrityMetadata map[string]any) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	topicsJSON, _ := json.Marshal(ev.Topics)
	domainsJSON, _ := json.Marshal(ev.Domains)
	emotionsJSON, _ := json.Marshal(ev.Emotions)
	tasksJSON, _ := json.Marshal(ev.Tasks)
	decisionsJSON, _ := json.Marshal(ev.Decisions)

	const q = `
		INSERT INTO structured_events
		    (id, transcription_id, summary, topics, domains, emotions, tasks, decisions,
		     urgency, sentiment, asr_confidence, enrichment_confidence, enrichment_model,
		     enrichment_tokens, enrichment_latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (transcription_id) DO NOTHING`

	tag, err := tx.Exec(ctx, q,
		ev.ID, ev.TranscriptionID, ev.Summary, topicsJSON, domainsJSON, emotionsJSON, tasksJSON, decisionsJSON,
		string(ev.Urgency), string(ev.Sentiment), ev.ASRConfidence, ev.EnrichmentConfidence, ev.EnrichmentModel,
		ev.EnrichmentTokens, ev.EnrichmentLatencyMs, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert structured event: %w", err)
	}
	created := tag.RowsAffected() == 1

	if created {
		if err := appendIntegrityTx(ctx, tx, segmentID, domain.StageEnriched, integrityMetadata); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit: %w", err)
	}
	return created, nil
}

// GetStructuredEventByTranscription implements the enrichment lookup
// endpoint contract (spec §6 `GET /enrichment/{segment_id}`, resolved via
// the transcription's segment_id).
func (s *Store) GetStructuredEventByTranscription(ctx context.Context, transcriptionID string) (domain.StructuredEvent, error) {
	const q = `
		SELECT id, transcription_id, summary, topics, domains, emotions, tasks, decisions,
		       urgency, sentiment, asr_confidence, enrichment_confidence, enrichment_model,
		       enrichment_tokens, enrichment_latency_ms, created_at
		FROM   structured_events
		WHERE  transcription_id = $1`
	row := s.pool.QueryRow(ctx, q, transcriptionID)

	var (
		ev                                                        domain.StructuredEvent
		urgency, sentiment                                        string
		topicsJSON, domainsJSON, emotionsJSON, tasksJSON, decJSON []byte
	)
	err := row.Scan(&ev.ID, &ev.TranscriptionID, &ev.Summary, &topicsJSON, &domainsJSON, &emotionsJSON, &tasksJSON, &decJSON,
		&urgency, &sentiment, &ev.ASRConfidence, &ev.EnrichmentConfidence, &ev.EnrichmentModel,
		&ev.EnrichmentTokens, &ev.EnrichmentLatencyMs, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StructuredEvent{}, ErrSegmentNotFound
	}
	if err != nil {
		return domain.StructuredEvent{}, fmt.Errorf("storage: get structured event: %w", err)
	}
	ev.Urgency = domain.Urgency(urgency)
	ev.Sentiment = domain.Sentiment(sentiment)
	_ = json.Unmarshal(topicsJSON, &ev.Topics)
	_ = json.Unmarshal(domainsJSON, &ev.Domains)
	_ = json.Unmarshal(emotionsJSON, &ev.Emotions)
	_ = json.Unmarshal(tasksJSON, &ev.Tasks)
	_ = json.Unmarshal(decJSON, &ev.Decisions)
	return ev, nil
}

// ─── integrity.Store implementation ─────────────────────────────────────

// Append implements integrity.Store by inserting directly against the
// pool (used outside the persistence transaction, e.g. ingest_received /
// filter_* / enrichment_failed events).
func (s *Store) Append(ctx context.Context, event domain.IntegrityEvent) (domain.IntegrityEvent, error) {
	return appendIntegrity(ctx, s.pool, event)
}

// Events implements integrity.Store.
func (s *Store) Events(ctx context.Context, segmentID string) ([]domain.IntegrityEvent, error) {
	const q = `
		SELECT id, segment_id, stage, content_hash, prev_hash, metadata, created_at
		FROM   integrity_events
		WHERE  segment_id = $1
		ORDER  BY created_at`
	rows, err := s.pool.Query(ctx, q, segmentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list integrity events: %w", err)
	}
	defer rows.Close()

	var out []domain.IntegrityEvent
	for rows.Next() {
		ev, err := scanIntegrityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan integrity event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func appendIntegrity(ctx context.Context, q querier, event domain.IntegrityEvent) (domain.IntegrityEvent, error) {
	metaJSON, err := json.Marshal(canonicalMetadata(event.Metadata))
	if err != nil {
		return domain.IntegrityEvent{}, fmt.Errorf("storage: marshal metadata: %w", err)
	}
	const insertQ = `
		INSERT INTO integrity_events (segment_id, stage, content_hash, prev_hash, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`
	row := q.QueryRow(ctx, insertQ, event.SegmentID, string(event.Stage), event.ContentHash, event.PrevHash, metaJSON, event.CreatedAt)
	if err := row.Scan(&event.ID); err != nil {
		return domain.IntegrityEvent{}, fmt.Errorf("storage: insert integrity event: %w", err)
	}
	return event, nil
}

// appendIntegrityTx appends an integrity event as part of an already-open
// transaction, so the persistence write and its integrity event commit or
// roll back together (spec §5: "writes that must be atomic (persistence +
// integrity append) use a transaction"). It reads the segment's latest
// content hash for prev_hash linkage and computes the new hash via
// integrity.ComputeHash so the encoding matches pkg/integrity exactly.
func appendIntegrityTx(ctx context.Context, tx pgx.Tx, segmentID string, stage domain.IntegrityStage, metadata map[string]any) error {
	const latestQ = `
		SELECT content_hash FROM integrity_events
		WHERE segment_id = $1 ORDER BY created_at DESC LIMIT 1`
	var prevHash *string
	row := tx.QueryRow(ctx, latestQ, segmentID)
	var h string
	switch err := row.Scan(&h); {
	case errors.Is(err, pgx.ErrNoRows):
		prevHash = nil
	case err != nil:
		return fmt.Errorf("storage: lookup prev hash: %w", err)
	default:
		prevHash = &h
	}

	// Truncated to microseconds: TIMESTAMPTZ round-trips at microsecond
	// precision, and the hash must be computed over the same value that
	// will later be reloaded from created_at, or Trail/Verify recompute a
	// different digest than the one stored here.
	ts := time.Now().UTC().Truncate(time.Microsecond)
	hash, err := integrity.ComputeHash(stage, segmentID, ts, metadata)
	if err != nil {
		return fmt.Errorf("storage: compute integrity hash: %w", err)
	}

	metaJSON, err := json.Marshal(canonicalMetadata(metadata))
	if err != nil {
		return fmt.Errorf("storage: marshal metadata: %w", err)
	}
	const insertQ = `
		INSERT INTO integrity_events (segment_id, stage, content_hash, prev_hash, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, insertQ, segmentID, string(stage), hash, prevHash, metaJSON, ts); err != nil {
		return fmt.Errorf("storage: insert integrity event: %w", err)
	}
	return nil
}

func canonicalMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanIntegrityEvent(rows pgx.Rows) (domain.IntegrityEvent, error) {
	var ev domain.IntegrityEvent
	var stage string
	var metaJSON []byte
	if err := rows.Scan(&ev.ID, &ev.SegmentID, &stage, &ev.ContentHash, &ev.PrevHash, &metaJSON, &ev.CreatedAt); err != nil {
		return domain.IntegrityEvent{}, err
	}
	ev.Stage = domain.IntegrityStage(stage)
	if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
		return domain.IntegrityEvent{}, err
	}
	return ev, nil
}
