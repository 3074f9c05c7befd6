package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glyphoxa/ingestd/pkg/domain"
)

// RetentionRule describes one TTL sweep target (spec §4.11).
type RetentionRule struct {
	Table   string
	AgeDays int
	Action  string
	DryRun  bool
}

// tableMeta pins down the timestamp/id columns for each table this job
// knows how to sweep. Tables keyed by a generated TEXT id (UUIDs) report a
// zero id range; only integrity_events has a numeric primary key.
type tableMeta struct {
	timestampCol string
	idCol        string
	numericID    bool
}

var sweepableTables = map[string]tableMeta{
	"ingest_queue":      {timestampCol: "created_at", idCol: "segment_id"},
	"transcriptions":    {timestampCol: "created_at", idCol: "id"},
	"structured_events": {timestampCol: "created_at", idCol: "id"},
	"integrity_events":  {timestampCol: "created_at", idCol: "id", numericID: true},
}

// RetentionJob runs periodic TTL sweeps across the tables this package
// owns, writing one RetentionAuditRecord per (table, run) — including
// dry runs (spec §4.11).
type RetentionJob struct {
	store *Store
	now   func() time.Time
}

// NewRetentionJob constructs a RetentionJob backed by store.
func NewRetentionJob(store *Store) *RetentionJob {
	return &RetentionJob{store: store, now: time.Now}
}

// Run sweeps every rule and returns the audit record produced for each.
// An unknown rule.Table is rejected before any deletion is attempted so a
// misconfigured rule cannot silently no-op.
func (j *RetentionJob) Run(ctx context.Context, rules []RetentionRule, trigger domain.RetentionTrigger, actor, environment string) ([]domain.RetentionAuditRecord, error) {
	jobRunID := uuid.NewString()
	records := make([]domain.RetentionAuditRecord, 0, len(rules))

	for _, rule := range rules {
		rec, err := j.sweepOne(ctx, jobRunID, rule, trigger, actor, environment)
		if err != nil {
			return records, fmt.Errorf("storage: retention sweep %q: %w", rule.Table, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (j *RetentionJob) sweepOne(ctx context.Context, jobRunID string, rule RetentionRule, trigger domain.RetentionTrigger, actor, environment string) (domain.RetentionAuditRecord, error) {
	meta, ok := sweepableTables[rule.Table]
	if !ok {
		return domain.RetentionAuditRecord{}, fmt.Errorf("unknown retention table %q", rule.Table)
	}

	start := j.now()
	cutoff := start.AddDate(0, 0, -rule.AgeDays)

	scanQ := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < $1", rule.Table, meta.timestampCol)
	var scanned int
	if err := j.store.pool.QueryRow(ctx, scanQ, cutoff).Scan(&scanned); err != nil {
		return domain.RetentionAuditRecord{}, fmt.Errorf("count rows: %w", err)
	}

	rec := domain.RetentionAuditRecord{
		JobRunID:    jobRunID,
		Table:       rule.Table,
		RowsScanned: scanned,
		Rule:        rule.Action,
		Cutoff:      cutoff,
		Actor:       actor,
		Trigger:     trigger,
		Environment: environment,
		DryRun:      rule.DryRun,
	}

	if !rule.DryRun && scanned > 0 {
		deleteQ := fmt.Sprintf("DELETE FROM %s WHERE %s < $1 RETURNING %s", rule.Table, meta.timestampCol, meta.idCol)
		rows, err := j.store.pool.Query(ctx, deleteQ, cutoff)
		if err != nil {
			return domain.RetentionAuditRecord{}, fmt.Errorf("delete rows: %w", err)
		}
		deleted := 0
		var minID, maxID int64
		first := true
		for rows.Next() {
			deleted++
			if !meta.numericID {
				continue
			}
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return domain.RetentionAuditRecord{}, fmt.Errorf("scan deleted id: %w", err)
			}
			if first || id < minID {
				minID = id
			}
			if first || id > maxID {
				maxID = id
			}
			first = false
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return domain.RetentionAuditRecord{}, fmt.Errorf("iterate deleted rows: %w", err)
		}
		rec.RecordCount = deleted
		rec.MinDeletedID = minID
		rec.MaxDeletedID = maxID
	}

	rec.DurationMs = j.now().Sub(start).Milliseconds()
	rec.CreatedAt = j.now()

	if err := j.writeAudit(ctx, rec); err != nil {
		return domain.RetentionAuditRecord{}, err
	}
	return rec, nil
}

func (j *RetentionJob) writeAudit(ctx context.Context, rec domain.RetentionAuditRecord) error {
	const q = `
		INSERT INTO retention_audit
		    (job_run_id, table_name, record_count, rows_scanned, min_deleted_id, max_deleted_id,
		     rule, cutoff, duration_ms, actor, trigger, environment, dry_run, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := j.store.pool.Exec(ctx, q,
		rec.JobRunID, rec.Table, rec.RecordCount, rec.RowsScanned, rec.MinDeletedID, rec.MaxDeletedID,
		rec.Rule, rec.Cutoff, rec.DurationMs, rec.Actor, string(rec.Trigger), rec.Environment, rec.DryRun, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: write retention audit: %w", err)
	}
	return nil
}
