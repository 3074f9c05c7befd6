package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
	"github.com/glyphoxa/ingestd/pkg/storage"
)

func TestRetentionJob_DryRunDoesNotDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := domain.Segment{ID: "seg-old", CreatedAt: time.Now().AddDate(0, 0, -90), SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	if err := store.RecordIngest(ctx, old, "/tmp/seg-old.wav", "transcription"); err != nil {
		t.Fatalf("RecordIngest: %v", err)
	}
	// Backdate created_at directly since RecordIngest uses seg.CreatedAt already old — fine.

	job := storage.NewRetentionJob(store)
	recs, err := job.Run(ctx, []storage.RetentionRule{
		{Table: "ingest_queue", AgeDays: 30, Action: "delete", DryRun: true},
	}, domain.TriggerManual, "operator", "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(recs))
	}
	if !recs[0].DryRun {
		t.Fatal("expected DryRun=true")
	}
	if recs[0].RecordCount != 0 {
		t.Fatalf("expected dry run to delete nothing, RecordCount=%d", recs[0].RecordCount)
	}
	if recs[0].RowsScanned != 1 {
		t.Fatalf("expected 1 row scanned, got %d", recs[0].RowsScanned)
	}
}

func TestRetentionJob_DeletesAgedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := domain.Segment{ID: "seg-old2", CreatedAt: time.Now().AddDate(0, 0, -90), SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	fresh := domain.Segment{ID: "seg-new", CreatedAt: time.Now(), SampleRate: 16000, Channels: 1, BitsPerSample: 16}
	if err := store.RecordIngest(ctx, old, "/tmp/seg-old2.wav", "transcription"); err != nil {
		t.Fatalf("RecordIngest old: %v", err)
	}
	if err := store.RecordIngest(ctx, fresh, "/tmp/seg-new.wav", "transcription"); err != nil {
		t.Fatalf("RecordIngest fresh: %v", err)
	}

	job := storage.NewRetentionJob(store)
	recs, err := job.Run(ctx, []storage.RetentionRule{
		{Table: "ingest_queue", AgeDays: 30, Action: "delete"},
	}, domain.TriggerCron, "system", "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if recs[0].RecordCount != 1 {
		t.Fatalf("expected exactly 1 deleted row, got %d", recs[0].RecordCount)
	}
}
