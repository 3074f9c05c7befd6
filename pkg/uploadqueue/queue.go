package uploadqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Uploader delivers one pending segment's WAV file to the Ingress
// endpoint. Returning an error counts as a failed attempt.
type Uploader interface {
	Upload(ctx context.Context, segmentID, filePath string) error
}

// NetworkChecker reports whether outbound network access is currently
// believed to be available. Retries are gated on this per spec §4.2
// ("Retries only proceed under constraints (network_connected)").
type NetworkChecker interface {
	Connected() bool
}

// AlwaysConnected is a NetworkChecker that always reports true, suitable
// for tests and for environments (e.g. a tethered desktop client) where
// connectivity is not worth probing separately.
type AlwaysConnected struct{}

// Connected implements NetworkChecker.
func (AlwaysConnected) Connected() bool { return true }

// Queue is the client-side UploadQueue: a durable Store plus a worker
// that delivers pending rows oldest-first, serialized so at most one
// upload runs at a time per queue (spec §4.2).
type Queue struct {
	store    Store
	uploader Uploader
	network  NetworkChecker
	logger   *slog.Logger

	runMu sync.Mutex // enforces "at most one worker run concurrently per queue"
}

// New constructs a Queue. logger may be nil, in which case a discard
// logger is used.
func New(store Store, uploader Uploader, network NetworkChecker, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{store: store, uploader: uploader, network: network, logger: logger}
}

// Enqueue records a new segment and attempts immediate delivery. A
// delivery failure here is not itself an error from Enqueue's
// perspective — the row remains durable for the background worker's
// next pass — but the attempt is still recorded against retry_count.
func (q *Queue) Enqueue(ctx context.Context, segmentID, filePath string) error {
	if err := q.store.Enqueue(segmentID, filePath); err != nil {
		return fmt.Errorf("uploadqueue: enqueue %s: %w", segmentID, err)
	}
	q.attempt(ctx, segmentID, filePath)
	return nil
}

// RunOnce performs a single oldest-first sweep of pending rows, subject
// to the network-available gate. Safe to call repeatedly (e.g. from a
// ticker loop); concurrent calls are serialized.
func (q *Queue) RunOnce(ctx context.Context) error {
	if !q.runMu.TryLock() {
		return nil // a sweep is already in progress
	}
	defer q.runMu.Unlock()

	if !q.network.Connected() {
		return nil
	}

	rows, err := q.store.ListPending()
	if err != nil {
		return fmt.Errorf("uploadqueue: list pending: %w", err)
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.attempt(ctx, row.SegmentID, row.FilePath)
	}
	return nil
}

// Run starts a blocking retry loop that calls RunOnce every interval
// until ctx is canceled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.RunOnce(ctx); err != nil {
				q.logger.Warn("upload queue sweep failed", "error", err)
			}
		}
	}
}

// attempt performs a single delivery attempt and updates the store
// accordingly. Errors are logged rather than propagated: the row's
// durable state is the source of truth for retry bookkeeping.
func (q *Queue) attempt(ctx context.Context, segmentID, filePath string) {
	if err := q.uploader.Upload(ctx, segmentID, filePath); err != nil {
		q.logger.Warn("upload attempt failed", "segment_id", segmentID, "error", err)
		if markErr := q.store.MarkAttemptFailed(segmentID, err.Error()); markErr != nil {
			q.logger.Error("failed to record upload failure", "segment_id", segmentID, "error", markErr)
		}
		return
	}
	if err := q.store.MarkDelivered(segmentID); err != nil {
		q.logger.Error("failed to mark segment delivered", "segment_id", segmentID, "error", err)
	}
}
