// Package uploadqueue implements the client-side durable UploadQueue
// (spec §4.2): a local table of PendingUpload rows plus a worker that
// attempts delivery immediately on segment creation and retries, oldest
// first, while the network is available.
package uploadqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
)

// maxAttempts is the number of upload attempts before a row is marked
// failed and no longer retried (spec §4.2).
const maxAttempts = 3

// ErrNotFound is returned by store operations referencing an unknown
// segment_id.
var ErrNotFound = errors.New("uploadqueue: segment not found")

// Store is the durable PendingUpload table. Implementations must make
// Enqueue idempotent on segmentID: re-enqueuing an already-known segment
// is a no-op, tolerating duplicate submissions across client sessions
// (spec §4.2, "duplicates ... must be tolerated").
type Store interface {
	// Enqueue records a new pending upload. Idempotent on segmentID.
	Enqueue(segmentID, path string) error

	// ListPending returns pending rows ordered oldest-first by CreatedAt.
	ListPending() ([]domain.PendingUpload, error)

	// MarkDelivered removes the row and its backing audio file.
	MarkDelivered(segmentID string) error

	// MarkAttemptFailed increments retry_count and stores lastErr. Once
	// the row reaches maxAttempts it transitions to UploadFailed and is
	// excluded from future ListPending results.
	MarkAttemptFailed(segmentID string, lastErr string) error
}

// FileStore is a Store backed by one JSON file per pending upload in a
// directory, modeled on the teacher's internal/feedback append-only local
// file pattern: no embedded database appears anywhere in the retrieved
// example pack, so a plain per-row JSON file — durable across process
// restarts, trivially inspectable — follows the corpus's own precedent
// for "small durable local state" rather than introducing an unseen
// dependency.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore prepares a FileStore rooted at dir, creating it if
// necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("uploadqueue: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) rowPath(segmentID string) string {
	return filepath.Join(f.dir, segmentID+".json")
}

// Enqueue implements Store.
func (f *FileStore) Enqueue(segmentID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rowPath := f.rowPath(segmentID)
	if _, err := os.Stat(rowPath); err == nil {
		return nil // already enqueued; idempotent
	}

	row := domain.PendingUpload{
		SegmentID: segmentID,
		FilePath:  path,
		Status:    domain.UploadPending,
		CreatedAt: time.Now().UTC(),
	}
	return f.writeRow(rowPath, row)
}

// ListPending implements Store.
func (f *FileStore) ListPending() ([]domain.PendingUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("uploadqueue: read store dir: %w", err)
	}

	var rows []domain.PendingUpload
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		row, err := f.readRow(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue // skip unreadable/corrupt row rather than fail the whole listing
		}
		if row.Status == domain.UploadPending {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

// MarkDelivered implements Store.
func (f *FileStore) MarkDelivered(segmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rowPath := f.rowPath(segmentID)
	row, err := f.readRow(rowPath)
	if err != nil {
		return ErrNotFound
	}
	if err := os.Remove(row.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("uploadqueue: delete audio file: %w", err)
	}
	if err := os.Remove(rowPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("uploadqueue: delete row: %w", err)
	}
	return nil
}

// MarkAttemptFailed implements Store.
func (f *FileStore) MarkAttemptFailed(segmentID string, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rowPath := f.rowPath(segmentID)
	row, err := f.readRow(rowPath)
	if err != nil {
		return ErrNotFound
	}

	row.RetryCount++
	row.LastError = lastErr
	if row.RetryCount >= maxAttempts {
		row.Status = domain.UploadFailed
	}
	return f.writeRow(rowPath, row)
}

func (f *FileStore) readRow(path string) (domain.PendingUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PendingUpload{}, err
	}
	var row domain.PendingUpload
	if err := json.Unmarshal(data, &row); err != nil {
		return domain.PendingUpload{}, err
	}
	return row, nil
}

func (f *FileStore) writeRow(path string, row domain.PendingUpload) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("uploadqueue: marshal row: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("uploadqueue: write row: %w", err)
	}
	return os.Rename(tmp, path)
}
