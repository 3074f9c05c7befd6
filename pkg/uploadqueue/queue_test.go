package uploadqueue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/uploadqueue"
)

type fakeUploader struct {
	mu       sync.Mutex
	failFor  map[string]bool
	attempts map[string]int
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{failFor: map[string]bool{}, attempts: map[string]int{}}
}

func (f *fakeUploader) Upload(ctx context.Context, segmentID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[segmentID]++
	if f.failFor[segmentID] {
		return errors.New("simulated network failure")
	}
	return nil
}

func (f *fakeUploader) attemptCount(segmentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[segmentID]
}

func writeAudioFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("fake wav bytes"), 0o644); err != nil {
		t.Fatalf("write audio file: %v", err)
	}
	return path
}

func TestEnqueueDeliversImmediatelyOnSuccess(t *testing.T) {
	storeDir := t.TempDir()
	audioDir := t.TempDir()
	store, err := uploadqueue.NewFileStore(storeDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploader := newFakeUploader()
	q := uploadqueue.New(store, uploader, uploadqueue.AlwaysConnected{}, nil)

	audioPath := writeAudioFile(t, audioDir, "seg-1.wav")
	if err := q.Enqueue(context.Background(), "seg-1", audioPath); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if uploader.attemptCount("seg-1") != 1 {
		t.Fatalf("attempts = %d, want 1", uploader.attemptCount("seg-1"))
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Fatal("expected audio file to be deleted after successful delivery")
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0", len(pending))
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	storeDir := t.TempDir()
	audioDir := t.TempDir()
	store, err := uploadqueue.NewFileStore(storeDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploader := newFakeUploader()
	uploader.failFor["seg-1"] = true
	q := uploadqueue.New(store, uploader, uploadqueue.AlwaysConnected{}, nil)

	audioPath := writeAudioFile(t, audioDir, "seg-1.wav")
	ctx := context.Background()
	if err := q.Enqueue(ctx, "seg-1", audioPath); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "seg-1", audioPath); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1 (idempotent enqueue)", len(pending))
	}
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	storeDir := t.TempDir()
	audioDir := t.TempDir()
	store, err := uploadqueue.NewFileStore(storeDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploader := newFakeUploader()
	uploader.failFor["seg-1"] = true
	q := uploadqueue.New(store, uploader, uploadqueue.AlwaysConnected{}, nil)

	audioPath := writeAudioFile(t, audioDir, "seg-1.wav")
	ctx := context.Background()
	if err := q.Enqueue(ctx, "seg-1", audioPath); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Two more sweeps bring total attempts to 3, the configured maximum.
	if err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if uploader.attemptCount("seg-1") != 3 {
		t.Fatalf("attempts = %d, want 3", uploader.attemptCount("seg-1"))
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0 (row should have transitioned to failed)", len(pending))
	}
	// A further sweep must not attempt again: the row is terminal.
	if err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after failure: %v", err)
	}
	if uploader.attemptCount("seg-1") != 3 {
		t.Fatalf("attempts after terminal failure = %d, want still 3", uploader.attemptCount("seg-1"))
	}
}

func TestRunOnceSkipsWhenDisconnected(t *testing.T) {
	storeDir := t.TempDir()
	audioDir := t.TempDir()
	store, err := uploadqueue.NewFileStore(storeDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploader := newFakeUploader()
	uploader.failFor["seg-1"] = true

	q := uploadqueue.New(store, uploader, disconnected{}, nil)
	audioPath := writeAudioFile(t, audioDir, "seg-1.wav")
	ctx := context.Background()

	// Direct store enqueue bypasses the immediate-send path so we can
	// isolate RunOnce's network gating.
	if err := store.Enqueue("seg-1", audioPath); err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	if err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if uploader.attemptCount("seg-1") != 0 {
		t.Fatalf("attempts = %d, want 0 while disconnected", uploader.attemptCount("seg-1"))
	}
}

type disconnected struct{}

func (disconnected) Connected() bool { return false }
