package segment_test

import (
	"context"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/segment"
	"github.com/glyphoxa/ingestd/pkg/vad"
	vadmock "github.com/glyphoxa/ingestd/pkg/vad/mock"
	"github.com/glyphoxa/ingestd/pkg/wav"
)

// scriptedSession returns Speech for the first n ProcessFrame calls, then
// Silence thereafter.
type scriptedSession struct {
	speechFrames int
	calls        int
}

func (s *scriptedSession) ProcessFrame(frame []byte) (vad.Event, error) {
	s.calls++
	if s.calls <= s.speechFrames {
		return vad.Event{Type: vad.Speech, Probability: 0.9}, nil
	}
	return vad.Event{Type: vad.Silence, Probability: 0.1}, nil
}
func (s *scriptedSession) Reset() { s.calls = 0 }
func (s *scriptedSession) Close() error { return nil }

type fakeSink struct {
	submissions []fakeSubmission
}

type fakeSubmission struct {
	segmentID string
	payload   []byte
}

func (f *fakeSink) Submit(ctx context.Context, segmentID string, payload []byte) error {
	f.submissions = append(f.submissions, fakeSubmission{segmentID, payload})
	return nil
}

func cfg() segment.Config {
	return segment.Config{
		SampleRate:           16000,
		Channels:             1,
		FrameSizeMs:          20,
		SilenceCloseMs:       300, // 15 frames
		MinSegmentDurationMs: 500,
	}
}

func newID(id string) func() string {
	return func() string { return id }
}

func TestSegmenterEmitsSegmentAfterSilenceClose(t *testing.T) {
	// 40 speech frames (800 ms) followed by enough silence to close.
	session := &scriptedSession{speechFrames: 40}
	engine := &vadmock.Engine{Session: session}
	sink := &fakeSink{}

	s, err := segment.New(cfg(), engine, sink, newID("seg-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, 320*2)
	ctx := context.Background()
	for i := 0; i < 40+15; i++ {
		if err := s.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame at %d: %v", i, err)
		}
	}

	if len(sink.submissions) != 1 {
		t.Fatalf("got %d submissions, want 1", len(sink.submissions))
	}
	if sink.submissions[0].segmentID != "seg-1" {
		t.Fatalf("segmentID = %q, want seg-1", sink.submissions[0].segmentID)
	}

	params, pcm, err := wav.Decode(sink.submissions[0].payload)
	if err != nil {
		t.Fatalf("decode emitted WAV: %v", err)
	}
	if params.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", params.SampleRate)
	}
	// 40 speech frames + 15 trailing-silence frames, all captured.
	wantBytes := (40 + 15) * 320 * 2
	if len(pcm) != wantBytes {
		t.Fatalf("pcm length = %d, want %d", len(pcm), wantBytes)
	}
}

func TestSegmenterDiscardsShortSegment(t *testing.T) {
	// Only 5 speech frames (100 ms) — below the 500 ms minimum.
	session := &scriptedSession{speechFrames: 5}
	engine := &vadmock.Engine{Session: session}
	sink := &fakeSink{}

	s, err := segment.New(cfg(), engine, sink, newID("seg-2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, 320*2)
	ctx := context.Background()
	for i := 0; i < 5+15; i++ {
		if err := s.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame at %d: %v", i, err)
		}
	}

	if len(sink.submissions) != 0 {
		t.Fatalf("got %d submissions, want 0 (segment below minimum duration)", len(sink.submissions))
	}
}

func TestSegmenterDiscardsShortSpeechDespiteTrailingSilenceTail(t *testing.T) {
	// Testable property 9: 0.3s of speech (15 frames) followed by >300ms
	// of silence (16 frames, enough to trigger close) must still be
	// discarded — the 300ms trailing-silence tail buffered alongside the
	// speech must not count toward the 500ms minimum.
	session := &scriptedSession{speechFrames: 15}
	engine := &vadmock.Engine{Session: session}
	sink := &fakeSink{}

	s, err := segment.New(cfg(), engine, sink, newID("seg-5"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, 320*2)
	ctx := context.Background()
	for i := 0; i < 15+16; i++ {
		if err := s.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame at %d: %v", i, err)
		}
	}

	if len(sink.submissions) != 0 {
		t.Fatalf("got %d submissions, want 0 (0.3s speech is below the 0.5s minimum)", len(sink.submissions))
	}
}

func TestSegmenterIgnoresLeadingSilence(t *testing.T) {
	session := &scriptedSession{speechFrames: 0}
	engine := &vadmock.Engine{Session: session}
	sink := &fakeSink{}

	s, err := segment.New(cfg(), engine, sink, newID("seg-3"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, 320*2)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := s.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame at %d: %v", i, err)
		}
	}

	if len(sink.submissions) != 0 {
		t.Fatalf("got %d submissions, want 0", len(sink.submissions))
	}
}

func TestFlushClosesInProgressSegment(t *testing.T) {
	session := &scriptedSession{speechFrames: 1000}
	engine := &vadmock.Engine{Session: session}
	sink := &fakeSink{}

	s, err := segment.New(cfg(), engine, sink, newID("seg-4"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frame := make([]byte, 320*2)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if err := s.ProcessFrame(ctx, frame); err != nil {
			t.Fatalf("ProcessFrame at %d: %v", i, err)
		}
	}
	if len(sink.submissions) != 0 {
		t.Fatalf("got %d submissions before flush, want 0", len(sink.submissions))
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.submissions) != 1 {
		t.Fatalf("got %d submissions after flush, want 1", len(sink.submissions))
	}
}
