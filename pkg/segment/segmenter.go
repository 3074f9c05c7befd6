// Package segment implements the client-side speech segmenter (spec §4.1).
//
// A Segmenter consumes a continuous stream of fixed-size PCM frames, runs
// each through a vad.Engine session, and groups consecutive speech frames
// into discrete Segments separated by a configurable run of silence. Each
// completed Segment is WAV-encoded and handed to a Sink — normally an
// UploadQueue — for durable, offline-tolerant delivery.
//
// The state machine (idle / in-speech, closing on sustained silence) mirrors
// the silence-triggered flush logic in the teacher's whisper.cpp STT
// provider, but runs client-side ahead of any network call rather than
// inside a transcription session.
package segment

import (
	"context"
	"fmt"

	"github.com/glyphoxa/ingestd/pkg/vad"
	"github.com/glyphoxa/ingestd/pkg/wav"
)

// Config parameterizes segmentation behavior. All durations are expressed in
// terms of FrameSizeMs so segmentation stays frame-accurate regardless of the
// configured frame size.
type Config struct {
	SampleRate  int
	Channels    int
	FrameSizeMs int

	// SilenceCloseMs is the duration of consecutive non-speech frames after
	// which an in-progress segment is closed. Spec §4.1: 300 ms.
	SilenceCloseMs int

	// MinSegmentDurationMs is the shortest segment duration that will be
	// emitted to the Sink; shorter segments (spurious blips) are discarded.
	// Spec §4.1: 500 ms.
	MinSegmentDurationMs int

	// VADAggressiveness is forwarded to vad.Engine.NewSession.
	VADAggressiveness int
}

// frameBytes returns the number of PCM bytes in a single frame for this
// configuration (16-bit samples assumed).
func (c Config) frameBytes() int {
	samplesPerFrame := c.SampleRate * c.FrameSizeMs / 1000
	return samplesPerFrame * c.Channels * 2
}

func (c Config) silenceCloseFrames() int {
	if c.FrameSizeMs <= 0 {
		return 1
	}
	frames := c.SilenceCloseMs / c.FrameSizeMs
	if frames < 1 {
		frames = 1
	}
	return frames
}

func (c Config) minSegmentBytes() int {
	samples := c.SampleRate * c.MinSegmentDurationMs / 1000
	return samples * c.Channels * 2
}

// Sink receives completed, WAV-encoded segments. UploadQueue is the
// production implementation; tests typically use a slice-collecting fake.
type Sink interface {
	Submit(ctx context.Context, segmentID string, wavPayload []byte) error
}

// Segmenter is the per-stream speech/silence state machine. It is not safe
// for concurrent use by multiple goroutines; a single capture loop should
// own it.
type Segmenter struct {
	cfg     Config
	session vad.SessionHandle
	sink    Sink
	newID   func() string

	inSpeech      bool
	buffer        []byte
	silenceFrames int
}

// New creates a Segmenter backed by a fresh VAD session from engine. newID
// generates the Segment ID assigned to each emitted segment; pass
// uuid.NewString for production use.
func New(cfg Config, engine vad.Engine, sink Sink, newID func() string) (*Segmenter, error) {
	session, err := engine.NewSession(vad.Config{
		SampleRate:     cfg.SampleRate,
		FrameSizeMs:    cfg.FrameSizeMs,
		Aggressiveness: cfg.VADAggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("segment: create vad session: %w", err)
	}
	return &Segmenter{cfg: cfg, session: session, sink: sink, newID: newID}, nil
}

// ProcessFrame feeds one fixed-size PCM frame into the state machine. When a
// run of silence closes an in-progress segment, the accumulated audio is
// WAV-encoded and submitted to the Sink unless it falls short of
// MinSegmentDurationMs, in which case it is silently discarded.
func (s *Segmenter) ProcessFrame(ctx context.Context, frame []byte) error {
	if len(frame) != s.cfg.frameBytes() {
		return fmt.Errorf("segment: frame is %d bytes, want %d", len(frame), s.cfg.frameBytes())
	}

	event, err := s.session.ProcessFrame(frame)
	if err != nil {
		return fmt.Errorf("segment: vad classify: %w", err)
	}

	switch event.Type {
	case vad.Speech:
		s.buffer = append(s.buffer, frame...)
		s.inSpeech = true
		s.silenceFrames = 0
	case vad.Silence:
		if !s.inSpeech {
			return nil
		}
		s.buffer = append(s.buffer, frame...)
		s.silenceFrames++
		if s.silenceFrames >= s.cfg.silenceCloseFrames() {
			return s.closeSegment(ctx)
		}
	}
	return nil
}

// Flush closes any in-progress segment, e.g. when the capture stream ends.
func (s *Segmenter) Flush(ctx context.Context) error {
	if !s.inSpeech {
		return nil
	}
	return s.closeSegment(ctx)
}

// Close releases the underlying VAD session.
func (s *Segmenter) Close() error {
	return s.session.Close()
}

func (s *Segmenter) closeSegment(ctx context.Context) error {
	pcm := s.buffer
	trailingSilenceBytes := s.silenceFrames * s.cfg.frameBytes()
	s.buffer = nil
	s.inSpeech = false
	s.silenceFrames = 0
	s.session.Reset()

	// The minimum-length discard (spec §4.1: "segments shorter than 0.5s
	// of audio are discarded") is measured against actual speech content,
	// not the buffered speech plus the trailing hysteresis silence run
	// that triggered the close — otherwise a short blip followed by the
	// full 300ms silence tail would be long enough to survive discard.
	speechBytes := len(pcm) - trailingSilenceBytes
	if speechBytes < 0 {
		speechBytes = 0
	}
	if speechBytes < s.cfg.minSegmentBytes() {
		return nil
	}

	payload := wav.Encode(pcm, wav.Params{
		SampleRate:    s.cfg.SampleRate,
		Channels:      s.cfg.Channels,
		BitsPerSample: 16,
	})

	id := s.newID()
	if err := s.sink.Submit(ctx, id, payload); err != nil {
		return fmt.Errorf("segment: submit %s: %w", id, err)
	}
	return nil
}
