// Package vad defines the Engine interface for frame-level voice-activity
// detection backends used by the client Segmenter (spec §4.1).
//
// A VAD engine wraps a speech/non-speech classifier and surfaces it as a
// stateful, per-stream session so that multiple concurrent recordings (e.g.
// several client processes, or several test cases) can run independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// classification, making it suitable for the Segmenter's tight per-frame
// loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The Segmenter always uses
	// 16000 (spec §4.1).
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. The
	// Segmenter always uses 20 ms (320 samples at 16 kHz).
	FrameSizeMs int

	// Aggressiveness selects how conservative the engine is about classifying
	// a frame as speech. Range and interpretation are engine-specific;
	// the energy engine treats it as an RMS threshold multiplier, 0-3 per the
	// classic WebRTC VAD convention (0 = least aggressive, 3 = most).
	Aggressiveness int
}

// EventType enumerates VAD detection states for a single processed frame.
type EventType int

const (
	// Speech indicates the frame was classified as speech.
	Speech EventType = iota
	// Silence indicates the frame was classified as non-speech.
	Silence
)

// Event is the per-frame classification result.
type Event struct {
	Type        EventType
	Probability float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame. The frame must be raw
	// little-endian PCM16 at the SampleRate/FrameSizeMs configured when the
	// session was created.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state. Used when a recording is
	// interrupted or restarted.
	Reset()

	// Close releases engine resources. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions; the top-level interface
// implemented by each VAD backend (energy-based, Silero ONNX, mock).
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
