// Package asr defines the ASR adapter contract (spec §4.5): transcribing a
// PCM16 mono 16 kHz segment into text plus per-span timing and an overall
// confidence/language verdict.
package asr

import (
	"context"
	"errors"
	"time"

	"github.com/glyphoxa/ingestd/pkg/domain"
)

// ErrLanguageNotAllowed is returned (not as a transport error, but as a
// typed sentinel the caller inspects) when the detected language falls
// outside the configured allowed set. The filter stage treats this as a
// rejection rather than a pipeline fault.
var ErrLanguageNotAllowed = errors.New("asr: detected language not allowed")

// Result is the outcome of a successful transcription call.
type Result struct {
	Text                string
	Language            string
	LanguageProbability float64
	DurationSec         float64
	Spans               []domain.Span
	Confidence          float64
}

// Provider transcribes audio segments. Implementations must behave as a
// singleton per process — model/connection setup is amortized across
// calls — but Transcribe itself must be safe for concurrent use by
// multiple goroutines handling different connections.
type Provider interface {
	// Transcribe converts a PCM16 mono 16 kHz buffer into a Result. ctx
	// carries the per-call deadline (spec §5: "the implementation MUST
	// provide a per-stage deadline"); a context deadline exceeded error
	// must be returned as-is so the caller can treat it as a recoverable
	// timeout rather than a permanent failure.
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (Result, error)
}

// DefaultTimeout is applied by callers that do not set their own
// per-call deadline.
const DefaultTimeout = 20 * time.Second
