package resilience

import (
	"context"
	"errors"

	"github.com/glyphoxa/ingestd/pkg/asr"
)

// ASRFallback implements [asr.Provider] with automatic failover across
// multiple ASR backends (spec §4.5: "Implementation is pluggable"). Each
// backend has its own circuit breaker; when the primary fails or its
// breaker is open, the next healthy fallback is tried.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

// Compile-time interface assertion.
var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional ASR provider as a fallback.
func (f *ASRFallback) AddFallback(name string, provider asr.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the segment to the first healthy provider. If the
// primary fails or its circuit is open, subsequent fallbacks are tried. When
// the call fails after ctx's deadline has passed, the context deadline
// exceeded error is returned as-is so the caller can still treat it as a
// recoverable timeout (spec §4.5), rather than wrapped in [ErrAllFailed].
func (f *ASRFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (asr.Result, error) {
	res, err := ExecuteWithResult(f.group, func(p asr.Provider) (asr.Result, error) {
		return p.Transcribe(ctx, pcm, sampleRate, channels)
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return asr.Result{}, ctx.Err()
	}
	return res, err
}
