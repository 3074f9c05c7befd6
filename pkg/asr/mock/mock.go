// Package mock provides a scriptable asr.Provider test double.
package mock

import (
	"context"

	"github.com/glyphoxa/ingestd/pkg/asr"
)

// Provider is an asr.Provider test double whose Transcribe result can be
// fixed in advance and whose calls are recorded.
type Provider struct {
	Result asr.Result
	Err    error

	Calls []Call
}

// Call records one Transcribe invocation's arguments.
type Call struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Transcribe implements asr.Provider.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int) (asr.Result, error) {
	p.Calls = append(p.Calls, Call{PCM: pcm, SampleRate: sampleRate, Channels: channels})
	if p.Err != nil {
		return asr.Result{}, p.Err
	}
	return p.Result, nil
}
