package vad

import (
	"encoding/binary"
	"errors"
	"math"
)

// baseRMSThreshold is the root-mean-square energy level (in 16-bit PCM units)
// below which a frame is classified as silence at Aggressiveness 0. The
// maximum possible value for 16-bit audio is 32767.
const baseRMSThreshold = 400.0

// aggressivenessScale maps Config.Aggressiveness (0-3) to a divisor of
// baseRMSThreshold: higher aggressiveness requires louder audio to
// be classified as speech, trading false positives for missed quiet speech.
var aggressivenessScale = [...]float64{1.0, 0.75, 0.5, 0.3}

// ErrFrameSize is returned by ProcessFrame when the supplied frame does not
// contain a whole number of 16-bit samples.
var ErrFrameSize = errors.New("vad: frame must contain an even number of bytes")

// EnergyEngine is a dependency-free VAD backed by per-frame RMS energy,
// modeled on the silence-detection heuristic the teacher's whisper.cpp STT
// provider uses to bound its own utterance buffer. It requires no model file
// and is deterministic, making it the default engine for local runs and
// tests; a production deployment typically swaps in SileroEngine.
type EnergyEngine struct{}

// NewEnergyEngine returns a ready-to-use EnergyEngine. The zero value is also
// usable directly.
func NewEnergyEngine() *EnergyEngine { return &EnergyEngine{} }

// NewSession implements Engine.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	threshold := baseRMSThreshold
	if cfg.Aggressiveness >= 0 && cfg.Aggressiveness < len(aggressivenessScale) {
		threshold /= aggressivenessScale[cfg.Aggressiveness]
	}
	return &energySession{threshold: threshold}, nil
}

type energySession struct {
	threshold float64
}

func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	if len(frame)%2 != 0 {
		return Event{}, ErrFrameSize
	}
	rms := computeRMS(frame)
	prob := rms / 32767.0
	if prob > 1 {
		prob = 1
	}
	if rms >= s.threshold {
		return Event{Type: Speech, Probability: prob}, nil
	}
	return Event{Type: Silence, Probability: prob}, nil
}

func (s *energySession) Reset() {}

func (s *energySession) Close() error { return nil }

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
