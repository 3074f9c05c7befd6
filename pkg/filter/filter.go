// Package filter implements the two-gate FilterChain (spec §4.4):
// a pre-ASR speech-vs-noise gate run over raw PCM, and a post-ASR
// meaningfulness gate run over a completed transcription.
package filter

import (
	"fmt"
	"strings"

	"github.com/glyphoxa/ingestd/pkg/asr"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Outcome is the verdict of a single gate.
type Outcome struct {
	// Rejected is true when the gate produced a terminal `filtered`
	// result.
	Rejected bool
	// Reason is the reason code reported on the `{"type":"filtered",
	// "reason":"<code>"}` terminal message (spec §6) and recorded on the
	// filter_pre_asr/filter_post_asr integrity event.
	Reason string
	// Detail carries gate-specific diagnostic data (e.g. the pre-ASR
	// in-band energy ratio) that does not belong in the wire-level reason
	// code but is still useful on the integrity event's metadata.
	Detail string
}

func pass() Outcome { return Outcome{} }

func reject(reason string) Outcome { return Outcome{Rejected: true, Reason: reason} }

func rejectWithDetail(reason, detail string) Outcome {
	return Outcome{Rejected: true, Reason: reason, Detail: detail}
}

// Config parameterizes both gates per spec §6's configuration surface.
type Config struct {
	// PreASREnabled toggles the FFT speech-band gate.
	PreASREnabled bool

	// SpeechBandLowHz/SpeechBandHighHz bound the human-speech frequency
	// band (spec §4.4 default: 300-3400 Hz).
	SpeechBandLowHz  float64
	SpeechBandHighHz float64

	// SpeechBandMinRatio is the minimum fraction of total spectral
	// energy that must fall inside the speech band for a segment to
	// pass the pre-ASR gate.
	SpeechBandMinRatio float64

	// AllowedLanguages is the set of BCP-47 language codes accepted by
	// the post-ASR gate (spec §4.4 default: {ru, kk, en}).
	AllowedLanguages map[string]bool

	// MinLanguageProbability is the minimum detector confidence
	// required for a language to be considered allowed (spec default 0.4).
	MinLanguageProbability float64

	// MinWordCount is the minimum number of whitespace-delimited tokens
	// a transcription must contain to pass (spec default 3).
	MinWordCount int

	// NoisePhrases and HallucinationPhrases are compared against the
	// normalized transcription text (lowercased, punctuation-stripped).
	NoisePhrases         map[string]bool
	HallucinationPhrases map[string]bool
}

// DefaultConfig returns the configuration described by spec §4.4's
// defaults.
func DefaultConfig() Config {
	return Config{
		PreASREnabled:          true,
		SpeechBandLowHz:        300,
		SpeechBandHighHz:       3400,
		SpeechBandMinRatio:     0.35,
		AllowedLanguages:       map[string]bool{"ru": true, "kk": true, "en": true},
		MinLanguageProbability: 0.4,
		MinWordCount:           3,
		NoisePhrases: setOf(
			"угу", "ага", "ну", "мм", "это", "ладно", "понял", "окей",
		),
		HallucinationPhrases: setOf(
			"спасибо.", "подписывайтесь.",
		),
	}
}

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Chain runs both gates in sequence.
type Chain struct {
	cfg Config
}

// New constructs a Chain. The noise and hallucination phrase sets are
// normalized the same way as transcription text, so entries such as
// "спасибо." match a transcript reading "Спасибо".
func New(cfg Config) *Chain {
	for _, set := range []*map[string]bool{&cfg.NoisePhrases, &cfg.HallucinationPhrases} {
		normalized := make(map[string]bool, len(*set))
		for phrase, ok := range *set {
			if ok {
				normalized[normalize(phrase)] = true
			}
		}
		*set = normalized
	}
	return &Chain{cfg: cfg}
}

// PreASR runs the speech-vs-noise FFT gate over a PCM16 mono buffer at
// sampleRate. A segment whose spectral energy is dominated by content
// outside the human-speech band is rejected before any ASR call is made.
func (c *Chain) PreASR(pcm []byte, sampleRate int) (Outcome, error) {
	if !c.cfg.PreASREnabled {
		return pass(), nil
	}
	if len(pcm) < 4 {
		return reject("pre_asr_insufficient_samples"), nil
	}

	samples := pcm16ToFloat64(pcm)
	n := len(samples)

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, samples)

	binHz := float64(sampleRate) / float64(n)
	var total, inBand float64
	for i, coeff := range coeffs {
		power := real(coeff)*real(coeff) + imag(coeff)*imag(coeff)
		total += power

		freq := float64(i) * binHz
		if freq < c.cfg.SpeechBandLowHz || freq > c.cfg.SpeechBandHighHz {
			continue
		}
		inBand += power
	}

	if total == 0 {
		return reject("pre_asr_silence"), nil
	}
	ratio := inBand / total
	if ratio < c.cfg.SpeechBandMinRatio {
		return rejectWithDetail("music", fmt.Sprintf("in_band_energy_ratio:%.3f", ratio)), nil
	}
	return pass(), nil
}

// PostASR runs the meaningfulness gate over a completed ASR result. Reason
// codes match the spec's external `{"type":"filtered","reason":"<code>"}`
// contract (§6) and its named test scenarios (§8 S3: "noise_phrase").
func (c *Chain) PostASR(result asr.Result) Outcome {
	if wordCount(result.Text) < c.cfg.MinWordCount {
		return reject("word_count")
	}
	if !c.cfg.AllowedLanguages[result.Language] || result.LanguageProbability < c.cfg.MinLanguageProbability {
		return reject("language")
	}
	normalized := normalize(result.Text)
	if c.cfg.NoisePhrases[normalized] {
		return reject("noise_phrase")
	}
	if c.cfg.HallucinationPhrases[normalized] {
		return reject("hallucination_phrase")
	}
	return pass()
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// normalize lowercases and strips punctuation/whitespace padding, matching
// spec §4.4's "lowercase + strip punctuation" normalization.
func normalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		if strings.ContainsRune(".,!?;:\"'", r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func pcm16ToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(sample) / 32768.0
	}
	return out
}
