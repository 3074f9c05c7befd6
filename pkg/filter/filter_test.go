package filter_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/asr"
	"github.com/glyphoxa/ingestd/pkg/filter"
)

func sineWave(freqHz float64, sampleRate, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := math.Sin(2 * math.Pi * freqHz * t)
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(int16(v*20000)))
	}
	return buf
}

func TestPreASRPassesSpeechBandTone(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	pcm := sineWave(1000, 16000, 1600) // 1 kHz tone, inside 300-3400 Hz band
	outcome, err := c.PreASR(pcm, 16000)
	if err != nil {
		t.Fatalf("PreASR: %v", err)
	}
	if outcome.Rejected {
		t.Fatalf("expected pass for in-band tone, got reject: %s", outcome.Reason)
	}
}

func TestPreASRRejectsOutOfBandTone(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	pcm := sineWave(60, 16000, 1600) // 60 Hz hum, well below the speech band
	outcome, err := c.PreASR(pcm, 16000)
	if err != nil {
		t.Fatalf("PreASR: %v", err)
	}
	if !outcome.Rejected {
		t.Fatal("expected reject for out-of-band tone")
	}
	// Spec §8 S2: the wire-level reason code for a music/broadband
	// rejection is "music"; diagnostic detail (the energy ratio) lives on
	// Outcome.Detail instead of being embedded in the reason string.
	if outcome.Reason != "music" {
		t.Fatalf("Reason = %q, want %q", outcome.Reason, "music")
	}
	if outcome.Detail == "" {
		t.Fatal("expected Detail to carry the in-band energy ratio")
	}
}

func TestPreASRDisabledAlwaysPasses(t *testing.T) {
	cfg := filter.DefaultConfig()
	cfg.PreASREnabled = false
	c := filter.New(cfg)
	pcm := sineWave(60, 16000, 1600)
	outcome, err := c.PreASR(pcm, 16000)
	if err != nil {
		t.Fatalf("PreASR: %v", err)
	}
	if outcome.Rejected {
		t.Fatal("expected pass when PreASREnabled is false")
	}
}

func TestPostASRRejectsShortTranscription(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	outcome := c.PostASR(asr.Result{Text: "ok", Language: "en", LanguageProbability: 0.9})
	if !outcome.Rejected || outcome.Reason != "word_count" {
		t.Fatalf("outcome = %+v, want word_count rejection", outcome)
	}
}

func TestPostASRRejectsDisallowedLanguage(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	outcome := c.PostASR(asr.Result{Text: "this is a real sentence", Language: "fr", LanguageProbability: 0.9})
	if !outcome.Rejected || outcome.Reason != "language" {
		t.Fatalf("outcome = %+v, want language rejection", outcome)
	}
}

func TestPostASRRejectsLowLanguageConfidence(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	outcome := c.PostASR(asr.Result{Text: "this is a real sentence", Language: "en", LanguageProbability: 0.1})
	if !outcome.Rejected || outcome.Reason != "language" {
		t.Fatalf("outcome = %+v, want language rejection", outcome)
	}
}

func TestPostASRRejectsNoisePhrase(t *testing.T) {
	// Isolate the noise-phrase gate from the (independent) word-count gate:
	// every enumerated noise phrase is a single word, which would otherwise
	// already fail MinWordCount before reaching this check.
	cfg := filter.DefaultConfig()
	cfg.MinWordCount = 0
	c := filter.New(cfg)
	outcome := c.PostASR(asr.Result{Text: "Угу.", Language: "ru", LanguageProbability: 0.9})
	if !outcome.Rejected || outcome.Reason != "noise_phrase" {
		t.Fatalf("outcome = %+v, want noise_phrase rejection", outcome)
	}
}

func TestPostASRRejectsHallucinationPhrase(t *testing.T) {
	cfg := filter.DefaultConfig()
	cfg.MinWordCount = 0
	c := filter.New(cfg)
	outcome := c.PostASR(asr.Result{Text: "Подписывайтесь.", Language: "ru", LanguageProbability: 0.9})
	if !outcome.Rejected || outcome.Reason != "hallucination_phrase" {
		t.Fatalf("outcome = %+v, want hallucination_phrase rejection", outcome)
	}
}

func TestPostASRPassesMeaningfulText(t *testing.T) {
	c := filter.New(filter.DefaultConfig())
	outcome := c.PostASR(asr.Result{Text: "Remember to call the dentist tomorrow", Language: "en", LanguageProbability: 0.95})
	if outcome.Rejected {
		t.Fatalf("expected pass, got reject: %s", outcome.Reason)
	}
}
