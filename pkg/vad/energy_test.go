package vad_test

import (
	"encoding/binary"
	"testing"

	"github.com/glyphoxa/ingestd/pkg/vad"
)

func frameOf(amplitude int16, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(amplitude))
	}
	return buf
}

func TestEnergySessionClassifiesLoudAsSpeech(t *testing.T) {
	engine := vad.NewEnergyEngine()
	session, err := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 0})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	event, err := session.ProcessFrame(frameOf(2000, 320))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if event.Type != vad.Speech {
		t.Fatalf("Type = %v, want Speech", event.Type)
	}
}

func TestEnergySessionClassifiesQuietAsSilence(t *testing.T) {
	engine := vad.NewEnergyEngine()
	session, err := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 0})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	event, err := session.ProcessFrame(frameOf(10, 320))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if event.Type != vad.Silence {
		t.Fatalf("Type = %v, want Silence", event.Type)
	}
}

func TestEnergySessionRejectsOddLengthFrame(t *testing.T) {
	engine := vad.NewEnergyEngine()
	session, err := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	if _, err := session.ProcessFrame([]byte{0}); err == nil {
		t.Fatal("expected ErrFrameSize for odd-length frame")
	}
}

func TestAggressivenessRaisesThreshold(t *testing.T) {
	engine := vad.NewEnergyEngine()
	lax, _ := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 0})
	strict, _ := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 20, Aggressiveness: 3})
	defer lax.Close()
	defer strict.Close()

	frame := frameOf(600, 320)

	laxEvent, _ := lax.ProcessFrame(frame)
	strictEvent, _ := strict.ProcessFrame(frame)

	if laxEvent.Type != vad.Speech {
		t.Fatalf("lax session Type = %v, want Speech", laxEvent.Type)
	}
	if strictEvent.Type != vad.Silence {
		t.Fatalf("strict session Type = %v, want Silence", strictEvent.Type)
	}
}
