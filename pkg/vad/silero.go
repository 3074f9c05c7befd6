//go:build silero

package vad

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// sileroWindowSize is the number of float32 samples per inference call.
// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
const sileroWindowSize = 512

// sileroStateSize is the hidden state dimension per layer: Silero VAD v5
// uses a combined state tensor of shape [2, 1, 128].
const sileroStateSize = 128

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// SileroEngine runs Silero VAD v5 inference via ONNX Runtime. It satisfies
// Engine; each NewSession call allocates an independent set of tensors so
// multiple concurrent Segmenter instances can share one loaded model.
type SileroEngine struct {
	modelPath  string
	libPath    string
	threshold  float64
}

// NewSileroEngine loads the ONNX Runtime shared library at libPath and
// prepares to serve Silero VAD sessions from the model at modelPath.
// threshold is the default speech-probability cutoff (recommend 0.5);
// per-session Config.Aggressiveness further tightens it.
func NewSileroEngine(libPath, modelPath string, threshold float64) (*SileroEngine, error) {
	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("vad: initialize onnxruntime: %w", ortInitErr)
	}
	return &SileroEngine{modelPath: modelPath, libPath: libPath, threshold: threshold}, nil
}

// NewSession implements Engine by allocating a fresh inference session with
// its own input/state/output tensors.
func (e *SileroEngine) NewSession(cfg Config) (SessionHandle, error) {
	threshold := e.threshold
	if cfg.Aggressiveness >= 0 && cfg.Aggressiveness < len(aggressivenessScale) {
		threshold += (1 - threshold) * (1 - aggressivenessScale[cfg.Aggressiveness])
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindowSize))
	if err != nil {
		return nil, fmt.Errorf("vad: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("vad: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("vad: create sample-rate tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("vad: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("vad: create next-state tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXFile(
		e.modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("vad: create session: %w", err)
	}

	return &sileroSession{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		threshold:    threshold,
	}, nil
}

type sileroSession struct {
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32]
	stateTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	threshold float64
}

// ProcessFrame implements SessionHandle. frame must be exactly
// sileroWindowSize 16-bit samples (1024 bytes) of s16le PCM at 16 kHz.
func (s *sileroSession) ProcessFrame(frame []byte) (Event, error) {
	if len(frame) != sileroWindowSize*2 {
		return Event{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), sileroWindowSize*2)
	}

	dst := s.inputTensor.GetData()
	for i := 0; i < sileroWindowSize; i++ {
		sample := int16(frame[i*2]) | int16(frame[i*2+1])<<8
		dst[i] = float32(sample) / 32768.0
	}

	if err := s.session.Run(); err != nil {
		return Event{}, fmt.Errorf("vad: silero inference: %w", err)
	}

	prob := float64(s.outputTensor.GetData()[0])
	copy(s.stateTensor.GetData(), s.stateNTensor.GetData())

	if prob >= s.threshold {
		return Event{Type: Speech, Probability: prob}, nil
	}
	return Event{Type: Silence, Probability: prob}, nil
}

func (s *sileroSession) Reset() {
	clear(s.stateTensor.GetData())
}

func (s *sileroSession) Close() error {
	s.session.Destroy()
	s.inputTensor.Destroy()
	s.stateTensor.Destroy()
	s.srTensor.Destroy()
	s.outputTensor.Destroy()
	s.stateNTensor.Destroy()
	return nil
}
