// Package capture opens the local microphone and emits fixed-size PCM16
// mono 16 kHz frames, the shape pkg/segment.Segmenter expects (spec §4.1).
package capture

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// SampleRate and Channels are fixed: the Segmenter and every downstream
// stage assume mono 16 kHz PCM16.
const (
	SampleRate = 16000
	Channels   = 1
)

// Mic streams microphone audio as fixed-size frames on a channel. Unlike
// the capture device shown in askidmobile-AIWisper's backend/audio
// (48kHz stereo float32, converted post-hoc for ASR), this device asks
// malgo for 16kHz mono PCM16 directly, since nothing downstream of the
// client needs a higher rate.
type Mic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	frameBytes int
	buf        []byte
	frames     chan []byte

	mu      sync.Mutex
	running bool
}

// New opens a malgo capture context and configures (but does not start) a
// capture device for the default input. frameSizeMs is the frame duration
// emitted on Frames(); pkg/segment.Config.FrameSizeMs must match it.
func New(frameSizeMs int) (*Mic, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	m := &Mic{
		ctx:        ctx,
		frameBytes: SampleRate * frameSizeMs / 1000 * Channels * 2,
		frames:     make(chan []byte, 64),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: m.onRecv,
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	m.device = device

	return m, nil
}

// onRecv accumulates raw PCM16 bytes and slices them into frameBytes-sized
// chunks, pushing each completed frame onto frames. A partial trailing
// chunk is carried over to the next callback.
func (m *Mic) onRecv(_, pInputSamples []byte, _ uint32) {
	m.buf = append(m.buf, pInputSamples...)
	for len(m.buf) >= m.frameBytes {
		frame := make([]byte, m.frameBytes)
		copy(frame, m.buf[:m.frameBytes])
		m.buf = m.buf[m.frameBytes:]
		select {
		case m.frames <- frame:
		default:
			// Downstream consumer fell behind; drop the oldest frame
			// rather than block the audio callback.
			select {
			case <-m.frames:
			default:
			}
			m.frames <- frame
		}
	}
}

// Frames returns the channel of fixed-size PCM16 frames.
func (m *Mic) Frames() <-chan []byte { return m.frames }

// Start begins capture. Safe to call once; returns an error if already running.
func (m *Mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("capture: already running")
	}
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	m.running = true
	return nil
}

// Stop halts capture without releasing the device; Start may be called
// again afterward.
func (m *Mic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	m.running = false
	return nil
}

// Close stops capture (if running) and releases the device and context.
// Safe to call more than once.
func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}
