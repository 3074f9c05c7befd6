// Package wav encodes and decodes the minimal RIFF/WAV container used on the
// wire between the client Segmenter and the server Ingress endpoint: PCM
// format, mono, 16 kHz, 16 bits per sample.
//
// No external dependency is used here — the container is 44 bytes of fixed
// layout plus a data chunk, small enough that hand-rolling it (as the
// teacher's whisper provider does for its own outbound requests) is more
// direct than pulling in a decoding library.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size in bytes of a standard canonical WAV header
	// (RIFF + fmt + data sub-chunk headers, no extra chunks).
	HeaderSize = 44

	formatPCM       = 1
	fmtChunkSize    = 16
	bitsPerSample16 = 16
)

// ErrNotWAV is returned when a payload does not begin with the RIFF/WAVE
// magic bytes required by the ingress endpoint (spec §4.3 step 1).
var ErrNotWAV = errors.New("wav: missing RIFF/WAVE magic bytes")

// ErrUnsupportedFormat is returned when a WAV payload's fmt chunk does not
// declare PCM16 mono audio.
var ErrUnsupportedFormat = errors.New("wav: unsupported format (must be PCM16 mono)")

// Params describes the audio format carried by a WAV container.
type Params struct {
	SampleRate int
	Channels   int
	BitsPerSample int
}

// Encode wraps raw little-endian PCM samples in a standard 44-byte RIFF/WAV
// header. Only PCM16 is supported, matching the wire format required by
// spec §6.
func Encode(pcm []byte, p Params) []byte {
	bps := p.BitsPerSample
	if bps == 0 {
		bps = bitsPerSample16
	}
	byteRate := p.SampleRate * p.Channels * bps / 8
	blockAlign := p.Channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, HeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(p.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// ValidateMagic checks that payload begins with the RIFF....WAVE magic bytes
// required by spec §4.3 step 1, without parsing the rest of the header. It is
// intentionally cheap so the ingress endpoint can reject malformed payloads
// before any further allocation.
func ValidateMagic(payload []byte) error {
	if len(payload) < 12 {
		return ErrNotWAV
	}
	if string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return ErrNotWAV
	}
	return nil
}

// Decode parses a WAV container and returns its format parameters and raw PCM
// payload. It walks sub-chunks rather than assuming the canonical 44-byte
// layout, since some encoders insert extra chunks (e.g. LIST) before data.
func Decode(payload []byte) (Params, []byte, error) {
	if err := ValidateMagic(payload); err != nil {
		return Params{}, nil, err
	}

	var (
		p      Params
		pcm    []byte
		sawFmt bool
	)

	off := 12
	for off+8 <= len(payload) {
		id := string(payload[off : off+4])
		size := int(binary.LittleEndian.Uint32(payload[off+4 : off+8]))
		body := off + 8
		if body+size > len(payload) {
			break
		}

		switch id {
		case "fmt ":
			if size < fmtChunkSize {
				return Params{}, nil, ErrUnsupportedFormat
			}
			audioFormat := binary.LittleEndian.Uint16(payload[body : body+2])
			channels := binary.LittleEndian.Uint16(payload[body+2 : body+4])
			sampleRate := binary.LittleEndian.Uint32(payload[body+4 : body+8])
			bits := binary.LittleEndian.Uint16(payload[body+14 : body+16])
			if audioFormat != formatPCM {
				return Params{}, nil, fmt.Errorf("%w: audio format %d", ErrUnsupportedFormat, audioFormat)
			}
			if channels != 1 || bits != bitsPerSample16 {
				return Params{}, nil, fmt.Errorf("%w: %d channels, %d bits per sample", ErrUnsupportedFormat, channels, bits)
			}
			p = Params{
				SampleRate:    int(sampleRate),
				Channels:      int(channels),
				BitsPerSample: int(bits),
			}
			sawFmt = true
		case "data":
			pcm = payload[body : body+size]
		}

		// Chunks are word-aligned; an odd-sized chunk is padded by one byte.
		off = body + size + size%2
	}

	if !sawFmt || pcm == nil {
		return Params{}, nil, ErrUnsupportedFormat
	}
	return p, pcm, nil
}
