package player

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMedia reports a byte source the device cannot play: not a RIFF
// WAV container, a codec other than 16-bit PCM, or a format that does not
// match the device the handle is being opened on.
var ErrInvalidMedia = errors.New("invalid media")

const wavHeaderSize = 44

// PCM is decoded audio: interleaved signed 16-bit little-endian samples.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the decoded samples.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	frames := len(p.Data) / (2 * p.Channels)
	return time.Duration(frames) * time.Second / time.Duration(p.SampleRate)
}

// DecodeWAV parses a RIFF WAV container and returns its PCM payload. Only
// uncompressed 16-bit PCM is supported; anything else is ErrInvalidMedia.
func DecodeWAV(src []byte) (PCM, error) {
	if len(src) < wavHeaderSize {
		return PCM{}, fmt.Errorf("%w: %d bytes is too short for a WAV header", ErrInvalidMedia, len(src))
	}
	if string(src[0:4]) != "RIFF" || string(src[8:12]) != "WAVE" {
		return PCM{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidMedia)
	}

	var (
		pcm      PCM
		bits     int
		sawFmt   bool
		sawData  bool
		codec    uint16
		offset   = 12
		remained = len(src)
	)
	for offset+8 <= remained {
		id := string(src[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(src[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > remained {
			return PCM{}, fmt.Errorf("%w: chunk %q overruns the container", ErrInvalidMedia, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("%w: fmt chunk is %d bytes", ErrInvalidMedia, size)
			}
			codec = binary.LittleEndian.Uint16(src[body : body+2])
			pcm.Channels = int(binary.LittleEndian.Uint16(src[body+2 : body+4]))
			pcm.SampleRate = int(binary.LittleEndian.Uint32(src[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(src[body+14 : body+16]))
			sawFmt = true
		case "data":
			pcm.Data = src[body : body+size]
			sawData = true
		}
		// Chunks are word-aligned.
		offset = body + size + size%2
	}

	if !sawFmt || !sawData {
		return PCM{}, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidMedia)
	}
	if codec != 1 || bits != 16 {
		return PCM{}, fmt.Errorf("%w: only 16-bit PCM is supported (codec=%d bits=%d)", ErrInvalidMedia, codec, bits)
	}
	if pcm.Channels <= 0 || pcm.SampleRate <= 0 {
		return PCM{}, fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidMedia, pcm.Channels, pcm.SampleRate)
	}
	return pcm, nil
}

// EncodeWAV wraps interleaved 16-bit PCM samples in a canonical 44-byte
// RIFF WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}
