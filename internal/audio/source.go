// Package audio provides PCM16LE capture sources for recognition engines.
package audio

import (
	"context"
	"encoding/binary"
)

// Source yields chunks of little-endian 16-bit PCM. Read returns io.EOF when
// the stream ends.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener starts a fresh capture stream. Engines call it once per capture.
type Opener func() (Source, error)

// encodePCM16 downmixes interleaved samples to mono and rescales them to 16 bits.
func encodePCM16(samples []int, channels, bitDepth int) []byte {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		v := scaleTo16(sum/channels, bitDepth)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func scaleTo16(v, bitDepth int) int {
	switch {
	case bitDepth == 8:
		// 8-bit WAV is unsigned.
		v = (v - 128) << 8
	case bitDepth > 16:
		v >>= bitDepth - 16
	case bitDepth > 0 && bitDepth < 16:
		v <<= 16 - bitDepth
	}
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
