package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource replays a WAV file as fixed-duration PCM16LE mono frames.
type WavSource struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	frame    time.Duration
	realtime bool
	next     time.Time
}

// OpenWav validates path and prepares it for streaming. With realtime set,
// Read paces frames at playback speed.
func OpenWav(path string, frame time.Duration, realtime bool) (*WavSource, error) {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek wav pcm: %w", err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}
	samplesPerFrame := int(int64(dec.SampleRate) * int64(frame) / int64(time.Second))
	if samplesPerFrame < 1 {
		samplesPerFrame = 1
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, samplesPerFrame*channels),
	}
	return &WavSource{file: f, dec: dec, buf: buf, frame: frame, realtime: realtime}, nil
}

// WavOpener returns an Opener that replays path from the start on each capture.
func WavOpener(path string, frame time.Duration, realtime bool) Opener {
	return func() (Source, error) {
		return OpenWav(path, frame, realtime)
	}
}

func (w *WavSource) SampleRate() int { return int(w.dec.SampleRate) }

func (w *WavSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.realtime {
		if wait := time.Until(w.next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	n, err := w.dec.PCMBuffer(w.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	if w.next.IsZero() {
		w.next = time.Now()
	}
	w.next = w.next.Add(w.frame)
	return encodePCM16(w.buf.Data[:n], w.buf.Format.NumChannels, int(w.dec.BitDepth)), nil
}

func (w *WavSource) Close() error {
	return w.file.Close()
}
