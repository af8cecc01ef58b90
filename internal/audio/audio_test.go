package audio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeWav(t *testing.T, sampleRate, channels int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAll(t *testing.T, src Source) [][]byte {
	t.Helper()
	var frames [][]byte
	for {
		chunk, err := src.Read(context.Background())
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frames = append(frames, chunk)
	}
}

func TestWavSourceFrames(t *testing.T) {
	samples := make([]int, 1600)
	for i := range samples {
		samples[i] = i
	}
	path := writeWav(t, 16000, 1, samples)

	src, err := OpenWav(path, 20*time.Millisecond, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if src.SampleRate() != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", src.SampleRate())
	}

	frames := readAll(t, src)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames of 20ms, got %d", len(frames))
	}
	for _, f := range frames {
		if len(f) != 640 {
			t.Fatalf("expected 640 bytes per frame, got %d", len(f))
		}
	}
	if got := int16(binary.LittleEndian.Uint16(frames[1][2:])); got != 321 {
		t.Fatalf("expected sample 321, got %d", got)
	}
}

func TestWavSourceDownmixesStereo(t *testing.T) {
	samples := make([]int, 320*2)
	for i := 0; i < len(samples); i += 2 {
		samples[i] = 100
		samples[i+1] = 300
	}
	path := writeWav(t, 16000, 2, samples)
	src, err := OpenWav(path, 20*time.Millisecond, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	frames := readAll(t, src)
	if len(frames) != 1 || len(frames[0]) != 640 {
		t.Fatalf("expected one mono frame, got %d frames", len(frames))
	}
	if got := int16(binary.LittleEndian.Uint16(frames[0])); got != 200 {
		t.Fatalf("expected averaged sample 200, got %d", got)
	}
}

func TestOpenWavRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWav(path, 0, false); err == nil {
		t.Fatal("expected invalid wav error")
	}
}

func TestWavSourceHonoursContext(t *testing.T) {
	path := writeWav(t, 16000, 1, make([]int, 16000))
	src, err := OpenWav(path, 500*time.Millisecond, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if _, err := src.Read(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected paced read to observe the deadline, got %v", err)
	}
}

func TestBusSourceStopsOnFinalFrame(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	src, err := SubscribeBus(nc, protocol.SubjectAudioFramePrefix+".>", newLogger())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer src.Close()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	publish := func(frame protocol.AudioFrame) {
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatal(err)
		}
		if err := nc.Publish(protocol.SubjectAudioFramePrefix+".kitchen", data); err != nil {
			t.Fatal(err)
		}
	}
	publish(protocol.AudioFrame{SessionID: "kitchen", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: []byte{1, 0, 2, 0}})
	if err := nc.Publish(protocol.SubjectAudioFramePrefix+".kitchen", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	publish(protocol.AudioFrame{SessionID: "kitchen", Sequence: 2, SampleRate: 16000, Channels: 1, PCM: []byte{3, 0}, Final: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []byte
	for {
		chunk, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, chunk...)
	}
	if len(got) != 6 || got[4] != 3 {
		t.Fatalf("unexpected pcm stream %v", got)
	}
}
