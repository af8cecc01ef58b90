package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sliceSource replays fixed chunks then reports io.EOF.
type sliceSource struct {
	chunks [][]byte
}

func (s *sliceSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceSource) Close() error { return nil }

func chunkOpener(n, size int) audio.Opener {
	return func() (audio.Source, error) {
		chunks := make([][]byte, n)
		for i := range chunks {
			chunks[i] = make([]byte, size)
		}
		return &sliceSource{chunks: chunks}, nil
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine event")
	}
	return Event{}
}

func TestValidateConfig(t *testing.T) {
	if err := ValidateConfig(DefaultConfig("/models/en")); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	cases := []Config{
		{ModelPath: "", SampleRateHz: 16000, MaxAlternatives: 1},
		{ModelPath: "/m", SampleRateHz: 11025, MaxAlternatives: 1},
		{ModelPath: "/m", SampleRateHz: 16000, MaxAlternatives: 0},
		{ModelPath: "/m", SampleRateHz: 16000, MaxAlternatives: 11},
	}
	for _, cfg := range cases {
		var unsupported *UnsupportedConfigError
		if err := ValidateConfig(cfg); !errors.As(err, &unsupported) {
			t.Fatalf("expected UnsupportedConfigError for %+v, got %v", cfg, err)
		}
	}
}

func TestMockLifecycle(t *testing.T) {
	m := NewMock(nil)
	h, err := m.Initialize(context.Background(), DefaultConfig("/models/en"))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	m.Script(
		Event{Kind: EventPartial, Text: "hello"},
		Event{Kind: EventFinal, Text: "hello world", Confidence: 0.92},
	)
	if err := m.StartCapture(h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartCapture(h); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}
	if ev := nextEvent(t, m.Events()); ev.Kind != EventPartial || ev.Handle != h {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := nextEvent(t, m.Events()); ev.Kind != EventFinal || ev.Confidence != 0.92 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := m.PauseCapture(h); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if capturing, paused := m.Capturing(h); !capturing || !paused {
		t.Fatalf("expected paused capture, got capturing=%v paused=%v", capturing, paused)
	}
	if err := m.ResumeCapture(h); err != nil {
		t.Fatalf("resume: %v", err)
	}
	text, err := m.StopCapture(context.Background(), h)
	if err != nil || text != "hello world" {
		t.Fatalf("expected last final from stop, got %q %v", text, err)
	}
	select {
	case ev := <-m.Events():
		t.Fatalf("fallback to the last final must not be sent again, got %+v", ev)
	default:
	}
	m.Destroy(h)
	m.Destroy(h)
	if m.Live() != 0 {
		t.Fatalf("expected no live handles, got %d", m.Live())
	}
	if err := m.StartCapture(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle after destroy, got %v", err)
	}
}

func TestMockStopHonoursDeadline(t *testing.T) {
	m := NewMock(nil)
	h, _ := m.Initialize(context.Background(), DefaultConfig("/m"))
	_ = m.StartCapture(h)
	m.SetStopDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.StopCapture(ctx, h); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestMockCountsAudio(t *testing.T) {
	m := NewMock(chunkOpener(4, mockPartialEvery/2))
	h, _ := m.Initialize(context.Background(), DefaultConfig("/m"))
	if err := m.StartCapture(h); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := nextEvent(t, m.Events())
	if ev.Kind != EventPartial {
		t.Fatalf("expected partial, got %+v", ev)
	}
	ev = nextEvent(t, m.Events())
	if ev.Text != fmt.Sprintf("[partial transcript bytes=%d]", 2*mockPartialEvery) {
		t.Fatalf("unexpected partial %q", ev.Text)
	}
	text, err := m.StopCapture(context.Background(), h)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != ev.Text {
		t.Fatalf("expected stop to fall back to last partial, got %q", text)
	}
	if final := nextEvent(t, m.Events()); final.Kind != EventFinal || !final.Flush || final.Text != text {
		t.Fatalf("expected the flushed partial sent as a flush final, got %+v", final)
	}
}

// TestHelperRecognizer is not a real test. It acts as the external recognizer
// process when the exec tests re-run the test binary.
func TestHelperRecognizer(t *testing.T) {
	mode := os.Getenv("LOQA_HELPER_RECOGNIZER")
	if mode == "" {
		t.Skip("helper process only")
	}
	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	heard := 0
	for scanner.Scan() {
		var req execRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			os.Exit(2)
		}
		switch req.Op {
		case "config":
			if mode == "fail" {
				_ = out.Encode(execMessage{Type: "error", Message: "model is corrupt"})
				os.Exit(1)
			}
			_ = out.Encode(execMessage{Type: "ready"})
		case "start":
			heard = 0
		case "audio":
			heard += len(req.PCM)
			_ = out.Encode(execMessage{Type: "partial", Text: fmt.Sprintf("heard %d", heard)})
		case "flush":
			_ = out.Encode(execMessage{Type: "final", Text: "hello world", Confidence: 0.92, Flush: true})
		}
	}
	os.Exit(0)
}

func helperCommand() string {
	return fmt.Sprintf("%q -test.run=^TestHelperRecognizer$ --", os.Args[0])
}

func TestExecRoundTrip(t *testing.T) {
	t.Setenv("LOQA_HELPER_RECOGNIZER", "ok")
	e, err := NewExec(helperCommand(), chunkOpener(3, 640), newLogger())
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := e.Initialize(ctx, DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer e.Destroy(h)

	if err := e.StartCapture(h); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := nextEvent(t, e.Events())
	if ev.Kind != EventPartial || ev.Handle != h {
		t.Fatalf("expected partial, got %+v", ev)
	}
	if err := e.PauseCapture(h); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.ResumeCapture(h); err != nil {
		t.Fatalf("resume: %v", err)
	}

	text, err := e.StopCapture(ctx, h)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected transcript %q", text)
	}
	// The scored flush result is queued before StopCapture returns.
	var final *Event
	for final == nil {
		select {
		case ev := <-e.Events():
			if ev.Kind == EventFinal {
				final = &ev
			}
		default:
			t.Fatal("expected flush final to be queued before stop returned")
		}
	}
	if final.Confidence != 0.92 || !final.Flush {
		t.Fatalf("unexpected flush final %+v", *final)
	}

	e.Destroy(h)
	e.Destroy(h)
	if _, err := e.StopCapture(ctx, h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestExecInitializeFailures(t *testing.T) {
	t.Setenv("LOQA_HELPER_RECOGNIZER", "fail")
	e, err := NewExec(helperCommand(), nil, newLogger())
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var loadErr *ModelLoadError
	if _, err := e.Initialize(ctx, DefaultConfig("/definitely/missing/model")); !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError for missing path, got %v", err)
	}
	if _, err := e.Initialize(ctx, DefaultConfig(t.TempDir())); !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError from recognizer, got %v", err)
	}
	bad := DefaultConfig(t.TempDir())
	bad.SampleRateHz = 12345
	var unsupported *UnsupportedConfigError
	if _, err := e.Initialize(ctx, bad); !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedConfigError, got %v", err)
	}
}

func TestNewExecRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExec("   ", nil, newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
