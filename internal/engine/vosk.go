//go:build vosk

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-speech/internal/audio"
)

const voskEventBuffer = 256

// VoskAvailable reports whether this build links libvosk.
const VoskAvailable = true

// Vosk decodes in-process through libvosk.
type Vosk struct {
	opener audio.Opener
	log    *slog.Logger
	events chan Event

	mu      sync.Mutex
	next    Handle
	handles map[Handle]*voskHandle
}

type voskHandle struct {
	id     Handle
	cfg    Config
	closed chan struct{}

	// mu guards the recognizer, which libvosk does not synchronise.
	mu       sync.Mutex
	model    *vosk.VoskModel
	rec      *vosk.VoskRecognizer
	pump     *pump
	partial  string
	segments []string
}

type voskResult struct {
	Text         string `json:"text"`
	Partial      string `json:"partial"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
	Result []struct {
		Word string  `json:"word"`
		Conf float64 `json:"conf"`
	} `json:"result"`
}

// best returns the top hypothesis and its confidence.
func (r voskResult) best() (string, float64) {
	if len(r.Alternatives) > 0 {
		return strings.TrimSpace(r.Alternatives[0].Text), r.Alternatives[0].Confidence
	}
	var conf float64
	if len(r.Result) > 0 {
		for _, w := range r.Result {
			conf += w.Conf
		}
		conf /= float64(len(r.Result))
	}
	return strings.TrimSpace(r.Text), conf
}

func NewVosk(opener audio.Opener, log *slog.Logger) (Binding, error) {
	vosk.SetLogLevel(-1)
	return &Vosk{
		opener:  opener,
		log:     log.With(slog.String("component", "engine-vosk")),
		events:  make(chan Event, voskEventBuffer),
		handles: make(map[Handle]*voskHandle),
	}, nil
}

func (v *Vosk) Events() <-chan Event { return v.events }

func (v *Vosk) Initialize(ctx context.Context, cfg Config) (Handle, error) {
	if err := ValidateConfig(cfg); err != nil {
		return 0, err
	}
	if info, err := os.Stat(cfg.ModelPath); err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	} else if !info.IsDir() {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: errors.New("not a directory")}
	}

	type loaded struct {
		model *vosk.VoskModel
		rec   *vosk.VoskRecognizer
		err   error
	}
	done := make(chan loaded, 1)
	go func() {
		model, err := vosk.NewModel(cfg.ModelPath)
		if err != nil {
			done <- loaded{err: err}
			return
		}
		rec, err := vosk.NewRecognizer(model, float64(cfg.SampleRateHz))
		if err != nil {
			model.Free()
			done <- loaded{err: err}
			return
		}
		done <- loaded{model: model, rec: rec}
	}()

	var res loaded
	select {
	case res = <-done:
	case <-ctx.Done():
		// Free whatever the loader produces once it finishes.
		go func() {
			if r := <-done; r.err == nil {
				r.rec.Free()
				r.model.Free()
			}
		}()
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: ctx.Err()}
	}
	if res.err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: res.err}
	}
	if cfg.MaxAlternatives > 1 {
		res.rec.SetMaxAlternatives(int(cfg.MaxAlternatives))
	}
	res.rec.SetWords(1)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	v.handles[v.next] = &voskHandle{id: v.next, cfg: cfg, model: res.model, rec: res.rec, closed: make(chan struct{})}
	v.log.Info("vosk model loaded", slog.String("model", cfg.ModelPath), slog.Uint64("sample_rate", uint64(cfg.SampleRateHz)))
	return v.next, nil
}

func (v *Vosk) StartCapture(h Handle) error {
	vh, err := v.lookup(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	defer vh.mu.Unlock()
	if vh.pump != nil {
		return ErrCaptureActive
	}
	vh.rec.Reset()
	vh.partial, vh.segments = "", nil
	pm, err := startPump(v.opener, func(chunk []byte) error {
		v.accept(vh, chunk)
		return nil
	}, func(err error) {
		v.emit(vh, Event{Kind: EventError, Message: "audio capture failed: " + err.Error()})
	})
	if err != nil {
		return err
	}
	vh.pump = pm
	return nil
}

func (v *Vosk) accept(vh *voskHandle, chunk []byte) {
	vh.mu.Lock()
	var ev *Event
	if vh.rec.AcceptWaveform(chunk) == 1 {
		text, conf := parseVosk(vh.rec.Result())
		vh.partial = ""
		if text != "" {
			vh.segments = append(vh.segments, text)
			ev = &Event{Kind: EventFinal, Text: text, Confidence: conf}
		}
	} else if vh.cfg.EnablePartialResults {
		var r voskResult
		if err := json.Unmarshal(vh.rec.PartialResult(), &r); err == nil {
			if p := strings.TrimSpace(r.Partial); p != "" && p != vh.partial {
				vh.partial = p
				ev = &Event{Kind: EventPartial, Text: p}
			}
		}
	}
	vh.mu.Unlock()
	if ev != nil {
		v.emit(vh, *ev)
	}
}

func (v *Vosk) PauseCapture(h Handle) error {
	vh, err := v.lookup(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	pm := vh.pump
	vh.mu.Unlock()
	if pm == nil {
		return ErrNotCapturing
	}
	pm.pause()
	return nil
}

func (v *Vosk) ResumeCapture(h Handle) error {
	vh, err := v.lookup(h)
	if err != nil {
		return err
	}
	vh.mu.Lock()
	pm := vh.pump
	vh.mu.Unlock()
	if pm == nil {
		return ErrNotCapturing
	}
	pm.unpause()
	return nil
}

func (v *Vosk) StopCapture(ctx context.Context, h Handle) (string, error) {
	vh, err := v.lookup(h)
	if err != nil {
		return "", err
	}
	vh.mu.Lock()
	pm := vh.pump
	vh.pump = nil
	vh.mu.Unlock()
	if pm == nil {
		return "", ErrNotCapturing
	}
	pm.stop()

	type flushed struct {
		text string
		conf float64
		last string
	}
	done := make(chan flushed, 1)
	go func() {
		vh.mu.Lock()
		defer vh.mu.Unlock()
		text, conf := parseVosk(vh.rec.FinalResult())
		var last string
		if n := len(vh.segments); n > 0 {
			last = vh.segments[n-1]
		}
		vh.partial = ""
		done <- flushed{text: text, conf: conf, last: last}
	}()

	select {
	case f := <-done:
		if f.text == "" {
			return f.last, nil
		}
		v.emit(vh, Event{Kind: EventFinal, Text: f.text, Confidence: f.conf, Flush: true})
		return f.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (v *Vosk) Destroy(h Handle) {
	v.mu.Lock()
	vh, ok := v.handles[h]
	delete(v.handles, h)
	v.mu.Unlock()
	if !ok {
		return
	}
	close(vh.closed)

	vh.mu.Lock()
	pm := vh.pump
	vh.pump = nil
	vh.mu.Unlock()
	if pm != nil {
		pm.stop()
	}

	vh.mu.Lock()
	defer vh.mu.Unlock()
	vh.rec.Free()
	vh.model.Free()
}

func (v *Vosk) lookup(h Handle) (*voskHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vh, ok := v.handles[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return vh, nil
}

func (v *Vosk) emit(vh *voskHandle, ev Event) {
	ev.Handle = vh.id
	select {
	case v.events <- ev:
	case <-vh.closed:
	}
}

func parseVosk(raw []byte) (string, float64) {
	var r voskResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", 0
	}
	return r.best()
}
