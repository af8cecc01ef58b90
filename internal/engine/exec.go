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
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/mattn/go-shellwords"
)

const (
	execEventBuffer = 256
	execExitGrace   = 2 * time.Second
	stderrTailBytes = 4096
)

// Exec runs an external recognizer per handle and talks to it with
// newline-delimited JSON. The process receives
//
//	{"op":"config", ...}, {"op":"start"}, {"op":"audio","pcm":"<base64 PCM16LE>"}, {"op":"flush"}
//
// on stdin and answers on stdout with messages of type ready, partial,
// final (with "flush":true for the reply to a flush) and error.
type Exec struct {
	argv   []string
	opener audio.Opener
	log    *slog.Logger
	events chan Event

	mu    sync.Mutex
	next  Handle
	procs map[Handle]*execProc
}

type execRequest struct {
	Op              string `json:"op"`
	SampleRate      uint   `json:"sample_rate,omitempty"`
	MaxAlternatives uint   `json:"max_alternatives,omitempty"`
	PartialResults  bool   `json:"partial_results,omitempty"`
	PCM             []byte `json:"pcm,omitempty"`
}

type execMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Flush      bool    `json:"flush"`
	Message    string  `json:"message"`
}

type execProc struct {
	handle Handle
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	wmu sync.Mutex
	enc *json.Encoder

	ready   chan error
	flushed chan execMessage
	exited  chan struct{}
	closed  chan struct{}
	closing atomic.Bool

	mu        sync.Mutex
	pump      *pump
	lastFinal string
}

func NewExec(command string, opener audio.Opener, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &Exec{
		argv:   args,
		opener: opener,
		log:    log.With(slog.String("component", "engine-exec")),
		events: make(chan Event, execEventBuffer),
		procs:  make(map[Handle]*execProc),
	}, nil
}

func (e *Exec) Events() <-chan Event { return e.events }

func (e *Exec) Initialize(ctx context.Context, cfg Config) (Handle, error) {
	if err := ValidateConfig(cfg); err != nil {
		return 0, err
	}
	if info, err := os.Stat(cfg.ModelPath); err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	} else if !info.IsDir() {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: errors.New("not a directory")}
	}

	args := append([]string{}, e.argv[1:]...)
	args = append(args, "--model", cfg.ModelPath, "--sample-rate", strconv.FormatUint(uint64(cfg.SampleRateHz), 10))
	cmd := exec.Command(e.argv[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: fmt.Errorf("start recognizer: %w", err)}
	}

	e.mu.Lock()
	e.next++
	p := &execProc{
		handle:  e.next,
		cfg:     cfg,
		cmd:     cmd,
		stdin:   stdin,
		stderr:  stderr,
		enc:     json.NewEncoder(stdin),
		ready:   make(chan error, 1),
		flushed: make(chan execMessage, 1),
		exited:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
	e.procs[p.handle] = p
	e.mu.Unlock()

	go e.readLoop(p, stdout)

	if err := p.send(execRequest{
		Op:              "config",
		SampleRate:      cfg.SampleRateHz,
		MaxAlternatives: cfg.MaxAlternatives,
		PartialResults:  cfg.EnablePartialResults,
	}); err != nil {
		e.Destroy(p.handle)
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}

	select {
	case err := <-p.ready:
		if err != nil {
			e.Destroy(p.handle)
			return 0, &ModelLoadError{Path: cfg.ModelPath, Err: err}
		}
	case <-p.exited:
		e.Destroy(p.handle)
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: fmt.Errorf("recognizer exited during load: %s", stderr.String())}
	case <-ctx.Done():
		e.Destroy(p.handle)
		return 0, &ModelLoadError{Path: cfg.ModelPath, Err: ctx.Err()}
	}

	e.log.Info("recognizer ready", slog.String("model", cfg.ModelPath), slog.Int("pid", cmd.Process.Pid))
	return p.handle, nil
}

func (e *Exec) readLoop(p *execProc, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	loaded := false
	for scanner.Scan() {
		var msg execMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			e.log.Warn("failed to decode recognizer output", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case "ready":
			if !loaded {
				loaded = true
				p.ready <- nil
			}
		case "partial":
			if p.cfg.EnablePartialResults && p.capturing() {
				e.emit(p, Event{Kind: EventPartial, Text: msg.Text})
			}
		case "final":
			if msg.Flush {
				select {
				case p.flushed <- msg:
				default:
				}
				continue
			}
			p.mu.Lock()
			p.lastFinal = msg.Text
			p.mu.Unlock()
			e.emit(p, Event{Kind: EventFinal, Text: msg.Text, Confidence: msg.Confidence})
		case "error":
			if !loaded {
				loaded = true
				p.ready <- errors.New(msg.Message)
				continue
			}
			e.emit(p, Event{Kind: EventError, Message: msg.Message})
		default:
			e.log.Debug("ignoring recognizer message", slog.String("type", msg.Type))
		}
	}
	waitErr := p.cmd.Wait()
	close(p.exited)
	if loaded && !p.closing.Load() {
		msg := "recognizer exited"
		if waitErr != nil {
			msg = fmt.Sprintf("recognizer exited: %v", waitErr)
		}
		if tail := p.stderr.String(); tail != "" {
			msg += ": " + tail
		}
		e.emit(p, Event{Kind: EventError, Message: msg})
	}
}

func (e *Exec) StartCapture(h Handle) error {
	p, err := e.lookup(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pump != nil {
		return ErrCaptureActive
	}
	if e.opener == nil {
		return ErrNoAudioSource
	}
	if err := p.send(execRequest{Op: "start"}); err != nil {
		return err
	}
	pm, err := startPump(e.opener, func(chunk []byte) error {
		return p.send(execRequest{Op: "audio", PCM: chunk})
	}, func(err error) {
		e.emit(p, Event{Kind: EventError, Message: "audio capture failed: " + err.Error()})
	})
	if err != nil {
		return err
	}
	p.pump = pm
	p.lastFinal = ""
	return nil
}

func (e *Exec) PauseCapture(h Handle) error {
	p, err := e.lookup(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pump == nil {
		return ErrNotCapturing
	}
	p.pump.pause()
	return nil
}

func (e *Exec) ResumeCapture(h Handle) error {
	p, err := e.lookup(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pump == nil {
		return ErrNotCapturing
	}
	p.pump.unpause()
	return nil
}

func (e *Exec) StopCapture(ctx context.Context, h Handle) (string, error) {
	p, err := e.lookup(h)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	pm := p.pump
	p.pump = nil
	p.mu.Unlock()
	if pm == nil {
		return "", ErrNotCapturing
	}
	pm.stop()

	select {
	case <-p.flushed:
	default:
	}
	if err := p.send(execRequest{Op: "flush"}); err != nil {
		return "", err
	}

	select {
	case msg := <-p.flushed:
		text := msg.Text
		if text != "" {
			e.emit(p, Event{Kind: EventFinal, Text: text, Confidence: msg.Confidence, Flush: true})
			return text, nil
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastFinal, nil
	case <-p.exited:
		return "", fmt.Errorf("recognizer exited during flush: %s", p.stderr.String())
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Exec) Destroy(h Handle) {
	e.mu.Lock()
	p, ok := e.procs[h]
	delete(e.procs, h)
	e.mu.Unlock()
	if !ok {
		return
	}
	p.closing.Store(true)
	close(p.closed)

	p.mu.Lock()
	pm := p.pump
	p.pump = nil
	p.mu.Unlock()
	if pm != nil {
		pm.stop()
	}

	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(execExitGrace):
		e.log.Warn("recognizer did not exit, killing", slog.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

func (e *Exec) lookup(h Handle) (*execProc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return p, nil
}

func (e *Exec) emit(p *execProc, ev Event) {
	ev.Handle = p.handle
	select {
	case e.events <- ev:
	case <-p.closed:
	}
}

func (p *execProc) send(req execRequest) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.enc.Encode(req); err != nil {
		return fmt.Errorf("write to recognizer: %w", err)
	}
	return nil
}

func (p *execProc) capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pump != nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
