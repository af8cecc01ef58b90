package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

const (
	mockEventBuffer = 256
	// One partial per second of 16 kHz PCM16 audio.
	mockPartialEvery = 32000
)

// Mock is an in-memory Binding. Tests drive it with Emit and the Set*
// knobs; with an audio opener it also produces placeholder transcripts
// describing how much audio it received.
type Mock struct {
	events chan Event
	opener audio.Opener

	mu         sync.Mutex
	next       Handle
	handles    map[Handle]*mockHandle
	current    Handle
	calls      []string
	initErr    error
	initDelay  time.Duration
	stopText   *string
	stopErr    error
	stopDelay  time.Duration
	stopGate   chan struct{}
	flushConf  float64
	script     []Event
}

type mockHandle struct {
	cfg         Config
	capturing   bool
	paused      bool
	destroyed   bool
	lastFinal   string
	lastPartial string
	bytes       int
	pump        *pump
}

func NewMock(opener audio.Opener) *Mock {
	return &Mock{
		events:  make(chan Event, mockEventBuffer),
		opener:  opener,
		handles: make(map[Handle]*mockHandle),
	}
}

func (m *Mock) Events() <-chan Event { return m.events }

// FailInitialize makes every following Initialize return err.
func (m *Mock) FailInitialize(err error) {
	m.mu.Lock()
	m.initErr = err
	m.mu.Unlock()
}

func (m *Mock) SetInitDelay(d time.Duration) {
	m.mu.Lock()
	m.initDelay = d
	m.mu.Unlock()
}

// SetStopResult fixes what StopCapture returns.
func (m *Mock) SetStopResult(text string, err error) {
	m.mu.Lock()
	m.stopText = &text
	m.stopErr = err
	m.mu.Unlock()
}

// SetStopDelay delays StopCapture by d, or until its context ends.
func (m *Mock) SetStopDelay(d time.Duration) {
	m.mu.Lock()
	m.stopDelay = d
	m.mu.Unlock()
}

// BlockStop makes StopCapture hang, ignoring its context, until release is called.
func (m *Mock) BlockStop() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.stopGate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// FlushFinal scores the Final that StopCapture emits for flushed text, the
// way engines that know the flush confidence do.
func (m *Mock) FlushFinal(confidence float64) {
	m.mu.Lock()
	m.flushConf = confidence
	m.mu.Unlock()
}

// Script queues events that StartCapture emits before it returns.
func (m *Mock) Script(evs ...Event) {
	m.mu.Lock()
	m.script = append([]Event(nil), evs...)
	m.mu.Unlock()
}

// Emit sends ev as if the engine produced it. A zero Handle targets the
// handle that most recently started capturing.
func (m *Mock) Emit(ev Event) {
	m.mu.Lock()
	if ev.Handle == 0 {
		ev.Handle = m.current
	}
	m.track(ev)
	m.mu.Unlock()
	m.events <- ev
}

func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Live counts handles that were initialized and not destroyed.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if !h.destroyed {
			n++
		}
	}
	return n
}

func (m *Mock) Capturing(h Handle) (capturing, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mh, ok := m.handles[h]; ok {
		return mh.capturing, mh.paused
	}
	return false, false
}

func (m *Mock) Initialize(ctx context.Context, cfg Config) (Handle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "initialize")
	initErr, delay := m.initErr, m.initDelay
	m.mu.Unlock()

	if err := ValidateConfig(cfg); err != nil {
		return 0, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, &ModelLoadError{Path: cfg.ModelPath, Err: ctx.Err()}
		}
	}
	if initErr != nil {
		return 0, initErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.handles[m.next] = &mockHandle{cfg: cfg}
	return m.next, nil
}

func (m *Mock) StartCapture(h Handle) error {
	m.mu.Lock()
	m.calls = append(m.calls, "start")
	mh, err := m.lookup(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if mh.capturing {
		m.mu.Unlock()
		return ErrCaptureActive
	}
	mh.capturing, mh.paused = true, false
	mh.lastFinal, mh.lastPartial, mh.bytes = "", "", 0
	m.current = h
	script := append([]Event(nil), m.script...)
	m.mu.Unlock()

	if m.opener != nil {
		p, err := startPump(m.opener, func(chunk []byte) error {
			m.received(h, len(chunk))
			return nil
		}, func(err error) {
			m.Emit(Event{Handle: h, Kind: EventError, Message: err.Error()})
		})
		if err != nil {
			m.mu.Lock()
			mh.capturing = false
			m.mu.Unlock()
			return err
		}
		m.mu.Lock()
		mh.pump = p
		m.mu.Unlock()
	}

	for _, ev := range script {
		ev.Handle = h
		m.Emit(ev)
	}
	return nil
}

func (m *Mock) PauseCapture(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "pause")
	mh, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !mh.capturing {
		return ErrNotCapturing
	}
	mh.paused = true
	if mh.pump != nil {
		mh.pump.pause()
	}
	return nil
}

func (m *Mock) ResumeCapture(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "resume")
	mh, err := m.lookup(h)
	if err != nil {
		return err
	}
	if !mh.capturing {
		return ErrNotCapturing
	}
	mh.paused = false
	if mh.pump != nil {
		mh.pump.unpause()
	}
	return nil
}

func (m *Mock) StopCapture(ctx context.Context, h Handle) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "stop")
	mh, err := m.lookup(h)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	p := mh.pump
	mh.pump = nil
	gate, delay := m.stopGate, m.stopDelay
	m.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	mh.capturing, mh.paused = false, false
	if m.stopErr != nil {
		err := m.stopErr
		m.mu.Unlock()
		return "", err
	}
	text, flushed := mh.lastFinal, true
	switch {
	case m.stopText != nil:
		text = *m.stopText
	case text == "" && mh.lastPartial != "":
		text = mh.lastPartial
	case text == "" && mh.bytes > 0:
		text = fmt.Sprintf("[final transcript bytes=%d]", mh.bytes)
	default:
		flushed = false
	}
	conf := m.flushConf
	m.mu.Unlock()

	if flushed && text != "" {
		m.Emit(Event{Handle: h, Kind: EventFinal, Text: text, Confidence: conf, Flush: true})
	}
	return text, nil
}

func (m *Mock) Destroy(h Handle) {
	m.mu.Lock()
	m.calls = append(m.calls, "destroy")
	mh, ok := m.handles[h]
	if !ok || mh.destroyed {
		m.mu.Unlock()
		return
	}
	mh.destroyed = true
	mh.capturing = false
	p := mh.pump
	mh.pump = nil
	m.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

func (m *Mock) lookup(h Handle) (*mockHandle, error) {
	mh, ok := m.handles[h]
	if !ok || mh.destroyed {
		return nil, ErrUnknownHandle
	}
	return mh, nil
}

// track mirrors emitted text so StopCapture can fall back to it. Callers hold m.mu.
func (m *Mock) track(ev Event) {
	mh, ok := m.handles[ev.Handle]
	if !ok {
		return
	}
	switch ev.Kind {
	case EventFinal:
		mh.lastFinal = ev.Text
		mh.lastPartial = ""
	case EventPartial:
		mh.lastPartial = ev.Text
	}
}

func (m *Mock) received(h Handle, n int) {
	m.mu.Lock()
	mh, ok := m.handles[h]
	if !ok || mh.destroyed {
		m.mu.Unlock()
		return
	}
	before := mh.bytes
	mh.bytes += n
	total, partials := mh.bytes, mh.cfg.EnablePartialResults
	m.mu.Unlock()
	if partials && total/mockPartialEvery > before/mockPartialEvery {
		m.Emit(Event{Handle: h, Kind: EventPartial, Text: fmt.Sprintf("[partial transcript bytes=%d]", total)})
	}
}
