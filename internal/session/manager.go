// Package session owns the recognition state machine. A Manager holds at most
// one engine handle, runs every engine call on a single goroutine, and turns
// engine events into ordered dispatcher events.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/engine"
)

const DefaultStopTimeout = 5 * time.Second

// Result is a final transcript. Confidence is zero when the engine did not score it.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Snapshot struct {
	State     State         `json:"state"`
	SessionID string        `json:"session_id,omitempty"`
	Partial   string        `json:"partial,omitempty"`
	Final     *Result       `json:"final,omitempty"`
	Config    engine.Config `json:"config"`
	Error     string        `json:"error,omitempty"`
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithStopTimeout bounds how long Stop waits for the engine to flush.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

type Manager struct {
	binding     engine.Binding
	disp        *dispatch.Dispatcher
	log         *slog.Logger
	stopTimeout time.Duration

	// ops admits one public operation at a time.
	ops chan struct{}
	// calls feeds the engine goroutine, the only caller of binding methods
	// other than Events.
	calls    chan func()
	drains   chan drainRequest
	life     context.Context
	cancel   context.CancelFunc
	released chan struct{}
	pumpDone chan struct{}

	transitions metric.Int64Counter
	stopLatency metric.Float64Histogram

	mu        sync.Mutex
	state     State
	handle    engine.Handle
	cfg       engine.Config
	sessionID string
	partial   string
	final     *Result
	lastErr   error
	// muted drops transcript events while a superseded capture is flushed.
	muted bool
	// flushed records that the engine sent the stop flush as a Final.
	flushed bool
}

type drainRequest struct {
	discard bool
	done    chan struct{}
}

func NewManager(binding engine.Binding, disp *dispatch.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		binding:     binding,
		disp:        disp,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopTimeout: DefaultStopTimeout,
		ops:         make(chan struct{}, 1),
		calls:       make(chan func()),
		drains:      make(chan drainRequest),
		released:    make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(slog.String("component", "session"))
	m.life, m.cancel = context.WithCancel(context.Background())

	meter := otel.Meter("github.com/loqalabs/loqa-speech/session")
	if c, err := meter.Int64Counter("loqa.session.transitions",
		metric.WithDescription("Recognition session state transitions"),
	); err != nil {
		m.log.Warn("failed to create transition counter", slog.String("error", err.Error()))
	} else {
		m.transitions = c
	}
	if h, err := meter.Float64Histogram("loqa.session.stop.duration",
		metric.WithDescription("Time from stop request to final transcript"),
		metric.WithUnit("ms"),
	); err != nil {
		m.log.Warn("failed to create stop latency histogram", slog.String("error", err.Error()))
	} else {
		m.stopLatency = h
	}

	go m.work()
	go m.pump()
	return m
}

// Initialize loads cfg into a fresh engine handle, releasing any previous
// one and its capture. It reports true once the manager is Ready.
func (m *Manager) Initialize(ctx context.Context, cfg engine.Config) (bool, error) {
	if err := m.acquire(ctx); err != nil {
		return false, err
	}
	defer m.release()

	m.mu.Lock()
	if m.state == StateDestroyed {
		m.mu.Unlock()
		return false, ErrDestroyed
	}
	old := m.handle
	m.partial, m.final, m.sessionID, m.lastErr = "", nil, "", nil
	m.muted = false
	m.setStateLocked(StateInitializing)
	m.mu.Unlock()

	if old != 0 {
		err := m.call(ctx, func(context.Context) {
			m.binding.Destroy(old)
			m.mu.Lock()
			if m.handle == old {
				m.handle = 0
			}
			m.mu.Unlock()
		})
		if err != nil {
			return false, m.initFailed(err)
		}
	}

	var result error
	err := m.call(ctx, func(c context.Context) {
		h, err := m.binding.Initialize(c, cfg)
		if err != nil {
			result = err
			return
		}
		m.mu.Lock()
		adopt := m.state == StateInitializing
		if adopt {
			m.handle, m.cfg = h, cfg
		}
		m.mu.Unlock()
		if !adopt {
			m.binding.Destroy(h)
			result = ErrDestroyed
		}
	})
	if err == nil {
		err = result
	}
	if err != nil {
		return false, m.initFailed(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitializing {
		return false, ErrDestroyed
	}
	m.setStateLocked(StateReady)
	m.log.Info("recognizer ready",
		slog.String("model", cfg.ModelPath),
		slog.Uint64("sample_rate", uint64(cfg.SampleRateHz)),
	)
	return true, nil
}

func (m *Manager) initFailed(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDestroyed || errors.Is(err, ErrDestroyed) {
		return ErrDestroyed
	}
	m.failLocked(err)
	return err
}

// Start opens a new capture. A capture already running is stopped first and
// its pending results are discarded without a Final.
func (m *Manager) Start() error {
	if err := m.acquire(context.Background()); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	if err := m.refuseLocked("start"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.state == StateUninitialized || m.state == StateInitializing {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	h, superseded := m.handle, m.state.capturing()
	if superseded {
		m.muted = true
	}
	prev := m.sessionID
	m.mu.Unlock()

	if superseded {
		if _, err := m.stopEngine(h); err != nil {
			return m.engineFailed("start", err)
		}
		m.drain(true)
		m.log.Info("superseded running session", slog.String("session_id", prev))
	}

	m.mu.Lock()
	if err := m.refuseLocked("start"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.partial, m.final, m.flushed = "", nil, false
	m.muted = false
	m.sessionID = uuid.NewString()
	m.setStateLocked(StateListening)
	m.mu.Unlock()

	var startErr error
	if err := m.call(context.Background(), func(context.Context) {
		startErr = m.binding.StartCapture(h)
	}); err != nil {
		startErr = err
	}
	if startErr != nil {
		return m.engineFailed("start", startErr)
	}
	return nil
}

// Pause suspends capture, keeping the partial transcript. It does nothing
// when no capture is running.
func (m *Manager) Pause() error {
	if err := m.acquire(context.Background()); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	if err := m.refuseLocked("pause"); err != nil {
		m.mu.Unlock()
		return err
	}
	switch m.state {
	case StateUninitialized, StateInitializing:
		m.mu.Unlock()
		return ErrNotInitialized
	case StateReady, StatePaused:
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.mu.Unlock()

	var pauseErr error
	if err := m.call(context.Background(), func(context.Context) {
		pauseErr = m.binding.PauseCapture(h)
	}); err != nil {
		pauseErr = err
	}
	if pauseErr != nil {
		return m.engineFailed("pause", pauseErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refuseLocked("pause"); err != nil {
		return err
	}
	m.setStateLocked(StatePaused)
	return nil
}

func (m *Manager) Resume() error {
	if err := m.acquire(context.Background()); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	if err := m.refuseLocked("resume"); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.state != StatePaused {
		m.mu.Unlock()
		return ErrNotPaused
	}
	h := m.handle
	m.mu.Unlock()

	var resumeErr error
	if err := m.call(context.Background(), func(context.Context) {
		resumeErr = m.binding.ResumeCapture(h)
	}); err != nil {
		resumeErr = err
	}
	if resumeErr != nil {
		return m.engineFailed("resume", resumeErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refuseLocked("resume"); err != nil {
		return err
	}
	m.setStateLocked(StateListening)
	return nil
}

// Stop flushes the capture and returns its transcript. The Final event has
// been handled by every listener before Stop returns and before Ready is
// published. Without a running capture it returns the last Final.
//
// ctx only bounds how long the caller waits. Once the capture is stopping the
// flush runs to completion on the manager's stop timeout, and a caller that
// gives up gets ctx.Err() while the session still reaches Ready.
func (m *Manager) Stop(ctx context.Context) (string, error) {
	if err := m.acquire(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	if err := m.refuseLocked("stop"); err != nil {
		m.mu.Unlock()
		m.release()
		return "", err
	}
	if m.state != StateListening && m.state != StatePaused {
		var text string
		if m.final != nil {
			text = m.final.Text
		}
		m.mu.Unlock()
		m.release()
		return text, nil
	}
	h := m.handle
	m.flushed = false
	m.setStateLocked(StateStopping)
	m.mu.Unlock()

	done := make(chan stopResult, 1)
	go func() {
		defer m.release()
		text, err := m.finishStop(h)
		done <- stopResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		select {
		case res := <-done:
			return res.text, res.err
		default:
			return "", ctx.Err()
		}
	}
}

type stopResult struct {
	text string
	err  error
}

// finishStop runs with the operation slot held. Only the stop timeout or
// Destroy can cut it short.
func (m *Manager) finishStop(h engine.Handle) (string, error) {
	began := time.Now()
	text, err := m.stopEngine(h)
	if err != nil {
		return "", m.engineFailed("stop", err)
	}
	m.drain(false)

	m.mu.Lock()
	if err := m.refuseLocked("stop"); err != nil {
		m.mu.Unlock()
		return "", err
	}
	// An engine that sent the flush as a Final has published it already. An
	// engine that did not, and returned the last segment final, has too.
	if !m.flushed && (m.final == nil || m.final.Text != text) {
		m.final = &Result{Text: text}
		m.publishLocked(dispatch.Event{Kind: dispatch.KindFinal, Text: text})
	}
	m.partial = ""
	m.mu.Unlock()

	if err := m.disp.Flush(m.life); err != nil {
		return "", ErrDestroyed
	}

	m.mu.Lock()
	if m.state == StateStopping {
		m.setStateLocked(StateReady)
	}
	m.mu.Unlock()

	if m.stopLatency != nil {
		m.stopLatency.Record(context.Background(), float64(time.Since(began))/float64(time.Millisecond))
	}
	return text, nil
}

// Destroy marks the manager Destroyed and returns without waiting for an
// engine call in flight. The handle is released once that call returns; see
// Released.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDestroyed)
	m.mu.Unlock()
	m.cancel()
}

// Released is closed after Destroy once the engine handle has been freed.
func (m *Manager) Released() <-chan struct{} { return m.released }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		State:     m.state,
		SessionID: m.sessionID,
		Partial:   m.partial,
		Config:    m.cfg,
	}
	if m.final != nil {
		f := *m.final
		snap.Final = &f
	}
	if m.lastErr != nil {
		snap.Error = m.lastErr.Error()
	}
	return snap
}

func (m *Manager) Subscribe(name string, l dispatch.Listener) dispatch.Token {
	return m.disp.Subscribe(name, l)
}

func (m *Manager) Unsubscribe(tok dispatch.Token) bool {
	return m.disp.Unsubscribe(tok)
}

func (m *Manager) OnPartial(fn func(text string)) dispatch.Token {
	return m.disp.Subscribe("on-partial", dispatch.Handlers{OnPartial: fn})
}

func (m *Manager) OnFinal(fn func(text string, confidence float64)) dispatch.Token {
	return m.disp.Subscribe("on-final", dispatch.Handlers{OnFinal: fn})
}

func (m *Manager) OnError(fn func(message string)) dispatch.Token {
	return m.disp.Subscribe("on-error", dispatch.Handlers{OnError: fn})
}

// OnStateChange calls fn once per transition, in order.
func (m *Manager) OnStateChange(fn func(State)) dispatch.Token {
	return m.disp.Subscribe("on-state", dispatch.Handlers{OnState: func(name string) {
		if s, ok := ParseState(name); ok {
			fn(s)
		}
	}})
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.life.Done():
		return ErrDestroyed
	}
}

func (m *Manager) release() { <-m.ops }

// call runs fn on the engine goroutine and waits until it returns or ctx
// ends. fn keeps running after an early return and later calls queue behind
// it. The context passed to fn is also cancelled by Destroy.
func (m *Manager) call(ctx context.Context, fn func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.life, cancel)
	cleanup := func() {
		stop()
		cancel()
	}
	done := make(chan struct{})
	job := func() {
		defer cleanup()
		defer close(done)
		fn(ctx)
	}

	select {
	case m.calls <- job:
	case <-ctx.Done():
		cleanup()
		return m.callErr(ctx)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return m.callErr(ctx)
		}
	}
}

func (m *Manager) callErr(ctx context.Context) error {
	if m.life.Err() != nil {
		return ErrDestroyed
	}
	return ctx.Err()
}

// stopEngine is bounded by the stop timeout alone; its expiry is an engine failure.
func (m *Manager) stopEngine(h engine.Handle) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()
	var (
		text    string
		stopErr error
	)
	if err := m.call(ctx, func(c context.Context) {
		text, stopErr = m.binding.StopCapture(c, h)
	}); err != nil {
		return "", err
	}
	return text, stopErr
}

// work serializes engine calls and frees the handle after Destroy.
func (m *Manager) work() {
	defer close(m.released)
	for {
		select {
		case job := <-m.calls:
			job()
		case <-m.life.Done():
			m.mu.Lock()
			h := m.handle
			m.handle = 0
			m.mu.Unlock()
			if h != 0 {
				m.binding.Destroy(h)
				m.log.Info("engine handle released", slog.Uint64("handle", uint64(h)))
			}
			return
		}
	}
}

// pump is the only reader of the engine event channel.
func (m *Manager) pump() {
	defer close(m.pumpDone)
	events := m.binding.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.accept(ev)
		case req := <-m.drains:
			m.drainBuffered(events, req.discard)
			close(req.done)
		case <-m.life.Done():
			return
		}
	}
}

func (m *Manager) drainBuffered(events <-chan engine.Event, discard bool) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !discard {
				m.accept(ev)
			}
		default:
			return
		}
	}
}

// drain handles every event the engine queued before it was called. Engines
// queue all events of a capture before StopCapture returns.
func (m *Manager) drain(discard bool) {
	req := drainRequest{discard: discard, done: make(chan struct{})}
	select {
	case m.drains <- req:
	case <-m.pumpDone:
		return
	}
	select {
	case <-req.done:
	case <-m.pumpDone:
	}
}

func (m *Manager) accept(ev engine.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == 0 || ev.Handle != m.handle {
		return
	}
	switch ev.Kind {
	case engine.EventPartial:
		if m.muted || !m.state.capturing() || ev.Text == m.partial {
			return
		}
		m.partial = ev.Text
		m.publishLocked(dispatch.Event{Kind: dispatch.KindPartial, Text: ev.Text})
	case engine.EventFinal:
		if m.muted || !m.state.capturing() {
			return
		}
		m.partial = ""
		m.flushed = m.flushed || ev.Flush
		m.final = &Result{Text: ev.Text, Confidence: ev.Confidence}
		m.publishLocked(dispatch.Event{Kind: dispatch.KindFinal, Text: ev.Text, Confidence: ev.Confidence})
	case engine.EventError:
		switch m.state {
		case StateInitializing, StateFailed, StateDestroyed:
			return
		}
		m.failLocked(errors.New(ev.Message))
	}
}

// engineFailed moves to Failed and returns what the caller of op sees.
func (m *Manager) engineFailed(op string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDestroyed || errors.Is(err, ErrDestroyed) {
		return ErrDestroyed
	}
	if m.state != StateFailed {
		m.failLocked(err)
	}
	return &EngineFailedError{Op: op, Err: m.lastErr}
}

// refuseLocked returns the error for any operation attempted in a terminal state.
func (m *Manager) refuseLocked(op string) error {
	switch m.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateFailed:
		return &EngineFailedError{Op: op, Err: m.lastErr}
	}
	return nil
}

func (m *Manager) failLocked(err error) {
	m.lastErr = err
	m.log.Warn("recognition failed",
		slog.String("state", m.state.String()),
		slog.String("session_id", m.sessionID),
		slog.String("error", err.Error()),
	)
	m.publishLocked(dispatch.Event{Kind: dispatch.KindError, Message: err.Error()})
	m.setStateLocked(StateFailed)
}

// setStateLocked publishes every call, including Listening to Listening when
// a new session replaces the previous one.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	m.state = to
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
	m.log.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("session_id", m.sessionID),
	)
	m.publishLocked(dispatch.Event{Kind: dispatch.KindState, State: to.String()})
}

// publishLocked stamps the current session. Publish never blocks, so it is
// safe under m.mu and keeps event order identical to state order.
func (m *Manager) publishLocked(ev dispatch.Event) {
	ev.SessionID = m.sessionID
	m.disp.Publish(ev)
}
