// Package dispatch fans recognition events out to registered listeners.
//
// Each listener owns a goroutine and an unbounded FIFO queue, so a slow or
// failing listener delays only itself. Handler errors and panics are logged
// and never reach the publisher.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Kind int

const (
	KindPartial Kind = iota
	KindFinal
	KindError
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one recognition event. Seq and Time are stamped by Publish.
type Event struct {
	Seq        uint64    `json:"seq"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	State      string    `json:"state,omitempty"`
	Time       time.Time `json:"time"`
}

type Listener interface {
	HandleEvent(Event) error
}

type ListenerFunc func(Event) error

func (f ListenerFunc) HandleEvent(ev Event) error { return f(ev) }

// Handlers adapts per-kind callbacks to a Listener. Nil callbacks are skipped.
type Handlers struct {
	OnPartial func(text string)
	OnFinal   func(text string, confidence float64)
	OnError   func(message string)
	OnState   func(state string)
}

func (h Handlers) HandleEvent(ev Event) error {
	switch ev.Kind {
	case KindPartial:
		if h.OnPartial != nil {
			h.OnPartial(ev.Text)
		}
	case KindFinal:
		if h.OnFinal != nil {
			h.OnFinal(ev.Text, ev.Confidence)
		}
	case KindError:
		if h.OnError != nil {
			h.OnError(ev.Message)
		}
	case KindState:
		if h.OnState != nil {
			h.OnState(ev.State)
		}
	}
	return nil
}

// Token identifies a registration.
type Token uint64

type Dispatcher struct {
	log      *slog.Logger
	failures metric.Int64Counter

	mu     sync.Mutex
	seq    uint64
	next   Token
	subs   map[Token]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type item struct {
	ev      Event
	barrier chan struct{}
}

type subscriber struct {
	token Token
	name  string
	l     Listener

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool
}

func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Dispatcher{
		log:  log.With(slog.String("component", "dispatch")),
		subs: make(map[Token]*subscriber),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-speech/dispatch").Int64Counter(
		"loqa.dispatch.listener_failures",
		metric.WithDescription("Listener invocations that returned an error or panicked"),
	)
	if err != nil {
		d.log.Warn("failed to create failure counter", slog.String("error", err.Error()))
	} else {
		d.failures = counter
	}
	return d
}

// Subscribe registers l and returns its token. Events published after
// Subscribe returns are delivered to l in publish order.
func (d *Dispatcher) Subscribe(name string, l Listener) Token {
	s := &subscriber{name: name, l: l}
	s.cond = sync.NewCond(&s.mu)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}
	d.next++
	s.token = d.next
	d.subs[s.token] = s
	d.wg.Add(1)
	go d.run(s)
	return s.token
}

// Unsubscribe removes a listener and drops its queued events. An invocation
// already in progress completes; nothing further is delivered. It is safe to
// call from inside a handler.
func (d *Dispatcher) Unsubscribe(tok Token) bool {
	d.mu.Lock()
	s, ok := d.subs[tok]
	delete(d.subs, tok)
	d.mu.Unlock()
	if !ok {
		return false
	}
	s.stop()
	return true
}

// Publish stamps ev with the next sequence number and enqueues it for every
// current listener. It never blocks on listeners.
func (d *Dispatcher) Publish(ev Event) Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	ev.Seq = d.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if d.closed {
		return ev
	}
	for _, s := range d.subs {
		s.push(item{ev: ev})
	}
	return ev
}

// Flush blocks until every listener has handled all events published before
// the call, or ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	barriers := make([]chan struct{}, 0, len(d.subs))
	for _, s := range d.subs {
		b := make(chan struct{})
		s.push(item{barrier: b})
		barriers = append(barriers, b)
	}
	d.mu.Unlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close removes all listeners and waits for their goroutines to exit. It
// must not be called from a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[Token]*subscriber)
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(s *subscriber) {
	defer d.wg.Done()
	for {
		it, ok := s.pop()
		if !ok {
			return
		}
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		d.deliver(s, it.ev)
	}
}

func (d *Dispatcher) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(s, ev, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.l.HandleEvent(ev); err != nil {
		d.fail(s, ev, err)
	}
}

func (d *Dispatcher) fail(s *subscriber, ev Event, err error) {
	d.log.Warn("listener failed",
		slog.String("listener", s.name),
		slog.String("kind", ev.Kind.String()),
		slog.Uint64("seq", ev.Seq),
		slog.String("error", err.Error()),
	)
	if d.failures != nil {
		d.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("listener", s.name)))
	}
}

func (s *subscriber) push(it item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if it.barrier != nil {
			close(it.barrier)
		}
		return
	}
	s.queue = append(s.queue, it)
	s.cond.Signal()
}

func (s *subscriber) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return item{}, false
	}
	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	return it, true
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, it := range s.queue {
		if it.barrier != nil {
			close(it.barrier)
		}
	}
	s.queue = nil
	s.cond.Broadcast()
}
