package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	evs  []Event
}

func (r *recorder) HandleEvent(ev Event) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, ev.Seq)
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestPublishPreservesOrderPerListener(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	a, b := &recorder{}, &recorder{}
	d.Subscribe("a", a)
	d.Subscribe("b", b)

	for i := 0; i < 500; i++ {
		d.Publish(Event{Kind: KindPartial, Text: "p"})
	}
	flush(t, d)

	for _, r := range []*recorder{a, b} {
		if len(r.seqs) != 500 {
			t.Fatalf("expected 500 events, got %d", len(r.seqs))
		}
		for i, seq := range r.seqs {
			if seq != uint64(i+1) {
				t.Fatalf("out of order at %d: got seq %d", i, seq)
			}
		}
	}
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	release := make(chan struct{})
	d.Subscribe("slow", ListenerFunc(func(Event) error {
		<-release
		return nil
	}))
	fast := make(chan Event, 10)
	d.Subscribe("fast", ListenerFunc(func(ev Event) error {
		fast <- ev
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Publish(Event{Kind: KindPartial})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow listener")
	}
	for i := 0; i < 5; i++ {
		select {
		case <-fast:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast listener starved after %d events", i)
		}
	}
	close(release)
	flush(t, d)
}

func TestFailingListenersAreIsolated(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	var calls int
	var mu sync.Mutex
	d.Subscribe("panics", ListenerFunc(func(Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("listener bug")
	}))
	d.Subscribe("errors", ListenerFunc(func(Event) error {
		return errors.New("listener error")
	}))
	healthy := &recorder{}
	d.Subscribe("healthy", healthy)

	d.Publish(Event{Kind: KindFinal, Text: "one"})
	d.Publish(Event{Kind: KindFinal, Text: "two"})
	flush(t, d)

	if healthy.len() != 2 {
		t.Fatalf("expected healthy listener to receive 2 events, got %d", healthy.len())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected panicking listener to keep receiving, got %d calls", calls)
	}
}

func TestUnsubscribeFromHandler(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	var tok Token
	var got int
	var mu sync.Mutex
	tok = d.Subscribe("once", ListenerFunc(func(Event) error {
		mu.Lock()
		got++
		mu.Unlock()
		d.Unsubscribe(tok)
		return nil
	}))
	other := &recorder{}
	d.Subscribe("other", other)

	for i := 0; i < 10; i++ {
		d.Publish(Event{Kind: KindPartial})
	}
	flush(t, d)

	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one delivery before unsubscribe, got %d", got)
	}
	if other.len() != 10 {
		t.Fatalf("expected other listener unaffected, got %d", other.len())
	}
	if d.Len() != 1 {
		t.Fatalf("expected one remaining listener, got %d", d.Len())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	r := &recorder{}
	tok := d.Subscribe("r", r)
	d.Publish(Event{Kind: KindPartial})
	flush(t, d)
	if !d.Unsubscribe(tok) {
		t.Fatal("expected unsubscribe to succeed")
	}
	if d.Unsubscribe(tok) {
		t.Fatal("second unsubscribe should report false")
	}
	d.Publish(Event{Kind: KindPartial})
	flush(t, d)
	if r.len() != 1 {
		t.Fatalf("expected 1 event, got %d", r.len())
	}
}

func TestFlushHonoursContext(t *testing.T) {
	d := New(newLogger())
	release := make(chan struct{})
	d.Subscribe("stuck", ListenerFunc(func(Event) error {
		<-release
		return nil
	}))
	d.Publish(Event{Kind: KindPartial})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	d.Close()
}

func TestHandlersAdapter(t *testing.T) {
	d := New(newLogger())
	defer d.Close()

	var mu sync.Mutex
	var got []string
	add := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	d.Subscribe("handlers", Handlers{
		OnPartial: func(text string) { add("partial:" + text) },
		OnFinal:   func(text string, _ float64) { add("final:" + text) },
		OnState:   func(state string) { add("state:" + state) },
	})

	d.Publish(Event{Kind: KindPartial, Text: "hel"})
	d.Publish(Event{Kind: KindFinal, Text: "hello"})
	d.Publish(Event{Kind: KindError, Message: "ignored"})
	d.Publish(Event{Kind: KindState, State: "ready"})
	flush(t, d)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"partial:hel", "final:hello", "state:ready"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	d := New(newLogger())
	r := &recorder{}
	d.Subscribe("r", r)
	d.Close()
	d.Close()
	ev := d.Publish(Event{Kind: KindFinal})
	if ev.Seq == 0 {
		t.Fatal("expected sequence to be stamped")
	}
	if tok := d.Subscribe("late", r); tok != 0 {
		t.Fatalf("expected zero token after close, got %d", tok)
	}
	if r.len() != 0 {
		t.Fatalf("expected no deliveries after close, got %d", r.len())
	}
}
