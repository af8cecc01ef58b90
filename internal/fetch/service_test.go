package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/modelstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.ModelProgress
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	if subject != protocol.SubjectModelProgress {
		return errors.New("unexpected subject " + subject)
	}
	ev, ok := v.(protocol.ModelProgress)
	if !ok {
		return errors.New("unexpected payload")
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) snapshot() []protocol.ModelProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.ModelProgress(nil), p.events...)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	if ch == nil {
		t.Fatal("no download was started")
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for download")
	}
}

func TestServiceDownloadsInBackground(t *testing.T) {
	data := voskBundle(t)
	fx := newFixture(t, uint64(len(data)), serveBytes(data))
	pub := &recordingPublisher{}
	svc := NewService(context.Background(), fx.fetcher, fx.store, pub, time.Minute, newLogger())
	defer svc.Close()

	started, err := svc.Start(testKey)
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	waitDone(t, svc.Done(testKey))

	st, err := svc.Status(testKey)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != modelstore.StateInstalled || st.Progress != 1 || st.Active {
		t.Fatalf("unexpected status %+v", st)
	}

	events := pub.snapshot()
	if len(events) < 2 {
		t.Fatalf("expected progress events, got %v", events)
	}
	last := events[len(events)-1]
	if last.State != "installed" || last.Fraction != 1 {
		t.Fatalf("expected installed event last, got %+v", last)
	}
	if last.DownloadedBytes != int64(len(data)) || last.TotalBytes != int64(len(data)) {
		t.Fatalf("expected %d bytes in installed event, got %+v", len(data), last)
	}
	if st.DownloadedBytes != int64(len(data)) || st.TotalBytes != int64(len(data)) {
		t.Fatalf("expected %d bytes in status, got %+v", len(data), st)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Fraction < events[i-1].Fraction {
			t.Fatalf("published progress decreased: %v", events)
		}
	}
}

func TestServiceReportsFailure(t *testing.T) {
	fx := newFixture(t, 1024, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	pub := &recordingPublisher{}
	svc := NewService(context.Background(), fx.fetcher, fx.store, pub, 0, newLogger())
	defer svc.Close()

	if _, err := svc.Start(testKey); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, svc.Done(testKey))

	st, err := svc.Status(testKey)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != modelstore.StateFailed || st.Error == "" {
		t.Fatalf("expected failed status with error, got %+v", st)
	}
	events := pub.snapshot()
	if events[len(events)-1].State != "failed" {
		t.Fatalf("expected failed event, got %+v", events[len(events)-1])
	}

	// Deleting clears the failure overlay.
	if err := svc.Delete(testKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st, _ = svc.Status(testKey); st.State != modelstore.StateAbsent {
		t.Fatalf("expected absent after delete, got %s", st.State)
	}
}

func TestServiceCancel(t *testing.T) {
	data := voskBundle(t)
	release := make(chan struct{})
	fx := newFixture(t, uint64(len(data)), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	svc := NewService(context.Background(), fx.fetcher, fx.store, nil, 0, newLogger())
	defer svc.Close()

	if _, err := svc.Start(testKey); err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := svc.Start(testKey)
	if err != nil || again {
		t.Fatalf("expected duplicate start to be ignored, got started=%v err=%v", again, err)
	}
	if !svc.Cancel(testKey) {
		t.Fatal("expected cancel to stop an active download")
	}
	st, _ := svc.Status(testKey)
	if st.Active || st.State == modelstore.StateInstalled {
		t.Fatalf("unexpected status after cancel: %+v", st)
	}
	assertNoStaging(t, fx.store)
}

func TestServiceRejectsUnknownKey(t *testing.T) {
	fx := newFixture(t, 1, serveBytes(nil))
	svc := NewService(context.Background(), fx.fetcher, fx.store, nil, 0, newLogger())
	defer svc.Close()
	var unknown *modelstore.UnknownModelError
	if _, err := svc.Start("nope"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownModelError, got %v", err)
	}
	if len(svc.StatusAll()) != 1 {
		t.Fatalf("expected one catalog status")
	}
}

func TestServiceRejectsInsufficientSpace(t *testing.T) {
	fx := newFixture(t, 1<<20, serveBytes(nil),
		modelstore.WithSpaceProbe(func(string) (uint64, error) { return 1024, nil }))
	svc := NewService(context.Background(), fx.fetcher, fx.store, nil, 0, newLogger())
	defer svc.Close()

	var space *InsufficientStorageError
	if started, err := svc.Start(testKey); started || !errors.As(err, &space) {
		t.Fatalf("expected InsufficientStorageError, got %v %v", started, err)
	}
	if svc.Done(testKey) != nil {
		t.Fatal("expected no background job")
	}
	if fx.hits.Load() != 0 {
		t.Fatal("expected no network traffic")
	}
}
