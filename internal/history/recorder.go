package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/dispatch"
)

const recordTimeout = 2 * time.Second

// Recorder is a dispatch listener that writes finals, errors and state
// changes of each session to the store. Partials are not kept.
type Recorder struct {
	store *Store
	log   *slog.Logger
	model func() string

	mu   sync.Mutex
	seen map[string]bool
}

// NewRecorder records into store. model reports the model path to attach to
// new sessions and may be nil.
func NewRecorder(store *Store, model func() string, log *slog.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   log.With(slog.String("component", "history-recorder")),
		model: model,
		seen:  make(map[string]bool),
	}
}

func (r *Recorder) HandleEvent(ev dispatch.Event) error {
	if ev.SessionID == "" || ev.Kind == dispatch.KindPartial || !r.store.enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.ensureSession(ctx, ev.SessionID); err != nil {
		return err
	}
	return r.store.AppendEvent(ctx, Event{
		SessionID:  ev.SessionID,
		Seq:        ev.Seq,
		Kind:       ev.Kind.String(),
		Text:       ev.Text,
		Confidence: ev.Confidence,
		Message:    ev.Message,
		State:      ev.State,
		CreatedAt:  ev.Time,
	})
}

func (r *Recorder) ensureSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[id] {
		return nil
	}
	var model string
	if r.model != nil {
		model = r.model()
	}
	if err := r.store.AppendSession(ctx, id, model); err != nil {
		return err
	}
	r.seen[id] = true
	r.log.Debug("recording session", slog.String("session_id", id))
	return nil
}
