package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/modelstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// Publisher is the subset of the bus client used to announce progress.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Status overlays in-flight download state on the filesystem view.
type Status struct {
	modelstore.Installation
	Progress        float64 `json:"progress"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	Active          bool    `json:"active"`
	Error           string  `json:"error,omitempty"`
}

// Service runs background downloads, at most one per key.
type Service struct {
	fetcher *Fetcher
	store   *modelstore.Store
	pub     Publisher
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	cancel   context.CancelFunc
	done     chan struct{}
	progress Progress
	err      error
}

func (j *job) active() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

func NewService(parent context.Context, fetcher *Fetcher, store *modelstore.Store, pub Publisher, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		fetcher: fetcher,
		store:   store,
		pub:     pub,
		timeout: timeout,
		log:     log.With(slog.String("component", "model-downloads")),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*job),
	}
}

// Start launches a background download. It reports false when one is already
// running for key. Unknown keys and a full disk are reported synchronously.
func (s *Service) Start(key string) (bool, error) {
	desc, ok := s.store.Lookup(key)
	if !ok {
		return false, &modelstore.UnknownModelError{Key: key}
	}
	if !s.store.HasSufficientSpace(desc.ExpectedSizeBytes) {
		return false, &InsufficientStorageError{Key: key, Required: desc.ExpectedSizeBytes}
	}
	if err := s.ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if j, ok := s.jobs[key]; ok && j.active() {
		s.mu.Unlock()
		return false, nil
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[key] = j
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, key, j)
	return true, nil
}

func (s *Service) run(ctx context.Context, key string, j *job) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel()

	s.log.Info("model download started", slog.String("key", key))
	s.publish(key, modelstore.StateStaging, Progress{}, "")

	lastSent := -1.0
	err := s.fetcher.Download(ctx, key, func(p Progress) {
		s.mu.Lock()
		j.progress = p
		s.mu.Unlock()
		v := p.Fraction
		if v-lastSent >= 0.01 || v >= progressTransferMax {
			lastSent = v
			state := modelstore.StateStaging
			if v >= progressTransferMax {
				state = modelstore.StateVerifying
			}
			if v >= 1 {
				state = modelstore.StateInstalled
			}
			s.publish(key, state, p, "")
		}
	})

	s.mu.Lock()
	j.err = err
	last := j.progress
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.log.Info("model download cancelled", slog.String("key", key))
		} else {
			s.log.Error("model download failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		s.publish(key, modelstore.StateFailed, last, err.Error())
		return
	}
	s.log.Info("model download complete", slog.String("key", key))
}

// Cancel aborts an in-flight download and waits for it to clean up.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	j, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok || !j.active() {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

// Done returns a channel closed when the current download for key finishes.
// It returns nil when no download was ever started.
func (s *Service) Done(key string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[key]; ok {
		return j.done
	}
	return nil
}

// Delete cancels any download for key and removes the model from disk.
func (s *Service) Delete(key string) error {
	s.Cancel(key)
	if err := s.store.Delete(key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, key)
	s.mu.Unlock()
	s.publish(key, modelstore.StateAbsent, Progress{}, "")
	return nil
}

func (s *Service) Status(key string) (Status, error) {
	inst, err := s.store.Probe(key)
	if err != nil {
		return Status{}, err
	}
	st := Status{Installation: inst}
	if inst.State == modelstore.StateInstalled {
		st.Progress = 1
		st.DownloadedBytes = int64(inst.Descriptor.ExpectedSizeBytes)
		st.TotalBytes = st.DownloadedBytes
	}

	s.mu.Lock()
	j, ok := s.jobs[key]
	var progress Progress
	var jobErr error
	if ok {
		progress, jobErr = j.progress, j.err
	}
	s.mu.Unlock()
	if !ok {
		return st, nil
	}

	if progress.TotalBytes > 0 {
		st.DownloadedBytes, st.TotalBytes = progress.DownloadedBytes, progress.TotalBytes
	}
	switch {
	case j.active():
		st.Active = true
		st.Progress = progress.Fraction
		if inst.State != modelstore.StateInstalled {
			st.State = modelstore.StateStaging
			if progress.Fraction >= progressTransferMax {
				st.State = modelstore.StateVerifying
			}
		}
	case jobErr != nil && inst.State != modelstore.StateInstalled:
		st.State = modelstore.StateFailed
		st.Progress = progress.Fraction
		st.Error = jobErr.Error()
	}
	return st, nil
}

func (s *Service) StatusAll() []Status {
	catalog := s.store.Catalog()
	out := make([]Status, 0, len(catalog))
	for _, d := range catalog {
		st, err := s.Status(d.Key)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Close cancels every download and waits for the workers to exit.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) publish(key string, state modelstore.State, p Progress, msg string) {
	if s.pub == nil {
		return
	}
	ev := protocol.ModelProgress{
		Key:             key,
		State:           state.String(),
		Fraction:        p.Fraction,
		DownloadedBytes: p.DownloadedBytes,
		TotalBytes:      p.TotalBytes,
		Error:           msg,
		Timestamp:       time.Now().UTC(),
	}
	if err := s.pub.PublishJSON(protocol.SubjectModelProgress, ev); err != nil {
		s.log.Warn("failed to publish model progress", slog.String("key", key), slog.String("error", err.Error()))
	}
}
