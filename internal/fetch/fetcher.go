// Package fetch downloads, verifies and installs model bundles into a modelstore.Store.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/modelstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultUserAgent = "loqa-speech"
	copyBufferSize   = 32 * 1024

	progressTransferMax = 0.95
	progressUnpacked    = 0.97
)

// Progress is one download progress report. Byte counts cover the archive
// transfer and stay at their final values through unpack and install.
type Progress struct {
	Fraction        float64
	DownloadedBytes int64
	TotalBytes      int64
}

// ProgressFunc receives reports whose Fraction lies in [0,1] and never
// decreases within one call.
type ProgressFunc func(Progress)

type Fetcher struct {
	store     *modelstore.Store
	client    *http.Client
	log       *slog.Logger
	userAgent string

	tracer    trace.Tracer
	downloads metric.Int64Counter
	bytes     metric.Int64Counter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func New(store *modelstore.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:     store,
		client:    http.DefaultClient,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		userAgent: defaultUserAgent,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-speech/fetch"),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With(slog.String("component", "fetch"))

	meter := otel.Meter("github.com/loqalabs/loqa-speech/fetch")
	var err error
	if f.downloads, err = meter.Int64Counter("loqa.models.downloads", metric.WithDescription("Model download attempts by result")); err != nil {
		f.log.Warn("failed to create download counter", slog.String("error", err.Error()))
	}
	if f.bytes, err = meter.Int64Counter("loqa.models.download.bytes", metric.WithDescription("Bytes received for model bundles"), metric.WithUnit("By")); err != nil {
		f.log.Warn("failed to create byte counter", slog.String("error", err.Error()))
	}
	return f
}

// Download makes exactly one attempt to install key. It returns nil without
// touching the network when the model is already installed.
func (f *Fetcher) Download(ctx context.Context, key string, progress ProgressFunc) (err error) {
	desc, ok := f.store.Lookup(key)
	if !ok {
		return &modelstore.UnknownModelError{Key: key}
	}
	if !f.store.HasSufficientSpace(desc.ExpectedSizeBytes) {
		return &InsufficientStorageError{Key: key, Required: desc.ExpectedSizeBytes}
	}

	report := monotonic(progress)

	unlock := f.lockKey(key)
	defer unlock()

	inst, err := f.store.Probe(key)
	if err != nil {
		return err
	}
	if inst.State == modelstore.StateInstalled {
		size := int64(desc.ExpectedSizeBytes)
		report(Progress{Fraction: 1, DownloadedBytes: size, TotalBytes: size})
		return nil
	}
	if err := f.store.EnsureRoot(); err != nil {
		return err
	}

	ctx, span := f.tracer.Start(ctx, "fetch.download", trace.WithAttributes(
		attribute.String("model.key", key),
		attribute.String("model.url", desc.SourceURL),
	))
	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if f.downloads != nil {
			f.downloads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
		}
		span.End()
		f.log.Info("download finished",
			slog.String("key", key),
			slog.String("result", result),
			slog.Duration("elapsed", time.Since(started)),
		)
	}()

	archive, err := f.store.ArchivePath(key)
	if err != nil {
		return err
	}
	if err := f.transfer(ctx, desc, archive, report); err != nil {
		return err
	}

	if err := f.unpackAndInstall(key, archive); err != nil {
		return err
	}
	report(Progress{Fraction: progressUnpacked})

	inst, err = f.store.Probe(key)
	if err != nil {
		return err
	}
	if inst.State != modelstore.StateInstalled {
		return &modelstore.StorageError{Op: "install", Path: inst.LocalPath, Err: errors.New("bundle not visible after install")}
	}
	report(Progress{Fraction: 1})
	return nil
}

// transfer streams the bundle into archive, resuming from any bytes already on disk.
func (f *Fetcher) transfer(ctx context.Context, desc modelstore.Descriptor, archive string, report ProgressFunc) error {
	var offset int64
	if info, err := os.Stat(archive); err == nil && info.Mode().IsRegular() {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.SourceURL, nil)
	if err != nil {
		f.discard(archive)
		return &DownloadError{Key: desc.Key, URL: desc.SourceURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Nothing new was confirmed; bytes from an earlier attempt stay resumable.
		resumable := offset > 0 && ctx.Err() == nil
		if !resumable {
			f.discard(archive)
		}
		return &DownloadError{Key: desc.Key, URL: desc.SourceURL, Resumable: resumable, Err: err}
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		f.log.Debug("archive already complete", slog.String("key", desc.Key), slog.Int64("bytes", offset))
		report(Progress{Fraction: progressTransferMax, DownloadedBytes: offset, TotalBytes: offset})
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			f.log.Info("server ignored range request, restarting download", slog.String("key", desc.Key))
		}
		offset = 0
		flags |= os.O_TRUNC
	default:
		f.discard(archive)
		return &DownloadError{Key: desc.Key, URL: desc.SourceURL, StatusCode: resp.StatusCode}
	}

	total := int64(desc.ExpectedSizeBytes)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(archive, flags, 0o644)
	if err != nil {
		return &modelstore.StorageError{Op: "open archive", Path: archive, Err: err}
	}

	written := offset
	buf := make([]byte, copyBufferSize)
	report(transferred(written, total))
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				f.discard(archive)
				return &modelstore.StorageError{Op: "write archive", Path: archive, Err: err}
			}
			if err := out.Sync(); err != nil {
				out.Close()
				f.discard(archive)
				return &modelstore.StorageError{Op: "sync archive", Path: archive, Err: err}
			}
			written += int64(n)
			if f.bytes != nil {
				f.bytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model.key", desc.Key)))
			}
			report(transferred(written, total))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			resumable := written > 0 && ctx.Err() == nil
			if !resumable {
				f.discard(archive)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				readErr = ctxErr
			}
			return &DownloadError{Key: desc.Key, URL: desc.SourceURL, Resumable: resumable, Err: readErr}
		}
	}
	if err := out.Close(); err != nil {
		f.discard(archive)
		return &modelstore.StorageError{Op: "close archive", Path: archive, Err: err}
	}
	if resp.ContentLength > 0 && written != total {
		f.discard(archive)
		return &CorruptBundleError{Key: desc.Key, Reason: fmt.Sprintf("received %d of %d bytes", written, total)}
	}
	report(Progress{Fraction: progressTransferMax, DownloadedBytes: written, TotalBytes: written})
	return nil
}

func (f *Fetcher) unpackAndInstall(key, archive string) error {
	dir, err := f.store.NewUnpackDir(key)
	if err != nil {
		f.discard(archive)
		return err
	}
	if err := unpackBundle(archive, dir); err != nil {
		f.discard(archive, dir)
		return &CorruptBundleError{Key: key, Reason: "invalid archive", Err: err}
	}
	if err := f.store.Install(key, dir); err != nil {
		f.discard(archive, dir)
		return err
	}
	f.discard(archive)
	return nil
}

func (f *Fetcher) discard(paths ...string) {
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			f.log.Warn("failed to remove staging artifact", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func (f *Fetcher) lockKey(key string) func() {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func fraction(written, total int64) float64 {
	if total <= 0 {
		return 0
	}
	v := float64(written) / float64(total) * progressTransferMax
	if v > progressTransferMax {
		return progressTransferMax
	}
	return v
}

func transferred(written, total int64) Progress {
	return Progress{Fraction: fraction(written, total), DownloadedBytes: written, TotalBytes: total}
}

// monotonic drops reports that would move progress backwards. A report
// without a total carries the previous byte counts forward.
func monotonic(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(Progress) {}
	}
	last := Progress{Fraction: -1}
	return func(p Progress) {
		if p.Fraction < 0 {
			p.Fraction = 0
		}
		if p.Fraction > 1 {
			p.Fraction = 1
		}
		if p.Fraction < last.Fraction {
			return
		}
		if p.TotalBytes == 0 && p.DownloadedBytes == 0 {
			p.DownloadedBytes, p.TotalBytes = last.DownloadedBytes, last.TotalBytes
		}
		last = p
		fn(p)
	}
}
