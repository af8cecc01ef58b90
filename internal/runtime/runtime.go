package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/engine"
	"github.com/loqalabs/loqa-speech/internal/fetch"
	"github.com/loqalabs/loqa-speech/internal/history"
	"github.com/loqalabs/loqa-speech/internal/modelstore"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/session"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	ready   atomic.Bool
	metrics http.Handler

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	history    *history.Store
	dispatcher *dispatch.Dispatcher
	store      *modelstore.Store
	models     *fetch.Service
	session    *session.Manager
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is
// cancelled or a listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metricsHandler
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.open(ctx); err != nil {
		r.close()
		return err
	}
	defer r.close()

	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", r.metrics)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http listener starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if r.session != nil && r.cfg.Recognition.AutoInitialize {
		g.Go(func() error {
			r.autoInitialize(gctx)
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started")
	return g.Wait()
}

// open constructs the components in dependency order.
func (r *Runtime) open(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	r.nats = embedded
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	if busCfg.Enabled {
		client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	hist, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = hist

	r.dispatcher = dispatch.New(r.logger)
	if r.bus != nil {
		r.dispatcher.Subscribe("bus-relay", bus.NewRelay(r.bus))
	}

	r.store = modelstore.New(r.cfg.Models.Root, r.logger)
	if err := r.store.EnsureRoot(); err != nil {
		return err
	}
	fetcher := fetch.New(r.store,
		fetch.WithLogger(r.logger),
		fetch.WithUserAgent(r.cfg.Models.UserAgent),
	)
	var progress fetch.Publisher
	if r.bus != nil {
		progress = r.bus
	}
	timeout := time.Duration(r.cfg.Models.DownloadTimeoutMS) * time.Millisecond
	r.models = fetch.NewService(ctx, fetcher, r.store, progress, timeout, r.logger)

	if !r.cfg.Recognition.Enabled {
		r.logger.Info("recognition disabled")
		return nil
	}
	binding, err := r.newBinding()
	if err != nil {
		return err
	}
	r.session = session.NewManager(binding, r.dispatcher,
		session.WithLogger(r.logger),
		session.WithStopTimeout(time.Duration(r.cfg.Recognition.StopTimeoutMS)*time.Millisecond),
	)
	r.dispatcher.Subscribe("history", history.NewRecorder(r.history, func() string {
		return r.session.Snapshot().Config.ModelPath
	}, r.logger))
	return nil
}

func (r *Runtime) newBinding() (engine.Binding, error) {
	rc := r.cfg.Recognition
	opener, err := r.audioOpener()
	if err != nil {
		return nil, err
	}
	log := r.logger.With(slog.String("mode", rc.Mode))
	switch rc.Mode {
	case "mock":
		return engine.NewMock(opener), nil
	case "exec":
		return engine.NewExec(rc.Command, opener, log)
	case "vosk":
		return engine.NewVosk(opener, log)
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", rc.Mode)
	}
}

// audioOpener may return nil in mock mode, where capture is optional.
func (r *Runtime) audioOpener() (audio.Opener, error) {
	capture := r.cfg.Recognition.Capture
	frame := time.Duration(capture.FrameDurationMS) * time.Millisecond
	switch capture.Source {
	case "bus":
		if r.bus == nil {
			if r.cfg.Recognition.Mode == "mock" {
				return nil, nil
			}
			return nil, errors.New("bus capture requires bus.enabled")
		}
		return audio.BusOpener(r.bus.Conn(), capture.Subject, r.logger), nil
	case "wav":
		return audio.WavOpener(capture.Path, frame, capture.Realtime), nil
	default:
		if r.cfg.Recognition.Mode == "mock" {
			return nil, nil
		}
		return nil, fmt.Errorf("unknown capture source %q", capture.Source)
	}
}

// recognitionConfig applies configured defaults to a model path.
func (r *Runtime) recognitionConfig(modelPath string) engine.Config {
	rc := r.cfg.Recognition
	cfg := engine.DefaultConfig(modelPath)
	if rc.SampleRate > 0 {
		cfg.SampleRateHz = uint(rc.SampleRate)
	}
	if rc.MaxAlternatives > 0 {
		cfg.MaxAlternatives = uint(rc.MaxAlternatives)
	}
	cfg.EnablePartialResults = rc.EnablePartialResults
	return cfg
}

func (r *Runtime) autoInitialize(ctx context.Context) {
	key := r.cfg.Recognition.ModelKey
	path, err := r.store.Path(key)
	if err != nil {
		r.logger.Warn("auto-initialize skipped", slog.String("model", key), slog.String("error", err.Error()))
		return
	}
	if _, err := r.session.Initialize(ctx, r.recognitionConfig(path)); err != nil {
		r.logger.Warn("auto-initialize failed", slog.String("model", key), slog.String("error", err.Error()))
	}
}

// close releases components in reverse order. It tolerates a partial open.
func (r *Runtime) close() {
	if r.session != nil {
		r.session.Destroy()
		select {
		case <-r.session.Released():
		case <-time.After(shutdownTimeout):
			r.logger.Warn("engine handle not released before shutdown")
		}
	}
	if r.models != nil {
		r.models.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}
