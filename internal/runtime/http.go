package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-speech/internal/engine"
	"github.com/loqalabs/loqa-speech/internal/fetch"
	"github.com/loqalabs/loqa-speech/internal/modelstore"
	"github.com/loqalabs/loqa-speech/internal/session"
)

var errRecognitionDisabled = errors.New("recognition is disabled")

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}

	mux.HandleFunc("GET /v1/models", r.handleListModels)
	mux.HandleFunc("GET /v1/models/{key}", r.handleGetModel)
	mux.HandleFunc("DELETE /v1/models/{key}", r.handleDeleteModel)
	mux.HandleFunc("POST /v1/models/{key}/download", r.handleStartDownload)
	mux.HandleFunc("DELETE /v1/models/{key}/download", r.handleCancelDownload)

	mux.HandleFunc("GET /v1/recognition", r.handleRecognitionState)
	mux.HandleFunc("POST /v1/recognition/initialize", r.handleInitialize)
	mux.HandleFunc("POST /v1/recognition/start", r.sessionAction((*session.Manager).Start))
	mux.HandleFunc("POST /v1/recognition/pause", r.sessionAction((*session.Manager).Pause))
	mux.HandleFunc("POST /v1/recognition/resume", r.sessionAction((*session.Manager).Resume))
	mux.HandleFunc("POST /v1/recognition/stop", r.handleStop)
	mux.HandleFunc("POST /v1/recognition/destroy", r.handleDestroy)

	mux.HandleFunc("GET /v1/history", r.handleListSessions)
	mux.HandleFunc("GET /v1/history/{session}", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.models.StatusAll())
}

func (r *Runtime) handleGetModel(w http.ResponseWriter, req *http.Request) {
	st, err := r.models.Status(req.PathValue("key"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (r *Runtime) handleDeleteModel(w http.ResponseWriter, req *http.Request) {
	if err := r.models.Delete(req.PathValue("key")); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleStartDownload(w http.ResponseWriter, req *http.Request) {
	started, err := r.models.Start(req.PathValue("key"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": started})
}

func (r *Runtime) handleCancelDownload(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": r.models.Cancel(req.PathValue("key"))})
}

func (r *Runtime) handleRecognitionState(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		r.writeError(w, errRecognitionDisabled)
		return
	}
	writeJSON(w, http.StatusOK, r.session.Snapshot())
}

// initializeRequest selects the model by catalog key or explicit path. Zero
// values fall back to the recognition config.
type initializeRequest struct {
	ModelKey             string `json:"model_key"`
	ModelPath            string `json:"model_path"`
	SampleRateHz         uint   `json:"sample_rate_hz"`
	MaxAlternatives      uint   `json:"max_alternatives"`
	EnablePartialResults *bool  `json:"enable_partial_results"`
}

func (r *Runtime) handleInitialize(w http.ResponseWriter, req *http.Request) {
	if r.session == nil {
		r.writeError(w, errRecognitionDisabled)
		return
	}
	var body initializeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	path := body.ModelPath
	if path != "" {
		resolved, err := r.store.ResolvePath(path)
		if err != nil {
			r.writeError(w, err)
			return
		}
		path = resolved
	} else {
		key := body.ModelKey
		if key == "" {
			key = r.cfg.Recognition.ModelKey
		}
		resolved, err := r.store.Path(key)
		if err != nil {
			r.writeError(w, err)
			return
		}
		path = resolved
	}
	cfg := r.recognitionConfig(path)
	if body.SampleRateHz > 0 {
		cfg.SampleRateHz = body.SampleRateHz
	}
	if body.MaxAlternatives > 0 {
		cfg.MaxAlternatives = body.MaxAlternatives
	}
	if body.EnablePartialResults != nil {
		cfg.EnablePartialResults = *body.EnablePartialResults
	}

	ready, err := r.session.Initialize(req.Context(), cfg)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": ready, "model_path": path})
}

func (r *Runtime) sessionAction(op func(*session.Manager) error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if r.session == nil {
			r.writeError(w, errRecognitionDisabled)
			return
		}
		if err := op(r.session); err != nil {
			r.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, r.session.Snapshot())
	}
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	if r.session == nil {
		r.writeError(w, errRecognitionDisabled)
		return
	}
	text, err := r.session.Stop(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (r *Runtime) handleDestroy(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		r.writeError(w, errRecognitionDisabled)
		return
	}
	r.session.Destroy()
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.history.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.history.ListSessionEvents(req.Context(), req.PathValue("session"), queryLimit(req))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		unknown      *modelstore.UnknownModelError
		notInstalled *modelstore.NotInstalledError
		space        *fetch.InsufficientStorageError
		load         *engine.ModelLoadError
		unsupported  *engine.UnsupportedConfigError
		badPath      *modelstore.InvalidPathError
		failed       *session.EngineFailedError
	)
	switch {
	case errors.As(err, &unknown), errors.Is(err, errRecognitionDisabled):
		return http.StatusNotFound
	case errors.As(err, &notInstalled),
		errors.Is(err, session.ErrNotInitialized),
		errors.Is(err, session.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, session.ErrDestroyed):
		return http.StatusGone
	case errors.As(err, &load), errors.As(err, &unsupported), errors.As(err, &badPath):
		return http.StatusUnprocessableEntity
	case errors.As(err, &space):
		return http.StatusInsufficientStorage
	case errors.As(err, &failed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
