package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownHandle = errors.New("engine: unknown or destroyed handle")
	ErrCaptureActive = errors.New("engine: capture already running")
	ErrNotCapturing  = errors.New("engine: no capture running")
	ErrNoAudioSource = errors.New("engine: no audio source configured")
)

// ModelLoadError reports a model that could not be loaded from Path.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

type UnsupportedConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *UnsupportedConfigError) Error() string {
	return fmt.Sprintf("unsupported %s %q: %s", e.Field, e.Value, e.Reason)
}
