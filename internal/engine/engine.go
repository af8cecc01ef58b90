// Package engine defines the recognition engine contract and its variants:
// a scriptable mock, an NDJSON subprocess recognizer and, with the vosk build
// tag, an in-process Vosk binding.
package engine

import (
	"context"
	"fmt"
)

// Handle identifies one loaded model inside a Binding. Zero is never valid.
type Handle uint64

type Config struct {
	ModelPath            string `json:"model_path"`
	SampleRateHz         uint   `json:"sample_rate_hz"`
	MaxAlternatives      uint   `json:"max_alternatives"`
	EnablePartialResults bool   `json:"enable_partial_results"`
}

func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:            modelPath,
		SampleRateHz:         16000,
		MaxAlternatives:      1,
		EnablePartialResults: true,
	}
}

var supportedRates = map[uint]bool{
	8000:  true,
	16000: true,
	22050: true,
	32000: true,
	44100: true,
	48000: true,
}

const maxAlternativesLimit = 10

// ValidateConfig rejects configurations no engine variant can honour.
func ValidateConfig(cfg Config) error {
	if cfg.ModelPath == "" {
		return &UnsupportedConfigError{Field: "model_path", Value: "", Reason: "must not be empty"}
	}
	if !supportedRates[cfg.SampleRateHz] {
		return &UnsupportedConfigError{Field: "sample_rate_hz", Value: fmt.Sprint(cfg.SampleRateHz), Reason: "unsupported sample rate"}
	}
	if cfg.MaxAlternatives < 1 || cfg.MaxAlternatives > maxAlternativesLimit {
		return &UnsupportedConfigError{Field: "max_alternatives", Value: fmt.Sprint(cfg.MaxAlternatives), Reason: fmt.Sprintf("must be between 1 and %d", maxAlternativesLimit)}
	}
	return nil
}

type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is produced asynchronously while a handle is capturing. Confidence is
// zero when the engine does not report one.
type Event struct {
	Handle     Handle
	Kind       EventKind
	Text       string
	Confidence float64
	Message    string
	// Flush marks the Final that carries the StopCapture transcript.
	Flush bool
}

// Binding is a recognition engine. Implementations must be safe for use from
// multiple goroutines, though callers serialize calls per handle.
//
// Every event belonging to a capture is sent on Events before StopCapture
// returns. StopCapture returns the transcript of the flushed audio, or the
// last segment final when the flush produced no text. Flushed text is also
// sent as an EventFinal with Flush set, scored when the engine knows the
// confidence; the fallback to the last segment final is not sent again.
type Binding interface {
	Initialize(ctx context.Context, cfg Config) (Handle, error)
	StartCapture(h Handle) error
	PauseCapture(h Handle) error
	ResumeCapture(h Handle) error
	StopCapture(ctx context.Context, h Handle) (string, error)
	// Destroy releases the model and any capture. It is idempotent.
	Destroy(h Handle)
	Events() <-chan Event
}
