//go:build !vosk

package engine

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

const VoskAvailable = false

var ErrVoskUnavailable = errors.New("engine: built without vosk support, rebuild with -tags vosk")

// NewVosk fails in builds without the vosk tag.
func NewVosk(audio.Opener, *slog.Logger) (Binding, error) {
	return nil, ErrVoskUnavailable
}
