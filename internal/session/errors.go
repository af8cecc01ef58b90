package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("session: recognizer is not initialized")
	ErrNotPaused      = errors.New("session: recognizer is not paused")
	ErrDestroyed      = errors.New("session: manager destroyed")
)

// EngineFailedError is returned once the engine has failed. Only a fresh
// Initialize clears it.
type EngineFailedError struct {
	Op  string
	Err error
}

func (e *EngineFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: engine failed, %s refused until re-initialized", e.Op)
	}
	return fmt.Sprintf("session: engine failed during %s: %v", e.Op, e.Err)
}

func (e *EngineFailedError) Unwrap() error { return e.Err }
