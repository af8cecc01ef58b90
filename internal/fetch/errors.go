package fetch

import "fmt"

// InsufficientStorageError is returned before any network activity when the
// model root cannot hold the bundle.
type InsufficientStorageError struct {
	Key      string
	Required uint64
}

func (e *InsufficientStorageError) Error() string {
	return fmt.Sprintf("insufficient storage for model %s: %d bytes required", e.Key, e.Required)
}

// DownloadError wraps transport failures and non-2xx responses.
type DownloadError struct {
	Key        string
	URL        string
	StatusCode int
	// Resumable is true when confirmed bytes were kept for the next attempt.
	Resumable bool
	Err       error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download model %s: unexpected status %d from %s", e.Key, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("download model %s: %v", e.Key, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// CorruptBundleError reports an archive that failed validation after download.
type CorruptBundleError struct {
	Key    string
	Reason string
	Err    error
}

func (e *CorruptBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %s bundle is corrupt: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("model %s bundle is corrupt: %s", e.Key, e.Reason)
}

func (e *CorruptBundleError) Unwrap() error { return e.Err }
