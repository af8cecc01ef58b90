package modelstore

import "fmt"

// StorageError reports a filesystem failure while managing the model root.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("model storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UnknownModelError is returned for keys missing from the catalog.
type UnknownModelError struct {
	Key string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %s", e.Key)
}

// NotInstalledError is returned by Path when the bundle has not been installed yet.
type NotInstalledError struct {
	Key string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("model %s is not installed, download it first", e.Key)
}

// InvalidPathError is returned when an explicit bundle path cannot be loaded.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid model path %s: %s", e.Path, e.Reason)
}
