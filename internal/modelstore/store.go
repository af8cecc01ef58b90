package modelstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
)

// State is the derived lifecycle state of one model installation.
type State int

const (
	StateAbsent State = iota
	StateStaging
	StateVerifying
	StateInstalled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStaging:
		return "staging"
	case StateVerifying:
		return "verifying"
	case StateInstalled:
		return "installed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateAbsent; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown installation state %q", b)
}

// Installation is a point-in-time view of a model bundle on disk.
type Installation struct {
	Descriptor Descriptor `json:"descriptor"`
	LocalPath  string     `json:"local_path"`
	State      State      `json:"state"`
}

const (
	archiveSuffix = ".zip.part"
	unpackInfix   = ".unpack-"
)

// Store is the filesystem-backed catalog of installed models. The filesystem
// is the only source of truth: every query re-probes paths.
type Store struct {
	root    string
	catalog []Descriptor
	index   map[string]Descriptor
	log     *slog.Logger
	space   func(path string) (uint64, error)

	purgeMu sync.RWMutex
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

type Option func(*Store)

// WithCatalog replaces the compiled-in catalog.
func WithCatalog(descs []Descriptor) Option {
	return func(s *Store) {
		s.catalog = append([]Descriptor(nil), descs...)
	}
}

// WithSpaceProbe replaces the free-space query used by HasSufficientSpace.
func WithSpaceProbe(fn func(path string) (uint64, error)) Option {
	return func(s *Store) { s.space = fn }
}

func New(root string, log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		root:    filepath.Clean(root),
		catalog: BuiltinCatalog(),
		log:     log.With(slog.String("component", "modelstore")),
		space:   freeBytes,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.index = make(map[string]Descriptor, len(s.catalog))
	for _, d := range s.catalog {
		s.index[d.Key] = d
	}
	return s
}

func (s *Store) Root() string { return s.root }

// Catalog returns every known descriptor in catalog order.
func (s *Store) Catalog() []Descriptor {
	return append([]Descriptor(nil), s.catalog...)
}

func (s *Store) Lookup(key string) (Descriptor, bool) {
	d, ok := s.index[key]
	return d, ok
}

// EnsureRoot creates the model root directory if it is missing.
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return &StorageError{Op: "create root", Path: s.root, Err: err}
	}
	return nil
}

// Probe derives the installation state of key from the filesystem.
func (s *Store) Probe(key string) (Installation, error) {
	desc, ok := s.Lookup(key)
	if !ok {
		return Installation{}, &UnknownModelError{Key: key}
	}
	inst := Installation{
		Descriptor: desc,
		LocalPath:  s.installPath(desc),
		State:      StateAbsent,
	}
	switch {
	case nonEmptyDir(inst.LocalPath):
		inst.State = StateInstalled
	case s.hasStaging(desc):
		inst.State = StateStaging
	}
	return inst, nil
}

// Path returns the installed bundle directory for key.
func (s *Store) Path(key string) (string, error) {
	inst, err := s.Probe(key)
	if err != nil {
		return "", err
	}
	if inst.State != StateInstalled {
		return "", &NotInstalledError{Key: key}
	}
	return inst.LocalPath, nil
}

// ResolvePath validates an explicit bundle directory. Paths under the model
// root must name an installed catalog bundle; paths elsewhere must be
// non-empty directories and are returned cleaned.
func (s *Store) ResolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &InvalidPathError{Path: path, Reason: err.Error()}
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", &StorageError{Op: "resolve root", Path: s.root, Err: err}
	}
	if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		for _, d := range s.catalog {
			if filepath.Join(root, d.BundleName) == abs {
				return s.Path(d.Key)
			}
		}
		return "", &InvalidPathError{Path: path, Reason: "not a catalog bundle under the model root"}
	}
	if !nonEmptyDir(abs) {
		return "", &InvalidPathError{Path: path, Reason: "not a non-empty directory"}
	}
	return abs, nil
}

// HasSufficientSpace reports whether the model root's filesystem has at least
// required free bytes. When free space cannot be queried it answers true.
func (s *Store) HasSufficientSpace(required uint64) bool {
	probe := s.root
	if _, err := os.Stat(probe); err != nil {
		probe = filepath.Dir(probe)
	}
	free, err := s.space(probe)
	if err != nil {
		s.log.Debug("free space query unavailable", slog.String("path", probe), slog.String("error", err.Error()))
		return true
	}
	return free >= required
}

// Install atomically renames a verified staging directory into place. The
// staging directory must live under Root so the rename stays on one filesystem.
func (s *Store) Install(key, stagingDir string) error {
	desc, ok := s.Lookup(key)
	if !ok {
		return &UnknownModelError{Key: key}
	}
	if !nonEmptyDir(stagingDir) {
		return &StorageError{Op: "install", Path: stagingDir, Err: errors.New("staging directory is missing or empty")}
	}

	unlock := s.lockKey(key)
	defer unlock()

	target := s.installPath(desc)
	if nonEmptyDir(target) {
		// Another install won; keep the existing bundle.
		if err := os.RemoveAll(stagingDir); err != nil {
			s.log.Warn("failed to remove redundant staging dir", slog.String("path", stagingDir), slog.String("error", err.Error()))
		}
		return nil
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "install", Path: target, Err: err}
	}
	if err := os.Rename(stagingDir, target); err != nil {
		return &StorageError{Op: "install", Path: target, Err: err}
	}
	s.log.Info("model installed", slog.String("key", key), slog.String("path", target))
	return nil
}

// Delete removes the installed bundle and any staging residue for key.
// Deleting an absent model succeeds.
func (s *Store) Delete(key string) error {
	desc, ok := s.Lookup(key)
	if !ok {
		return &UnknownModelError{Key: key}
	}

	unlock := s.lockKey(key)
	defer unlock()

	paths := []string{s.installPath(desc), s.archivePath(desc)}
	paths = append(paths, s.unpackDirs(desc)...)
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return &StorageError{Op: "delete", Path: p, Err: err}
		}
	}
	s.log.Info("model deleted", slog.String("key", key))
	return nil
}

// PurgeAll removes the model root and recreates it empty.
func (s *Store) PurgeAll() error {
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return &StorageError{Op: "purge", Path: s.root, Err: err}
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return &StorageError{Op: "purge", Path: s.root, Err: err}
	}
	s.log.Info("model root purged", slog.String("root", s.root))
	return nil
}

// ListInstalled returns the bundle directory names present under the root,
// including bundles no longer referenced by the catalog.
func (s *Store) ListInstalled() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "list", Path: s.root, Err: err}
	}
	known := make(map[string]struct{}, len(s.catalog))
	for _, d := range s.catalog {
		known[d.BundleName] = struct{}{}
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := known[name]; !ok && !strings.HasPrefix(name, bundlePrefix) {
			continue
		}
		if nonEmptyDir(filepath.Join(s.root, name)) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ArchivePath is where a bundle archive is staged while downloading.
func (s *Store) ArchivePath(key string) (string, error) {
	desc, ok := s.Lookup(key)
	if !ok {
		return "", &UnknownModelError{Key: key}
	}
	return s.archivePath(desc), nil
}

// NewUnpackDir creates a fresh hidden directory under the root to unpack into.
func (s *Store) NewUnpackDir(key string) (string, error) {
	desc, ok := s.Lookup(key)
	if !ok {
		return "", &UnknownModelError{Key: key}
	}
	dir, err := os.MkdirTemp(s.root, "."+desc.BundleName+unpackInfix)
	if err != nil {
		return "", &StorageError{Op: "create unpack dir", Path: s.root, Err: err}
	}
	return dir, nil
}

func (s *Store) installPath(d Descriptor) string {
	return filepath.Join(s.root, d.BundleName)
}

func (s *Store) archivePath(d Descriptor) string {
	return filepath.Join(s.root, d.BundleName+archiveSuffix)
}

func (s *Store) unpackDirs(d Descriptor) []string {
	matches, _ := filepath.Glob(filepath.Join(s.root, "."+d.BundleName+unpackInfix+"*"))
	return matches
}

func (s *Store) hasStaging(d Descriptor) bool {
	if _, err := os.Stat(s.archivePath(d)); err == nil {
		return true
	}
	return len(s.unpackDirs(d)) > 0
}

// lockKey serializes install and delete for one key. The returned func releases it.
func (s *Store) lockKey(key string) func() {
	s.purgeMu.RLock()
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		s.purgeMu.RUnlock()
	}
}

func nonEmptyDir(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.IsDir() {
		return false
	}
	names, err := f.Readdirnames(1)
	return err == nil && len(names) > 0
}

func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
