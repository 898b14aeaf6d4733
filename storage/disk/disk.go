// Package disk implements storage.Storage over a local directory tree.
//
// Each blob is a regular file named by its full identifier. With the default
// sharded layout files live under two levels of digest-prefix directories
// (root/dd/dd/<id>); the flat layout keeps them directly under root.
package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/blobber/hashid"
	"github.com/meigma/blobber/internal/platform"
	"github.com/meigma/blobber/storage"
)

// Layout selects how blobs are arranged under the root.
type Layout uint8

const (
	// LayoutSharded nests blobs under digest[0:2]/digest[2:4].
	LayoutSharded Layout = iota

	// LayoutFlat stores blobs directly under the root.
	LayoutFlat
)

// String returns the configuration name of the layout.
func (l Layout) String() string {
	switch l {
	case LayoutSharded:
		return "sharded"
	case LayoutFlat:
		return "flat"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// ParseLayout converts a configuration name to a Layout.
// The empty string selects LayoutSharded.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "sharded":
		return LayoutSharded, nil
	case "flat":
		return LayoutFlat, nil
	default:
		return 0, fmt.Errorf("disk: unknown layout %q", s)
	}
}

const (
	defaultDirPerm = 0o755
	tempPattern    = ".blobber-*"
)

// Storage is a directory-backed blob storage. It keeps no in-memory state
// beyond its configuration.
type Storage struct {
	root    string
	layout  Layout
	dirPerm os.FileMode
	logger  *slog.Logger
}

// Interface compliance.
var _ storage.Storage = (*Storage)(nil)

// Option configures a disk storage.
type Option func(*Storage)

// WithLayout sets the directory layout. Defaults to LayoutSharded.
func WithLayout(l Layout) Option {
	return func(s *Storage) {
		s.layout = l
	}
}

// WithDirPerm sets the permissions used for directories created by Put.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Storage) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = l
	}
}

// New returns a storage rooted at root. The directory does not need to
// exist: reads treat a missing root as empty and Put creates it.
func New(root string, opts ...Option) (*Storage, error) {
	if root == "" {
		return nil, errors.New("disk: root is empty")
	}
	s := &Storage{
		root:    root,
		layout:  LayoutSharded,
		dirPerm: defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.layout != LayoutSharded && s.layout != LayoutFlat {
		return nil, fmt.Errorf("disk: invalid layout %s", s.layout)
	}
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Storage) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Root returns the directory the storage serves.
func (s *Storage) Root() string {
	return s.root
}

// Layout returns the configured layout.
func (s *Storage) Layout() Layout {
	return s.layout
}

// String implements fmt.Stringer.
func (s *Storage) String() string {
	return s.root
}

// Open returns the blob file for reading.
func (s *Storage) Open(id hashid.ID) (fs.File, error) {
	path, ok := s.path(id)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: id.String(), Err: fs.ErrNotExist}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated identifier
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Stat returns file info for the blob.
func (s *Storage) Stat(id hashid.ID) (fs.FileInfo, error) {
	path, ok := s.path(id)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: id.String(), Err: fs.ErrNotExist}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return info, nil
}

// Exists reports whether the blob is present.
func (s *Storage) Exists(id hashid.ID) bool {
	_, err := s.Stat(id)
	return err == nil
}

// Find yields stored identifiers starting with prefix.
//
// When the prefix names an existing shard directory only that directory is
// listed. Otherwise, including for prefixes shorter than a shard path, every
// blob is scanned.
func (s *Storage) Find(prefix string) iter.Seq2[hashid.ID, error] {
	return func(yield func(hashid.ID, error) bool) {
		if dir, ok := s.shardDir(prefix); ok {
			entries, err := os.ReadDir(dir)
			if err == nil {
				for _, e := range entries {
					if e.IsDir() || hidden(e.Name()) || !strings.HasPrefix(e.Name(), prefix) {
						continue
					}
					if !yield(hashid.New(e.Name()), nil) {
						return
					}
				}
				return
			}
			if !errors.Is(err, fs.ErrNotExist) {
				yield(hashid.ID{}, err)
				return
			}
			s.log().Debug("shard missing, scanning storage", "root", s.root, "prefix", prefix)
		}

		for id, err := range s.List() {
			if err != nil {
				yield(id, err)
				return
			}
			if id.HasPrefix(prefix) && !yield(id, nil) {
				return
			}
		}
	}
}

// List yields every stored identifier by walking the tree. A missing root
// yields nothing.
func (s *Storage) List() iter.Seq2[hashid.ID, error] {
	return func(yield func(hashid.ID, error) bool) {
		// A trailing separator makes Lstat resolve a symlinked root.
		walkRoot := s.root
		if !strings.HasSuffix(walkRoot, string(filepath.Separator)) {
			walkRoot += string(filepath.Separator)
		}
		stopped := false
		err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == walkRoot && errors.Is(err, fs.ErrNotExist) {
					return filepath.SkipAll
				}
				return err
			}
			if path == walkRoot {
				return nil
			}
			if hidden(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !yield(hashid.New(d.Name()), nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(hashid.ID{}, err)
		}
	}
}

// Put copies sourcePath into the storage under its derived identifier.
//
// If a blob with that identifier exists nothing is written. Otherwise the
// content is copied to a temporary file, the source permissions and times
// are propagated, write permission is removed for everyone and the file is
// renamed into place.
func (s *Storage) Put(sourcePath string) (storage.PutResult, error) {
	id, err := hashid.FromFile(sourcePath)
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("hash source: %w", err)
	}
	if s.Exists(id) {
		s.log().Debug("blob already present", "id", id.String(), "root", s.root)
		return storage.PutResult{ID: id, Exists: true}, nil
	}

	path, ok := s.path(id)
	if !ok {
		return storage.PutResult{}, fmt.Errorf("put %s: %w", sourcePath, hashid.ErrInvalid)
	}
	written, err := s.write(sourcePath, path)
	if errors.Is(err, fs.ErrExist) {
		s.log().Debug("blob stored concurrently", "id", id.String(), "root", s.root)
		return storage.PutResult{ID: id, Exists: true}, nil
	}
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("put %s: %w", sourcePath, err)
	}

	s.log().Debug("blob stored", "id", id.String(), "root", s.root, "size", written)
	return storage.PutResult{ID: id, Size: written}, nil
}

func (s *Storage) write(src, dst string) (int64, error) {
	in, err := os.Open(src) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Chtimes(tmpPath, platform.AccessTime(info), info.ModTime()); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Chmod(tmpPath, sealMode(info.Mode())); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	// Identical content raced us here; keep the existing file untouched.
	if _, err := os.Lstat(dst); err == nil {
		_ = os.Remove(tmpPath)
		return 0, &fs.PathError{Op: "rename", Path: dst, Err: fs.ErrExist}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return written, nil
}

// sealMode keeps the source's execute bits, grants read to everyone and
// denies write to everyone.
func sealMode(mode fs.FileMode) fs.FileMode {
	return (mode.Perm() | 0o444) &^ 0o222
}

// path maps an identifier to its file path. ok is false for identifiers
// that cannot name a blob in this layout.
func (s *Storage) path(id hashid.ID) (string, bool) {
	name := id.String()
	if name == "" || hidden(name) || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	if s.layout == LayoutFlat {
		return filepath.Join(s.root, name), true
	}
	shard, ok := id.ShardPath()
	if !ok {
		return "", false
	}
	return filepath.Join(s.root, filepath.FromSlash(shard), name), true
}

// shardDir returns the shard directory a prefix falls into.
func (s *Storage) shardDir(prefix string) (string, bool) {
	if s.layout != LayoutSharded {
		return "", false
	}
	shard, ok := hashid.New(prefix).ShardPath()
	if !ok || strings.ContainsAny(shard, `.\`) || strings.Count(shard, "/") != 1 {
		return "", false
	}
	return filepath.Join(s.root, filepath.FromSlash(shard)), true
}

// hidden reports names reserved for temporary files.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
