// Package chain orders several storages into a single search path.
//
// Point lookups (Open, Stat) try members in order and the first hit wins,
// so a blob duplicated across roots is always served from the earliest one.
// Enumerations (Find, List) concatenate every member's results without
// de-duplication.
package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/blobber/config"
	"github.com/meigma/blobber/hashid"
	"github.com/meigma/blobber/storage"
	"github.com/meigma/blobber/storage/disk"
)

var (
	// ErrEmptyChain is returned when a chain is built without members.
	ErrEmptyChain = errors.New("chain: no storages")

	// ErrBadRoot is returned for search path entries that cannot be used.
	ErrBadRoot = errors.New("chain: unusable storage root")
)

// Chain is an ordered, non-empty list of storages.
type Chain struct {
	members []storage.Storage
	logger  *slog.Logger
	onSkip  func(root string, err error)
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// WithSkipHook registers fn to be called for every configured root that
// FromConfig leaves out of the chain.
func WithSkipHook(fn func(root string, err error)) Option {
	return func(c *Chain) {
		c.onSkip = fn
	}
}

// New returns a chain over members in the given order.
func New(members []storage.Storage, opts ...Option) (*Chain, error) {
	c := &Chain{}
	for _, opt := range opts {
		opt(c)
	}
	if len(members) == 0 {
		return nil, ErrEmptyChain
	}
	c.members = append([]storage.Storage(nil), members...)
	return c, nil
}

// FromConfig builds the chain from cfg: the default root, then the system
// root when it exists, then every usable search path entry. Unusable entries
// are logged and skipped.
func FromConfig(cfg *config.Config, opts ...Option) (*Chain, error) {
	c := &Chain{}
	for _, opt := range opts {
		opt(c)
	}

	layout, err := disk.ParseLayout(cfg.Layout)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultRoot == "" {
		return nil, ErrEmptyChain
	}

	roots := []string{cfg.DefaultRoot}
	if cfg.SystemRoot != "" {
		if info, err := os.Stat(cfg.SystemRoot); err == nil && info.IsDir() {
			roots = append(roots, cfg.SystemRoot)
		} else {
			c.log().Debug("system root not present", "root", cfg.SystemRoot)
		}
	}
	for _, root := range cfg.SearchPath {
		if err := CheckRoot(root); err != nil {
			c.skip(root, err)
			continue
		}
		roots = append(roots, root)
	}

	c.members = make([]storage.Storage, 0, len(roots))
	for _, root := range roots {
		s, err := disk.New(root, disk.WithLayout(layout), disk.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", root, err)
		}
		c.members = append(c.members, s)
	}
	c.log().Debug("storage chain built", "members", len(c.members))
	return c, nil
}

// CheckRoot reports whether root may join a chain from the search path: it
// must end with a path separator and name an existing directory.
func CheckRoot(root string) error {
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		return fmt.Errorf("%w: %q does not end with %q", ErrBadRoot, root, string(filepath.Separator))
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %q is not a directory", ErrBadRoot, root)
	}
	return nil
}

func (c *Chain) skip(root string, err error) {
	c.log().Warn("skipping storage root", "root", root, "error", err)
	if c.onSkip != nil {
		c.onSkip(root, err)
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Chain) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Members returns the storages in lookup order.
func (c *Chain) Members() []storage.Storage {
	return append([]storage.Storage(nil), c.members...)
}

// Open returns the blob from the first member that has it.
//
// Members that fail with something other than not-found are skipped; if no
// member has the blob the first such failure is returned.
func (c *Chain) Open(id hashid.ID) (fs.File, error) {
	var firstErr error
	for _, m := range c.members {
		f, err := m.Open(id)
		if err == nil {
			return f, nil
		}
		if firstErr == nil && !errors.Is(err, fs.ErrNotExist) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &fs.PathError{Op: "open", Path: id.String(), Err: fs.ErrNotExist}
}

// Stat returns file info from the first member that has the blob.
func (c *Chain) Stat(id hashid.ID) (fs.FileInfo, error) {
	var firstErr error
	for _, m := range c.members {
		info, err := m.Stat(id)
		if err == nil {
			return info, nil
		}
		if firstErr == nil && !errors.Is(err, fs.ErrNotExist) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, &fs.PathError{Op: "stat", Path: id.String(), Err: fs.ErrNotExist}
}

// Exists reports whether any member has the blob.
func (c *Chain) Exists(id hashid.ID) bool {
	for _, m := range c.members {
		if m.Exists(id) {
			return true
		}
	}
	return false
}

// Holders returns the members that have the blob, in order.
func (c *Chain) Holders(id hashid.ID) []storage.Storage {
	var out []storage.Storage
	for _, m := range c.members {
		if m.Exists(id) {
			out = append(out, m)
		}
	}
	return out
}

// Find yields matches for prefix from every member in order. An identifier
// stored in several members is yielded once per member.
func (c *Chain) Find(prefix string) iter.Seq2[hashid.ID, error] {
	return c.concat(func(m storage.Storage) iter.Seq2[hashid.ID, error] {
		return m.Find(prefix)
	})
}

// List yields every identifier from every member in order.
func (c *Chain) List() iter.Seq2[hashid.ID, error] {
	return c.concat(storage.Storage.List)
}

func (c *Chain) concat(seq func(storage.Storage) iter.Seq2[hashid.ID, error]) iter.Seq2[hashid.ID, error] {
	return func(yield func(hashid.ID, error) bool) {
		for _, m := range c.members {
			for id, err := range seq(m) {
				if !yield(id, err) {
					return
				}
				if err != nil {
					break
				}
			}
		}
	}
}

// Resolve returns the first stored identifier that starts with prefix.
// A member whose search fails is skipped; its error is returned only when no
// member has a match.
func (c *Chain) Resolve(prefix string) (hashid.ID, error) {
	var firstErr error
	for id, err := range c.Find(prefix) {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return id, nil
	}
	if firstErr != nil {
		return hashid.ID{}, firstErr
	}
	return hashid.ID{}, &fs.PathError{Op: "find", Path: prefix, Err: fs.ErrNotExist}
}

// Counts returns the number of blobs in each member, in order.
func (c *Chain) Counts() ([]int, error) {
	counts := make([]int, len(c.members))
	for i, m := range c.members {
		n, err := storage.Len(m)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", m.Root(), err)
		}
		counts[i] = n
	}
	return counts, nil
}
