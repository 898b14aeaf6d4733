// Package archive serves the members of stored ZIP blobs as synthetic
// children.
//
// A child is addressed by its parent's identifier and its position in the
// archive's central directory. Entries stored with deflate or zstd (method
// 93) are supported.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"math"
	"path"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/blobber/hashid"
)

// DefaultMaxChildSize bounds the bytes extracted for a single child.
const DefaultMaxChildSize = 256 << 20

var (
	// ErrIndexOutOfRange is returned for a child index outside the archive's
	// entries. It matches fs.ErrNotExist.
	ErrIndexOutOfRange = fmt.Errorf("archive: child index out of range: %w", fs.ErrNotExist)

	// ErrChildTooLarge is returned when a child exceeds the configured
	// extraction limit.
	ErrChildTooLarge = errors.New("archive: child exceeds size limit")

	// ErrSizeOverflow is returned when an entry declares a size that does
	// not fit in int64.
	ErrSizeOverflow = errors.New("archive: size overflow")
)

// Source is the read surface parents are resolved against.
type Source interface {
	Find(prefix string) iter.Seq2[hashid.ID, error]
	Open(id hashid.ID) (fs.File, error)
}

// Resolver opens archive children.
type Resolver struct {
	src          Source
	maxChildSize uint64
	logger       *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxChildSize limits the size of an extracted child. Zero disables the
// limit. Defaults to DefaultMaxChildSize.
func WithMaxChildSize(n uint64) Option {
	return func(r *Resolver) {
		r.maxChildSize = n
	}
}

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver returns a resolver reading parents from src.
func NewResolver(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		src:          src,
		maxChildSize: DefaultMaxChildSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Resolver) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// OpenChild extracts entry index of parent into memory and returns it as a
// single-use file. The parent is closed before OpenChild returns.
func (r *Resolver) OpenChild(parent hashid.ID, index int) (fs.File, error) {
	var file fs.File
	err := r.withEntry(parent, index, func(f *zip.File) error {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open child %d of %s: %w", index, parent, err)
		}
		defer rc.Close()

		data, err := readChild(rc, r.maxChildSize)
		if err != nil {
			return fmt.Errorf("read child %d of %s: %w", index, parent, err)
		}
		file = &childFile{
			Reader: bytes.NewReader(data),
			info:   &Info{name: path.Base(f.Name), size: int64(len(data))},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// StatChild returns the declared uncompressed size of entry index of
// parent. The name is the entry's base name; mode and modification time are
// left unset.
func (r *Resolver) StatChild(parent hashid.ID, index int) (fs.FileInfo, error) {
	var info fs.FileInfo
	err := r.withEntry(parent, index, func(f *zip.File) error {
		if f.UncompressedSize64 > math.MaxInt64 {
			return ErrSizeOverflow
		}
		info = &Info{name: path.Base(f.Name), size: int64(f.UncompressedSize64)} //nolint:gosec // checked above
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// HashChild derives the identifier the child would have if it were stored
// on its own, named after the entry's base name.
func (r *Resolver) HashChild(parent hashid.ID, index int) (hashid.ID, error) {
	var id hashid.ID
	err := r.withEntry(parent, index, func(f *zip.File) error {
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		id, err = hashid.FromNamedReader(rc, path.Base(f.Name))
		return err
	})
	if err != nil {
		return hashid.ID{}, err
	}
	return id, nil
}

// Entries returns the entry names of parent in directory order.
func (r *Resolver) Entries(parent hashid.ID) ([]string, error) {
	var names []string
	err := r.withArchive(parent, func(zr *zip.Reader) error {
		names = make([]string, len(zr.File))
		for i, f := range zr.File {
			names[i] = f.Name
		}
		return nil
	})
	return names, err
}

func (r *Resolver) withEntry(parent hashid.ID, index int, fn func(*zip.File) error) error {
	return r.withArchive(parent, func(zr *zip.Reader) error {
		if index < 0 || index >= len(zr.File) {
			return fmt.Errorf("%w: %d of %d entries in %s", ErrIndexOutOfRange, index, len(zr.File), parent)
		}
		return fn(zr.File[index])
	})
}

// withArchive resolves parent, opens it as a ZIP archive and calls fn.
// The parent file is closed when fn returns.
func (r *Resolver) withArchive(parent hashid.ID, fn func(*zip.Reader) error) error {
	f, id, err := r.openParent(parent)
	if err != nil {
		return err
	}
	defer f.Close()

	ra, size, err := readerAt(f)
	if err != nil {
		return fmt.Errorf("read parent %s: %w", id, err)
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", id, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	r.log().Debug("archive opened", "parent", id.String(), "entries", len(zr.File))
	return fn(zr)
}

// openParent returns the first match for parent that opens.
func (r *Resolver) openParent(parent hashid.ID) (fs.File, hashid.ID, error) {
	for id, err := range r.src.Find(parent.String()) {
		if err != nil {
			r.log().Debug("parent search failed", "parent", parent.String(), "error", err)
			continue
		}
		f, err := r.src.Open(id)
		if err != nil {
			r.log().Debug("parent candidate did not open", "id", id.String(), "error", err)
			continue
		}
		return f, id, nil
	}
	return nil, hashid.ID{}, &fs.PathError{Op: "open", Path: parent.String(), Err: fs.ErrNotExist}
}

// readChild reads r to the end, failing with ErrChildTooLarge once more than
// limit bytes arrive. A zero limit reads everything.
func readChild(r io.Reader, limit uint64) ([]byte, error) {
	if limit == 0 {
		return io.ReadAll(r)
	}
	// One byte past the limit is enough to detect an oversized child.
	n := int64(math.MaxInt64)
	if limit < math.MaxInt64 {
		n = int64(limit) + 1 //nolint:gosec // checked above
	}
	data, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > limit {
		return nil, ErrChildTooLarge
	}
	return data, nil
}

// readerAt adapts f for random access, buffering it in memory when it has
// no ReadAt method.
func readerAt(f fs.File) (io.ReaderAt, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if ra, ok := f.(io.ReaderAt); ok {
		return ra, info.Size(), nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// Info implements fs.FileInfo for archive children.
type Info struct {
	name string
	size int64
}

func (fi *Info) Name() string       { return fi.name }
func (fi *Info) Size() int64        { return fi.size }
func (fi *Info) Mode() fs.FileMode  { return 0 }
func (fi *Info) ModTime() time.Time { return time.Time{} }
func (fi *Info) IsDir() bool        { return false }
func (fi *Info) Sys() any           { return nil }

// childFile is an extracted child held in memory.
type childFile struct {
	*bytes.Reader
	info *Info
}

// Interface compliance.
var _ fs.File = (*childFile)(nil)

func (f *childFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *childFile) Close() error { return nil }
