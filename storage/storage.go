// Package storage defines the capability set shared by blob storage backends.
//
// A backend holds immutable blobs addressed by [hashid.ID]. Backends are
// stateless views over their medium: every call re-reads it, so blobs added
// out of band are visible immediately.
package storage

import (
	"io/fs"
	"iter"

	"github.com/meigma/blobber/hashid"
)

// ErrNotFound is returned when a blob is not present in a storage.
// It matches fs.ErrNotExist.
var ErrNotFound = fs.ErrNotExist

// Storage is the capability set every backend implements.
type Storage interface {
	// Open returns the blob content. The error matches fs.ErrNotExist when
	// the blob is absent. The caller must close the returned file.
	Open(id hashid.ID) (fs.File, error)

	// Stat returns file info for the blob without opening it.
	Stat(id hashid.ID) (fs.FileInfo, error)

	// Exists reports whether the blob is present.
	Exists(id hashid.ID) bool

	// Find yields every stored identifier starting with prefix.
	Find(prefix string) iter.Seq2[hashid.ID, error]

	// List yields every stored identifier. Each call re-reads the backend.
	List() iter.Seq2[hashid.ID, error]

	// Put copies the file at sourcePath into the storage. When content with
	// the same identifier is already present nothing is written and
	// PutResult.Exists is true.
	Put(sourcePath string) (PutResult, error)

	// Root returns the location the backend serves, for display.
	Root() string
}

// PutResult describes the outcome of a Put.
type PutResult struct {
	// ID is the identifier derived from the source.
	ID hashid.ID

	// Size is the number of bytes written; zero when Exists is true.
	Size int64

	// Exists is true when the blob was already present and no write happened.
	Exists bool
}

// Len counts the blobs in s.
func Len(s Storage) (int, error) {
	n := 0
	for _, err := range s.List() {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[hashid.ID, error]) ([]hashid.ID, error) {
	var ids []hashid.ID
	for id, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
