package blobber

import (
	"github.com/meigma/blobber/archive"
	"github.com/meigma/blobber/chain"
	"github.com/meigma/blobber/hashid"
	"github.com/meigma/blobber/storage"
)

// Errors re-exported from the component packages.
var (
	// ErrNotFound is returned when an identifier is neither stored nor
	// resolvable as an archive child. It is fs.ErrNotExist.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidID is returned when a string is not a full identifier.
	ErrInvalidID = hashid.ErrInvalid

	// ErrIndexOutOfRange is returned for an archive child index beyond the
	// archive's entries. It matches ErrNotFound.
	ErrIndexOutOfRange = archive.ErrIndexOutOfRange

	// ErrChildTooLarge is returned when an archive child exceeds the
	// extraction limit.
	ErrChildTooLarge = archive.ErrChildTooLarge

	// ErrEmptyChain is returned when no storage root is configured.
	ErrEmptyChain = chain.ErrEmptyChain
)
