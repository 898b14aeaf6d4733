// Package hashid defines the content-derived identifiers used to address
// blobs.
//
// An identifier has the form "<digest>-<name>" or a bare "<digest>". The
// digest is the first 20 bytes of the SHA-256 of the content, encoded as
// lowercase base-32 without padding, so it is always exactly 32 characters.
// The optional name is the basename of the file the content came from.
package hashid

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DigestLen is the length of the encoded digest segment.
	DigestLen = 32

	// Separator joins the digest and the name.
	Separator = '-'

	// shardLen is the number of digest characters per shard directory level.
	shardLen = 2
)

// ErrInvalid is returned by Parse for strings that are not full identifiers.
var ErrInvalid = errors.New("hashid: invalid identifier")

// ID is an immutable blob identifier.
//
// The zero value is the empty identifier. IDs are comparable; two IDs are
// equal when their underlying strings are equal. Derived fields are computed
// once at construction.
type ID struct {
	s      string
	digest string
	name   string
}

// New wraps s as an ID without validation.
//
// New accepts partial identifiers so they can be used as search prefixes.
// For strings shorter than DigestLen, Digest returns the whole string.
func New(s string) ID {
	id := ID{s: s, digest: s}
	if len(s) >= DigestLen {
		id.digest = s[:DigestLen]
	}
	if len(s) > DigestLen+1 && s[DigestLen] == Separator {
		id.name = s[DigestLen+1:]
	}
	return id
}

// Parse validates s as a full identifier.
func Parse(s string) (ID, error) {
	if len(s) < DigestLen || !validDigest(s[:DigestLen]) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if len(s) > DigestLen {
		rest := s[DigestLen:]
		if rest[0] != Separator || len(rest) == 1 || strings.ContainsAny(rest, `/\`) {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	return New(s), nil
}

// MustParse is like Parse but panics on invalid input. It is intended for
// tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func validDigest(d string) bool {
	for i := range len(d) {
		c := d[i]
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// String returns the full identifier.
func (id ID) String() string { return id.s }

// Digest returns the digest segment.
func (id ID) Digest() string { return id.digest }

// Name returns the name suffix, or "" for a bare digest.
func (id ID) Name() string { return id.name }

// IsZero reports whether id is the empty identifier.
func (id ID) IsZero() bool { return id.s == "" }

// IsFull reports whether id carries a complete, well-formed digest.
func (id ID) IsFull() bool {
	return len(id.digest) == DigestLen && validDigest(id.digest)
}

// Bare returns the identifier without its name suffix.
func (id ID) Bare() ID {
	if id.name == "" && len(id.s) <= DigestLen {
		return id
	}
	return New(id.digest)
}

// HasPrefix reports whether the identifier starts with prefix.
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(id.s, prefix)
}

// ShardPath returns the two-level directory prefix "dd/dd" derived from the
// digest. ok is false when the identifier is too short to have one.
func (id ID) ShardPath() (path string, ok bool) {
	if len(id.digest) < 2*shardLen {
		return "", false
	}
	return id.digest[:shardLen] + "/" + id.digest[shardLen:2*shardLen], true
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It does not validate;
// use Parse when strict checking is needed.
func (id *ID) UnmarshalText(text []byte) error {
	*id = New(string(text))
	return nil
}
