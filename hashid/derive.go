package hashid

import (
	_ "crypto/sha256" // registers the hash used by go-digest
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/blobber/internal/fileops"
)

// sumLen is the number of SHA-256 bytes kept in the digest segment.
const sumLen = 20

var (
	digestEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
	legacyReplacer = strings.NewReplacer("/", "_", "=", "")
)

// Sum is the result of hashing a piece of content.
type Sum struct {
	// ID is the derived identifier.
	ID ID

	// Full is the untruncated SHA-256 of the content.
	Full digest.Digest

	// Size is the number of bytes hashed.
	Size int64
}

// FromReader derives a bare-digest identifier from r.
func FromReader(r io.Reader) (ID, error) {
	s, err := Compute(r, "")
	if err != nil {
		return ID{}, err
	}
	return s.ID, nil
}

// FromNamedReader derives an identifier from r, appending name as the
// suffix. A name that already starts with the digest has it stripped.
func FromNamedReader(r io.Reader, name string) (ID, error) {
	s, err := Compute(r, name)
	if err != nil {
		return ID{}, err
	}
	return s.ID, nil
}

// FromFile derives an identifier from the file at path, using its basename
// as the name suffix.
func FromFile(path string) (ID, error) {
	s, err := SumFile(path)
	if err != nil {
		return ID{}, err
	}
	return s.ID, nil
}

// SumFile hashes the file at path.
func SumFile(path string) (Sum, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return Sum{}, err
	}
	defer f.Close()
	return Compute(f, filepath.Base(path))
}

// Compute reads r to EOF in fixed-size chunks and derives its identifier.
// An empty name produces a bare digest.
func Compute(r io.Reader, name string) (Sum, error) {
	d := digest.SHA256.Digester()
	hr := fileops.NewHashingReader(r, d.Hash())
	if _, err := fileops.Drain(hr, make([]byte, fileops.ChunkSize)); err != nil {
		return Sum{}, fmt.Errorf("hash content: %w", err)
	}

	sum := hr.Sum()
	enc := encodeDigest(sum)
	name = stripName(name, enc, legacyDigest(sum))

	s := enc
	if name != "" {
		s += string(Separator) + name
	}
	return Sum{ID: New(s), Full: d.Digest(), Size: hr.N()}, nil
}

func encodeDigest(sum []byte) string {
	return strings.ToLower(digestEncoding.EncodeToString(sum[:sumLen]))
}

// legacyDigest is the older identifier encoding: unpadded standard base64 of
// the full SHA-256 with "/" replaced by "_".
func legacyDigest(sum []byte) string {
	return legacyReplacer.Replace(base64.StdEncoding.EncodeToString(sum))
}

func stripName(name, enc, legacy string) string {
	if rest, ok := strings.CutPrefix(name, legacy+string(Separator)); ok {
		name = rest
	}
	if rest, ok := strings.CutPrefix(name, enc); ok {
		name = strings.TrimPrefix(rest, string(Separator))
	}
	return name
}
