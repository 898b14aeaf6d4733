// Package fileops provides the streaming helpers used to hash content.
package fileops

import (
	"hash"
	"io"
)

// ChunkSize is the read size used when streaming content through a hash.
const ChunkSize = 128 << 10

// HashingReader wraps an io.Reader and computes a hash of all data read.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader creates a reader that computes a hash while reading.
func NewHashingReader(r io.Reader, h hash.Hash) *HashingReader {
	return &HashingReader{r: r, h: h}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash sum computed so far.
func (hr *HashingReader) Sum() []byte {
	return hr.h.Sum(nil)
}

// N returns the number of bytes read so far.
func (hr *HashingReader) N() int64 {
	return hr.n
}

// Drain reads r to EOF using buf for every read and discards the data.
// Unlike io.Copy to io.Discard, the caller's buffer size is honored.
func Drain(r io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, ChunkSize)
	}
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
