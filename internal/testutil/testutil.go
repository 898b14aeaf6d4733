// Package testutil provides fixtures shared by the package tests: source
// files, ZIP archives and metadata record files.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// WriteFile writes content to dir/name and returns the path.
// Parent directories are created as needed.
func WriteFile(tb testing.TB, dir, name string, content []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil { //nolint:gosec // test fixture
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}

// ZipEntry describes one member of a test archive.
type ZipEntry struct {
	Name    string
	Content []byte

	// Zstd stores the entry with zstd (ZIP method 93) instead of deflate.
	Zstd bool
}

// ZipBytes builds a ZIP archive with entries in the given order.
func ZipBytes(tb testing.TB, entries ...ZipEntry) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	for _, e := range entries {
		method := zip.Deflate
		if e.Zstd {
			method = zstd.ZipMethodWinZip
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: method})
		if err != nil {
			tb.Fatalf("create zip entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Content); err != nil {
			tb.Fatalf("write zip entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// WriteZip writes a ZIP archive to dir/name and returns the path.
func WriteZip(tb testing.TB, dir, name string, entries ...ZipEntry) string {
	tb.Helper()
	return WriteFile(tb, dir, name, ZipBytes(tb, entries...))
}

// MetaLine formats one metadata record. value is encoded as JSON.
func MetaLine(tb testing.TB, digest, attr string, value any) string {
	tb.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		tb.Fatalf("marshal %s: %v", attr, err)
	}
	return fmt.Sprintf("%s %s %s", digest, attr, data)
}

// WriteMeta writes lines as a metadata file and returns its path.
func WriteMeta(tb testing.TB, dir string, lines ...string) string {
	tb.Helper()
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return WriteFile(tb, dir, "blobber.meta", []byte(content))
}
