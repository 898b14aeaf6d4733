package hashid

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	emptyDigest = "4oymiquy7qobjgx36tejs35zeqt24qpe"
	helloDigest = "vfejatzpb5dzxd4bs5uuwmayjmgs5uob"
	helloLegacy = "qUiQTy8PR5uPgZdpSzAYSw0u0cHNKh7A+4XSmaGSpEc"
	helloText   = "hello world\n"
)

func TestNewAccessors(t *testing.T) {
	t.Parallel()

	id := New(helloDigest + "-notes.txt")
	assert.Equal(t, helloDigest, id.Digest())
	assert.Equal(t, "notes.txt", id.Name())
	assert.Equal(t, helloDigest+"-notes.txt", id.String())
	assert.True(t, id.IsFull())

	shard, ok := id.ShardPath()
	require.True(t, ok)
	assert.Equal(t, "vf/ej", shard)
	assert.True(t, strings.HasPrefix(id.Digest(), strings.ReplaceAll(shard, "/", "")))

	assert.Equal(t, New(helloDigest), id.Bare())
}

func TestNewPartial(t *testing.T) {
	t.Parallel()

	id := New("vfe")
	assert.Equal(t, "vfe", id.Digest())
	assert.Empty(t, id.Name())
	assert.False(t, id.IsFull())

	_, ok := id.ShardPath()
	assert.False(t, ok)

	shard, ok := New("vfej").ShardPath()
	require.True(t, ok)
	assert.Equal(t, "vf/ej", shard)
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		valid bool
	}{
		{helloDigest, true},
		{helloDigest + "-a.txt", true},
		{helloDigest + "-", false},
		{helloDigest + "x", false},
		{helloDigest + "-a/b", false},
		{strings.ToUpper(helloDigest), false},
		{"vfej", false},
		{"", false},
		{strings.Repeat("1", DigestLen), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			id, err := Parse(tt.in)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, tt.in, id.String())
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestMustParse(t *testing.T) {
	t.Parallel()

	id := MustParse(helloDigest + "-a.txt")
	assert.Equal(t, New(helloDigest+"-a.txt"), id)
	assert.True(t, id.IsFull())

	assert.Panics(t, func() { MustParse("vfej") })
	assert.Panics(t, func() { MustParse(helloDigest + "-a/b") })
}

func TestEquality(t *testing.T) {
	t.Parallel()

	a := New(helloDigest + "-x")
	b := New(helloDigest + "-x")
	assert.True(t, a == b)

	set := map[ID]bool{a: true}
	assert.True(t, set[b])
	assert.NotEqual(t, a, New(helloDigest+"-y"))
}

func TestTextRoundTrip(t *testing.T) {
	t.Parallel()

	var ids []ID
	require.NoError(t, json.Unmarshal([]byte(`["`+helloDigest+`-a","`+emptyDigest+`"]`), &ids))
	require.Len(t, ids, 2)
	assert.Equal(t, "a", ids[0].Name())
	assert.Equal(t, emptyDigest, ids[1].Digest())

	out, err := json.Marshal(ids)
	require.NoError(t, err)
	assert.JSONEq(t, `["`+helloDigest+`-a","`+emptyDigest+`"]`, string(out))
}

func TestFromReaderKnownValues(t *testing.T) {
	t.Parallel()

	id, err := FromReader(strings.NewReader(helloText))
	require.NoError(t, err)
	assert.Equal(t, helloDigest, id.String())
	assert.Len(t, id.Digest(), DigestLen)

	empty, err := FromReader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, emptyDigest, empty.String())
}

func TestComputeFullDigest(t *testing.T) {
	t.Parallel()

	s, err := Compute(strings.NewReader(helloText), "")
	require.NoError(t, err)
	assert.Equal(t, int64(len(helloText)), s.Size)
	assert.Equal(t, "sha256", string(s.Full.Algorithm()))
	require.NoError(t, s.Full.Validate())
}

func TestFromReaderLargeInput(t *testing.T) {
	t.Parallel()

	// Spans several read chunks.
	data := bytes.Repeat([]byte("0123456789abcdef"), 40_000)
	a, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	b, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.Digest(), DigestLen)
}

func TestFromNamedReaderStripping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		basename string
		want     string
	}{
		{"plain", "notes.txt", helloDigest + "-notes.txt"},
		{"digest prefix", helloDigest + "-notes.txt", helloDigest + "-notes.txt"},
		{"legacy prefix", helloLegacy + "-notes.txt", helloDigest + "-notes.txt"},
		{"legacy then digest", helloLegacy + "-" + helloDigest + "-notes.txt", helloDigest + "-notes.txt"},
		{"bare digest name", helloDigest, helloDigest},
		{"unrelated digest", emptyDigest + "-notes.txt", helloDigest + "-" + emptyDigest + "-notes.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := FromNamedReader(strings.NewReader(helloText), tt.basename)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.String())
			assert.False(t, strings.HasPrefix(id.Name(), id.Digest()))
		})
	}
}

func TestFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte(helloText), 0o600))
	require.NoError(t, os.WriteFile(b, []byte(helloText), 0o600))

	idA, err := FromFile(a)
	require.NoError(t, err)
	idA2, err := FromFile(a)
	require.NoError(t, err)
	idB, err := FromFile(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idA2)
	assert.Equal(t, helloDigest+"-a.txt", idA.String())
	assert.Equal(t, idA.Digest(), idB.Digest())
	assert.NotEqual(t, idA, idB)
}

func TestFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := FromFile(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
