package blobber

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobber/archive"
	"github.com/meigma/blobber/chain"
	"github.com/meigma/blobber/config"
	"github.com/meigma/blobber/hashid"
	"github.com/meigma/blobber/internal/testutil"
	"github.com/meigma/blobber/meta"
	"github.com/meigma/blobber/storage"
	"github.com/meigma/blobber/storage/disk"
)

type fixture struct {
	store   *Store
	cfg     *config.Config
	reg     *prometheus.Registry
	metaDir string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	metaDir := t.TempDir()
	cfg := &config.Config{
		DefaultRoot:  t.TempDir() + "/",
		MetadataPath: filepath.Join(metaDir, "blobber.meta"),
		Layout:       "sharded",
		LogLevel:     "warn",
	}
	if mutate != nil {
		mutate(cfg)
	}
	reg := prometheus.NewRegistry()
	s, err := New(cfg, WithRegisterer(reg))
	require.NoError(t, err)
	return &fixture{store: s, cfg: cfg, reg: reg, metaDir: metaDir}
}

func (f *fixture) put(t *testing.T, name string, content []byte) hashid.ID {
	t.Helper()
	res, err := f.store.Put(testutil.WriteFile(t, t.TempDir(), name, content))
	require.NoError(t, err)
	return res.ID
}

func readAll(t *testing.T, file fs.File) []byte {
	t.Helper()
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	return data
}

// counter returns the value of the counter series matching labels.
func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func lookups(t *testing.T, f *fixture, op, outcome string) float64 {
	t.Helper()
	return counter(t, f.reg, "blobber_lookups_total", map[string]string{"op": op, "outcome": outcome})
}

func TestPutOpenRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	content := []byte("hello world\n")
	src := testutil.WriteFile(t, t.TempDir(), "hello.txt", content)

	res, err := f.store.Put(src)
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Equal(t, "vfejatzpb5dzxd4bs5uuwmayjmgs5uob-hello.txt", res.ID.String())

	file, err := f.store.Open(res.ID)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, file))
	assert.True(t, f.store.Exists(res.ID))

	again, err := f.store.Put(src)
	require.NoError(t, err)
	assert.True(t, again.Exists)
	assert.Equal(t, res.ID, again.ID)

	hashed, err := f.store.Hash(src)
	require.NoError(t, err)
	assert.Equal(t, res.ID, hashed)

	assert.Equal(t, 1.0, lookups(t, f, "open", "hit"))
	assert.Equal(t, 1.0, counter(t, f.reg, "blobber_puts_total", map[string]string{"outcome": "stored"}))
	assert.Equal(t, 1.0, counter(t, f.reg, "blobber_puts_total", map[string]string{"outcome": "present"}))
	assert.Equal(t, float64(len(content)), counter(t, f.reg, "blobber_put_bytes_total", nil))
}

func TestOpenByPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	id := f.put(t, "doc.txt", []byte("prefixed"))

	for _, prefix := range []string{id.Digest()[:3], id.Digest()[:6], id.Digest()} {
		file, err := f.store.Open(hashid.New(prefix))
		require.NoError(t, err, "prefix %q", prefix)
		assert.Equal(t, []byte("prefixed"), readAll(t, file))

		info, err := f.store.Stat(hashid.New(prefix))
		require.NoError(t, err)
		assert.Equal(t, int64(len("prefixed")), info.Size())
	}
	assert.Equal(t, 3.0, lookups(t, f, "open", "prefix"))
	assert.Equal(t, 3.0, lookups(t, f, "stat", "prefix"))
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, id := range []string{"4oymiquy7qobjgx36tejs35zeqt24qpe", "zz", ""} {
		_, err := f.store.Open(hashid.New(id))
		require.ErrorIs(t, err, ErrNotFound, "id %q", id)
		require.ErrorIs(t, err, fs.ErrNotExist)

		_, err = f.store.Stat(hashid.New(id))
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 3.0, lookups(t, f, "open", "miss"))
}

func TestOpenEmptyIDDoesNotMatchEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.put(t, "a.txt", []byte("a"))

	_, err := f.store.Open(hashid.ID{})
	require.ErrorIs(t, err, ErrNotFound)
}

func childID(t *testing.T, name string, content []byte) hashid.ID {
	t.Helper()
	id, err := hashid.FromNamedReader(bytes.NewReader(content), name)
	require.NoError(t, err)
	return id
}

func TestOpenArchiveChild(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	entries := []testutil.ZipEntry{
		{Name: "a.txt", Content: []byte("alpha")},
		{Name: "b.txt", Content: []byte("bravo"), Zstd: true},
		{Name: "c.txt", Content: []byte("charlie")},
	}
	res, err := f.store.Put(testutil.WriteZip(t, t.TempDir(), "bundle.zip", entries...))
	require.NoError(t, err)
	parent := res.ID

	children := make([]string, len(entries))
	for i, e := range entries {
		children[i] = childID(t, e.Name, e.Content).String()
	}
	testutil.WriteMeta(t, f.metaDir,
		testutil.MetaLine(t, parent.Digest(), "title", "bundle"),
		testutil.MetaLine(t, parent.Digest(), "children", children),
	)

	c2 := hashid.New(children[2])
	require.False(t, f.store.Exists(c2))

	file, err := f.store.Open(c2)
	require.NoError(t, err)
	assert.Equal(t, []byte("charlie"), readAll(t, file))

	// A bare digest resolves to the same child.
	file, err = f.store.Open(c2.Bare())
	require.NoError(t, err)
	assert.Equal(t, []byte("charlie"), readAll(t, file))

	info, err := f.store.Stat(hashid.New(children[1]))
	require.NoError(t, err)
	assert.Equal(t, int64(len("bravo")), info.Size())
	assert.Equal(t, "b.txt", info.Name())

	p, err := f.store.Parent(c2)
	require.NoError(t, err)
	assert.Equal(t, parent.Digest(), p.ID.String())
	assert.Equal(t, 2, p.Index)

	got, err := f.store.Children(parent)
	require.NoError(t, err)
	assert.Equal(t, []hashid.ID{hashid.New(children[0]), hashid.New(children[1]), c2}, got)

	attrs, err := f.store.Meta(parent)
	require.NoError(t, err)
	assert.JSONEq(t, `"bundle"`, string(attrs["title"]))

	child, err := f.store.OpenChild(parent, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), readAll(t, child))

	_, err = f.store.OpenChild(parent, 5)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.store.StatChild(parent, 3)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	assert.Equal(t, 2.0, lookups(t, f, "open", "child"))
	assert.Equal(t, 1.0, lookups(t, f, "stat", "child"))
}

func TestChildWithMissingParent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	child := childID(t, "lost.txt", []byte("lost"))
	testutil.WriteMeta(t, f.metaDir,
		testutil.MetaLine(t, "4oymiquy7qobjgx36tejs35zeqt24qpe", "children", []string{child.String()}),
	)

	_, err := f.store.Open(child)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchPathPrecedence(t *testing.T) {
	t.Parallel()

	extra := t.TempDir() + "/"
	f := newFixture(t, func(c *config.Config) {
		c.SearchPath = []string{extra}
	})
	require.Len(t, f.store.Storages(), 2)

	// Seed the extra root directly through its storage.
	extraStore := f.store.Storages()[1]
	require.Equal(t, extra, extraStore.Root())
	onlyExtra, err := extraStore.Put(testutil.WriteFile(t, t.TempDir(), "far.txt", []byte("far away")))
	require.NoError(t, err)

	file, err := f.store.Open(onlyExtra.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("far away"), readAll(t, file))

	src := testutil.WriteFile(t, t.TempDir(), "dup.txt", []byte("duplicate"))
	_, err = extraStore.Put(src)
	require.NoError(t, err)
	dup := f.put(t, "dup.txt", []byte("duplicate"))

	holders := f.store.Holders(dup)
	require.Len(t, holders, 2)
	assert.Equal(t, f.cfg.DefaultRoot, holders[0].Root())

	file, err = f.store.Open(dup)
	require.NoError(t, err)
	osFile, ok := file.(*os.File)
	require.True(t, ok)
	assert.Contains(t, osFile.Name(), filepath.Clean(f.cfg.DefaultRoot))
	require.NoError(t, file.Close())

	listed, err := storage.Collect(f.store.List())
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	found, err := storage.Collect(f.store.Find(dup.Digest()[:4]))
	require.NoError(t, err)
	assert.Equal(t, []hashid.ID{dup, dup}, found)

	counts, err := f.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, counts)
}

// deniedStorage fails every read with a permission error.
type deniedStorage struct{}

var _ storage.Storage = deniedStorage{}

func (deniedStorage) Open(id hashid.ID) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: id.String(), Err: fs.ErrPermission}
}

func (deniedStorage) Stat(id hashid.ID) (fs.FileInfo, error) {
	return nil, &fs.PathError{Op: "stat", Path: id.String(), Err: fs.ErrPermission}
}

func (deniedStorage) Exists(hashid.ID) bool { return false }

func (deniedStorage) Find(prefix string) iter.Seq2[hashid.ID, error] {
	return func(yield func(hashid.ID, error) bool) {
		yield(hashid.ID{}, &fs.PathError{Op: "find", Path: prefix, Err: fs.ErrPermission})
	}
}

func (d deniedStorage) List() iter.Seq2[hashid.ID, error] { return d.Find("") }

func (deniedStorage) Put(string) (storage.PutResult, error) {
	return storage.PutResult{}, errors.New("read-only")
}

func (deniedStorage) Root() string { return "/denied/" }

func TestUnreadableMemberDoesNotStopLookup(t *testing.T) {
	t.Parallel()

	readable, err := disk.New(t.TempDir() + "/")
	require.NoError(t, err)
	c, err := chain.New([]storage.Storage{deniedStorage{}, readable})
	require.NoError(t, err)

	blob, err := readable.Put(testutil.WriteFile(t, t.TempDir(), "plain.txt", []byte("plain")))
	require.NoError(t, err)
	bundle, err := readable.Put(testutil.WriteZip(t, t.TempDir(), "bundle.zip",
		testutil.ZipEntry{Name: "inner.txt", Content: []byte("inner")},
	))
	require.NoError(t, err)
	inner := childID(t, "inner.txt", []byte("inner"))
	metaPath := testutil.WriteMeta(t, t.TempDir(),
		testutil.MetaLine(t, bundle.ID.Digest(), "children", []string{inner.String()}),
	)

	s := &Store{chain: c, meta: meta.Open(metaPath), children: archive.NewResolver(c)}

	file, err := s.Open(hashid.New(blob.ID.Digest()[:5]))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), readAll(t, file))

	file, err = s.Open(inner)
	require.NoError(t, err)
	assert.Equal(t, []byte("inner"), readAll(t, file))

	info, err := s.Stat(inner)
	require.NoError(t, err)
	assert.Equal(t, int64(len("inner")), info.Size())

	// With nothing to serve, the member failure is reported instead of a
	// plain miss.
	_, err = s.Open(hashid.New("4oymiquy7qobjgx36tejs35zeqt24qpe"))
	require.ErrorIs(t, err, fs.ErrPermission)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMissingSearchRootIsSkipped(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	f := newFixture(t, func(c *config.Config) {
		c.SearchPath = []string{
			filepath.Join(base, "missing") + "/",
			base,
		}
	})
	assert.Len(t, f.store.Storages(), 1)
	assert.Equal(t, 2.0, counter(t, f.reg, "blobber_chain_skipped_roots_total", nil))
}

func TestPutDestinationOverride(t *testing.T) {
	t.Parallel()

	putRoot := t.TempDir() + "/"
	f := newFixture(t, func(c *config.Config) {
		c.PutRoot = putRoot
	})
	assert.Equal(t, putRoot, f.store.PutStorage().Root())

	id := f.put(t, "elsewhere.txt", []byte("elsewhere"))
	assert.True(t, f.store.PutStorage().Exists(id))

	// The put root is not on the search path.
	assert.False(t, f.store.Exists(id))
}

func TestPutStorageIsChainMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	assert.Same(t, f.store.Storages()[0], f.store.PutStorage())
}

func TestMetadataParseErrorsCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	testutil.WriteMeta(t, f.metaDir, "garbage line", "4oymiquy7qobjgx36tejs35zeqt24qpe title {bad")

	attrs, err := f.store.Meta(hashid.New("4oymiquy7qobjgx36tejs35zeqt24qpe"))
	require.NoError(t, err)
	assert.Empty(t, attrs)
	assert.Equal(t, 2.0, counter(t, f.reg, "blobber_meta_parse_errors_total", nil))
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	_, err := New(&config.Config{DefaultRoot: t.TempDir() + "/", Layout: "tree"})
	require.Error(t, err)

	_, err = New(&config.Config{})
	require.Error(t, err)

	_, err = New(&config.Config{DefaultRoot: t.TempDir() + "/"}, WithRegisterer(nil))
	require.Error(t, err)
}

func TestSharedRegisterer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cfg := &config.Config{DefaultRoot: t.TempDir() + "/"}
	_, err := New(cfg, WithRegisterer(reg))
	require.NoError(t, err)
	_, err = New(cfg, WithRegisterer(reg))
	require.NoError(t, err)
}
