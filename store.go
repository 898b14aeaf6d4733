package blobber

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/blobber/archive"
	"github.com/meigma/blobber/chain"
	"github.com/meigma/blobber/config"
	"github.com/meigma/blobber/hashid"
	"github.com/meigma/blobber/internal/metrics"
	"github.com/meigma/blobber/meta"
	"github.com/meigma/blobber/storage"
	"github.com/meigma/blobber/storage/disk"
)

// Store resolves identifiers across the storage chain, the metadata file
// and archive parents.
//
// Store holds no cached state: every call re-reads the storage roots and the
// metadata file.
type Store struct {
	cfg      *config.Config
	chain    *chain.Chain
	put      storage.Storage
	meta     *meta.Store
	children *archive.Resolver

	logger       *slog.Logger
	registerer   prometheus.Registerer
	metrics      *metrics.Metrics
	maxChildSize uint64
}

// New builds a store from cfg. A nil cfg uses config.NewDefault.
//
// Search path entries that are missing or malformed are skipped with a
// warning; they never make New fail.
func New(cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:          cfg,
		maxChildSize: archive.DefaultMaxChildSize,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.registerer != nil {
		m, err := metrics.New(s.registerer)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}

	c, err := chain.FromConfig(cfg,
		chain.WithLogger(s.logger),
		chain.WithSkipHook(func(string, error) { s.metrics.SkippedRoot() }),
	)
	if err != nil {
		return nil, fmt.Errorf("build storage chain: %w", err)
	}
	s.chain = c

	if s.put, err = s.putStorage(); err != nil {
		return nil, err
	}

	s.meta = meta.Open(cfg.MetadataPath,
		meta.WithLogger(s.logger),
		meta.WithParseErrorHook(func(*meta.ParseError) { s.metrics.ParseError() }),
	)
	s.children = archive.NewResolver(c,
		archive.WithLogger(s.logger),
		archive.WithMaxChildSize(s.maxChildSize),
	)

	s.log().Debug("store ready",
		"members", len(c.Members()),
		"put_root", s.put.Root(),
		"metadata", cfg.MetadataPath,
	)
	return s, nil
}

// putStorage returns the chain member serving the put destination, or a
// separate storage when the destination is not on the search path.
func (s *Store) putStorage() (storage.Storage, error) {
	dest := s.cfg.PutDestination()
	for _, m := range s.chain.Members() {
		if m.Root() == dest {
			return m, nil
		}
	}
	layout, err := disk.ParseLayout(s.cfg.Layout)
	if err != nil {
		return nil, err
	}
	d, err := disk.New(dest, disk.WithLayout(layout), disk.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("put storage: %w", err)
	}
	return d, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Config returns the configuration the store was built from.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// Open returns the content of id.
//
// Resolution order: a direct hit in the chain, then the first stored
// identifier that id prefixes, then a child of an archive whose metadata
// lists id. When all of them miss the error matches ErrNotFound, unless a
// step failed for another reason, in which case the first such failure is
// returned.
func (s *Store) Open(id hashid.ID) (fs.File, error) {
	return lookup(s, metrics.OpOpen, id, s.chain.Open, s.children.OpenChild)
}

// Stat returns file info for id, resolving it like Open. Archive children
// report only their declared size and name.
func (s *Store) Stat(id hashid.ID) (fs.FileInfo, error) {
	return lookup(s, metrics.OpStat, id, s.chain.Stat, s.children.StatChild)
}

func lookup[T any](
	s *Store,
	op string,
	id hashid.ID,
	direct func(hashid.ID) (T, error),
	child func(hashid.ID, int) (T, error),
) (T, error) {
	var zero T

	// Failures other than not-found do not stop resolution; the first one
	// is reported only if every step misses.
	var firstErr error
	fail := func(step string, err error) {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		s.log().Warn("lookup step failed", "op", op, "id", id.String(), "step", step, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	v, err := direct(id)
	if err == nil {
		s.metrics.Lookup(op, metrics.OutcomeHit)
		s.log().Debug("lookup hit", "op", op, "id", id.String())
		return v, nil
	}
	fail("direct", err)

	if !id.IsZero() {
		full, err := s.chain.Resolve(id.String())
		if err == nil {
			v, err = direct(full)
			if err == nil {
				s.metrics.Lookup(op, metrics.OutcomePrefix)
				s.log().Debug("lookup resolved prefix", "op", op, "id", id.String(), "full", full.String())
				return v, nil
			}
		}
		fail("prefix", err)
	}

	parent, err := s.meta.FindParent(id)
	if err == nil {
		v, err = child(parent.ID, parent.Index)
		if err == nil {
			s.metrics.Lookup(op, metrics.OutcomeChild)
			s.log().Debug("lookup served from archive",
				"op", op, "id", id.String(), "parent", parent.ID.String(), "index", parent.Index)
			return v, nil
		}
	}
	fail("child", err)

	s.metrics.Lookup(op, metrics.OutcomeMiss)
	if firstErr != nil {
		return zero, firstErr
	}
	return zero, &fs.PathError{Op: op, Path: id.String(), Err: ErrNotFound}
}

// Exists reports whether id is stored directly in any chain member.
func (s *Store) Exists(id hashid.ID) bool {
	return s.chain.Exists(id)
}

// Find yields every stored identifier starting with prefix, member by
// member. Identifiers present in several members are yielded once per
// member.
func (s *Store) Find(prefix string) iter.Seq2[hashid.ID, error] {
	return s.chain.Find(prefix)
}

// List yields every stored identifier across the chain.
func (s *Store) List() iter.Seq2[hashid.ID, error] {
	return s.chain.List()
}

// Put copies sourcePath into the put destination. Content that is already
// present there is not rewritten and the result reports Exists.
func (s *Store) Put(sourcePath string) (storage.PutResult, error) {
	res, err := s.put.Put(sourcePath)
	if err != nil {
		return res, err
	}
	s.metrics.Put(!res.Exists, res.Size)
	if res.Exists {
		s.log().Debug("put skipped, already present", "id", res.ID.String())
	} else {
		s.log().Info("blob stored", "id", res.ID.String(), "root", s.put.Root(), "size", res.Size)
	}
	return res, nil
}

// Hash derives the identifier of the file at path without storing it.
func (s *Store) Hash(path string) (hashid.ID, error) {
	return hashid.FromFile(path)
}

// Holders returns the chain members that store id directly.
func (s *Store) Holders(id hashid.ID) []storage.Storage {
	return s.chain.Holders(id)
}

// Storages returns the chain members in lookup order.
func (s *Store) Storages() []storage.Storage {
	return s.chain.Members()
}

// PutStorage returns the storage Put writes to.
func (s *Store) PutStorage() storage.Storage {
	return s.put
}

// Counts returns the number of blobs in each chain member.
func (s *Store) Counts() ([]int, error) {
	return s.chain.Counts()
}

// Meta returns the metadata attributes recorded for id's digest.
func (s *Store) Meta(id hashid.ID) (meta.Attributes, error) {
	return s.meta.Get(id)
}

// Children returns the identifiers listed as members of the archive id.
func (s *Store) Children(id hashid.ID) ([]hashid.ID, error) {
	return s.meta.Children(id)
}

// Parent returns the archive that lists id as a child.
func (s *Store) Parent(id hashid.ID) (meta.Parent, error) {
	return s.meta.FindParent(id)
}

// OpenChild extracts member index of the archive parent.
func (s *Store) OpenChild(parent hashid.ID, index int) (fs.File, error) {
	return s.children.OpenChild(parent, index)
}

// StatChild returns the declared size of member index of the archive parent.
func (s *Store) StatChild(parent hashid.ID, index int) (fs.FileInfo, error) {
	return s.children.StatChild(parent, index)
}
