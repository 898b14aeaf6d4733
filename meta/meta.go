// Package meta reads the flat metadata record file.
//
// Each line asserts one attribute of one blob:
//
//	<digest> <attribute> <json value>
//
// The value runs to the end of the line. The file is append-only and is
// scanned from the start on every query, so records appended by other
// processes are visible immediately.
package meta

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/meigma/blobber/hashid"
)

// ChildrenAttr is the attribute holding the ordered member identifiers of
// an archive blob.
const ChildrenAttr = "children"

// ErrNotFound is returned by FindParent when no record lists the child.
// It matches fs.ErrNotExist.
var ErrNotFound = fmt.Errorf("meta: no parent record: %w", fs.ErrNotExist)

// ParseError describes a record line that could not be parsed.
// Such lines are skipped.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("meta: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Record is one well-formed metadata line.
type Record struct {
	// Line is the 1-based line number in the file.
	Line int

	// Digest is the digest of the blob the record describes.
	Digest string

	// Attr is the attribute name.
	Attr string

	// Value is the raw JSON value.
	Value json.RawMessage
}

// Attributes maps attribute names to raw JSON values.
type Attributes map[string]json.RawMessage

// Decode unmarshals attribute name into v. It returns false when the
// attribute is absent.
func (a Attributes) Decode(name string, v any) (bool, error) {
	raw, ok := a[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("meta: decode %s: %w", name, err)
	}
	return true, nil
}

// Parent locates a child inside an archive blob.
type Parent struct {
	// ID is the parent's bare digest.
	ID hashid.ID

	// Index is the child's position in the parent's children list.
	Index int
}

// Store reads records from a single file.
type Store struct {
	path         string
	logger       *slog.Logger
	onParseError func(*ParseError)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithParseErrorHook registers fn to be called for every skipped line.
func WithParseErrorHook(fn func(*ParseError)) Option {
	return func(s *Store) {
		s.onParseError = fn
	}
}

// Open returns a store over the record file at path. The file is not read
// until the first query and may not exist; a missing file has no records.
func Open(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the record file location.
func (s *Store) Path() string {
	return s.path
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func (s *Store) skip(perr *ParseError) {
	s.log().Warn("skipping metadata line", "path", s.path, "line", perr.Line, "error", perr.Err)
	if s.onParseError != nil {
		s.onParseError(perr)
	}
}

// Records yields every well-formed record in file order. Malformed lines
// are skipped; only I/O errors are yielded.
func (s *Store) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(s.path) //nolint:gosec // configured metadata path
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer f.Close()

		// bufio.Reader rather than Scanner: children lists can exceed the
		// scanner's token limit.
		r := bufio.NewReader(f)
		for n := 1; ; n++ {
			line, err := r.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				yield(Record{}, fmt.Errorf("read %s: %w", s.path, err))
				return
			}
			if line != "" {
				rec, perr := parseLine(n, line)
				switch {
				case perr != nil:
					s.skip(perr)
				case rec.Attr != "":
					if !yield(rec, nil) {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}
}

// parseLine splits one line. Blank lines yield a zero Record and no error.
func parseLine(n int, line string) (Record, *ParseError) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, nil
	}
	digest, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Record{}, &ParseError{Line: n, Err: errors.New("missing attribute")}
	}
	if len(digest) != hashid.DigestLen {
		return Record{}, &ParseError{Line: n, Err: fmt.Errorf("digest %q is not %d characters", digest, hashid.DigestLen)}
	}
	attr, value, ok := strings.Cut(rest, " ")
	if !ok || attr == "" {
		return Record{}, &ParseError{Line: n, Err: errors.New("missing value")}
	}
	if !json.Valid([]byte(value)) {
		return Record{}, &ParseError{Line: n, Err: fmt.Errorf("invalid JSON value for %s", attr)}
	}
	return Record{Line: n, Digest: digest, Attr: attr, Value: json.RawMessage(value)}, nil
}

// Get folds every record for id's digest into an attribute map. When an
// attribute is asserted more than once the last line wins.
func (s *Store) Get(id hashid.ID) (Attributes, error) {
	attrs := Attributes{}
	for rec, err := range s.Records() {
		if err != nil {
			return nil, err
		}
		if rec.Digest == id.Digest() {
			attrs[rec.Attr] = rec.Value
		}
	}
	return attrs, nil
}

// Children returns the last decodable children list of id, or nil when it
// has none. Records whose value is not a list of identifiers are skipped
// like malformed lines, so an earlier valid list still applies.
func (s *Store) Children(id hashid.ID) ([]hashid.ID, error) {
	var children []hashid.ID
	for rec, err := range s.Records() {
		if err != nil {
			return nil, err
		}
		if rec.Digest != id.Digest() || rec.Attr != ChildrenAttr {
			continue
		}
		elems, perr := decodeChildren(rec)
		if perr != nil {
			s.skip(perr)
			continue
		}
		children = make([]hashid.ID, len(elems))
		for i, el := range elems {
			children[i] = hashid.New(el)
		}
	}
	return children, nil
}

func decodeChildren(rec Record) ([]string, *ParseError) {
	var elems []string
	if err := json.Unmarshal(rec.Value, &elems); err != nil {
		return nil, &ParseError{Line: rec.Line, Err: fmt.Errorf("children: %w", err)}
	}
	return elems, nil
}

// FindParent returns the first children record, in file order, that lists
// child. An element matches when it equals child exactly or, for a bare
// digest query, when its digest equals child.
//
// The first matching record wins even if later records list the child
// again.
func (s *Store) FindParent(child hashid.ID) (Parent, error) {
	bare := child.Name() == ""
	for rec, err := range s.Records() {
		if err != nil {
			return Parent{}, err
		}
		if rec.Attr != ChildrenAttr {
			continue
		}
		elems, perr := decodeChildren(rec)
		if perr != nil {
			s.skip(perr)
			continue
		}
		for i, el := range elems {
			if el == child.String() || (bare && hashid.New(el).Digest() == child.Digest()) {
				return Parent{ID: hashid.New(rec.Digest), Index: i}, nil
			}
		}
	}
	return Parent{}, fmt.Errorf("%w: %s", ErrNotFound, child)
}
