// Package blobber is a local content-addressed blob store.
//
// Files are identified by a digest of their content, stored immutably under
// that digest and retrieved by full identifier or digest prefix across an
// ordered search path of storage roots. Members of stored ZIP archives can
// be addressed by their own identifiers through the metadata file.
//
// Identifiers have the form "<digest>-<name>", where the digest is the first
// 20 bytes of the content's SHA-256 in lowercase base-32 and the name is the
// basename of the file that was stored. See the [hashid] package.
//
// # Quick Start
//
// Build a store from the environment and store a file:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	s, err := blobber.New(cfg)
//	if err != nil {
//	    return err
//	}
//	res, err := s.Put("./report.pdf")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.ID)
//
// Open it later by any unambiguous prefix:
//
//	f, err := s.Open(hashid.New("vfejatzp"))
//
// # Search Path
//
// Lookups consult the default root, the system root when it exists and the
// roots listed in BLOBBER_PATH, in that order; the first root holding a blob
// serves it. Put writes to BLOBBER_PUT_PATH, or the default root.
//
// # Archive Children
//
// A metadata record "<digest> children [...]" lists the members of a stored
// ZIP archive in directory order. Opening an identifier that is not stored
// directly but appears in such a list extracts the matching member from the
// archive.
package blobber
