// Package blobstore implements the content-addressed blob store described by
// spec.md §5: a flat name -> bytes mapping, keyed by canonical blob names of
// the form "@hostname:path" (see param.FileParam.CanonicalBlobName), with two
// backends grounded on the teacher's own embedded-database and SFTP-fetching
// code.
package blobstore

import (
	"context"
	"io"
	"strings"
)

// Store is the interface every backend implements. Names are not assumed
// unique: Put always creates a new entry under name, Get/Exists act on
// whichever entry the backend currently considers current for that name
// (the oldest surviving one, in both backends below), and DeleteByName
// removes every entry ever stored under name. DeleteByName on a name with no
// entries is a no-op, not an error (spec.md §8 invariant 7).
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	DeleteByName(ctx context.Context, name string) error
}

// hostnameOf extracts the hostname component from a canonical blob name of
// the form "@hostname:path", for naming the host in transfer-token error
// messages. Names that don't follow that convention report "default".
func hostnameOf(name string) string {
	if !strings.HasPrefix(name, "@") {
		return "default"
	}
	rest := name[1:]
	if idx := strings.Index(rest, ":"); idx >= 0 {
		return rest[:idx]
	}
	return "default"
}
