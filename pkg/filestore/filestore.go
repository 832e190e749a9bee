// Package filestore defines the content-addressed byte store abstraction
// and the concrete backends that implement it (AnnexFS, MemoryFS, an
// embedded key-value store, ArchiveFS, UnionFS, a metrics-measuring
// wrapper, an SFTP client, and an S3 client).
package filestore

import (
	"context"
	"io"

	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// Existence is the three-valued result of a possibly-exists lookup.
// Yes and No must be exact; Maybe must be followed by Exists to become
// authoritative.
type Existence int

const (
	No Existence = iota
	Yes
	Maybe
)

func (e Existence) String() string {
	switch e {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "maybe"
	}
}

// FileInfo is the minimal metadata a backend reports about a stored key.
type FileInfo struct {
	Size int64
}

// Handle is returned by Open and represents a scoped session (connections,
// file descriptors). Closing it flushes any buffered writes.
type Handle interface {
	Close() error
}

// Store is a mapping from file keys to bytes. Keys are immutable: no
// operation may mutate the bytes behind an already-present key, and
// re-putting an existing key is rejected with an AlreadyExists
// annexerr.Error.
type Store interface {
	// PutFile makes key resolve to the bytes currently at path. Local
	// backends may move the file; remote backends must copy it.
	PutFile(ctx context.Context, path string, key filekey.Key) error
	// PutFileObject is the same operation, consuming a byte stream.
	PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error
	// PutFileBytes is the same operation, from an in-memory buffer.
	PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error
	// GetFileObject returns a readable stream for key, or a NotFound
	// annexerr.Error if absent. Callers must Close the returned reader.
	GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error)
	// Stat returns size metadata for key.
	Stat(ctx context.Context, key filekey.Key) (FileInfo, error)
	// Exists is an authoritative existence check.
	Exists(ctx context.Context, key filekey.Key) (bool, error)
	// PossiblyExists permits O(1) negative lookups using summaries (e.g.
	// bloom filters). A Maybe result must be followed by Exists to be
	// authoritative; the default implementation for backends without a
	// cheap summary always returns Maybe.
	PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error)
	// Flush commits buffered writes. Idempotent.
	Flush(ctx context.Context) error
	// Open acquires whatever connections/descriptors the backend needs
	// for the scope's lifetime. Flush is implied by closing the handle.
	Open(ctx context.Context) (Handle, error)
}

// nopHandle is returned by backends with nothing to acquire on Open.
type nopHandle struct{ flush func(context.Context) error }

func (h nopHandle) Close() error {
	if h.flush == nil {
		return nil
	}
	return h.flush(context.Background())
}
