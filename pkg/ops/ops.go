// Package ops exposes the filestore-library-level operations a caller
// embedding this module needs directly, without going through a CLI:
// inserting a file under its computed key, checking which
// repositories currently hold a row's bytes, and repairing a single
// key between two filestores without a full catalog diff.
package ops

import (
	"context"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/google/uuid"
)

// Inserter stages file insertions against one table. The catalog row is
// buffered immediately; the bytes stay at their source path until the
// table's flush commits the catalog, and only then does the registered
// flush hook move them into the filestore. The ordering is load-bearing:
// killed before the commit, the source file is still at its original
// path and a re-import retries it; killed after, the committed row is
// sync-eligible and the bytes are either in the filestore or still at
// the source.
type Inserter struct {
	CAS   *filestore.CAS
	Table *catalog.FileTable

	mu     sync.Mutex
	staged []stagedFile
}

type stagedFile struct {
	path string
	key  filekey.Key
}

// NewInserter builds an Inserter and registers its byte-moving step as
// a flush hook on table, so it runs after each catalog commit.
func NewInserter(cas *filestore.CAS, table *catalog.FileTable) *Inserter {
	ins := &Inserter{CAS: cas, Table: table}
	table.AddFlushHook(ins.moveStaged)
	return ins
}

// InsertFile computes the key for the bytes at path and records the
// insertion against the table for owner. The file itself is only staged;
// the flush hook moves it once the catalog commit lands.
func (i *Inserter) InsertFile(ctx context.Context, path string, row catalog.Row, owner uuid.UUID) (filekey.Key, error) {
	key, err := i.CAS.Format.FromFile(path, "")
	if err != nil {
		return "", err
	}
	// Staged before the insert: crossing the batch threshold flushes
	// inside InsertFileSource, and the hook must see this file then.
	i.mu.Lock()
	i.staged = append(i.staged, stagedFile{path: path, key: key})
	i.mu.Unlock()

	if err := i.Table.InsertFileSource(ctx, key, row, owner); err != nil {
		return "", err
	}
	return key, nil
}

// moveStaged is the flush hook: it moves every staged file into the
// filestore, after the catalog commit. A key the filestore already has
// is skipped; its bytes are identical by content-addressing. On error
// the remainder is re-staged for the next flush.
func (i *Inserter) moveStaged(ctx context.Context) error {
	i.mu.Lock()
	staged := i.staged
	i.staged = nil
	i.mu.Unlock()

	for idx, f := range staged {
		if _, err := i.CAS.PutFile(ctx, f.path, f.key); err != nil {
			if annexerr.Is(err, annexerr.AlreadyExists) {
				continue
			}
			i.mu.Lock()
			i.staged = append(staged[idx:], i.staged...)
			i.mu.Unlock()
			return err
		}
	}
	return nil
}

// Holder reports one repository's possession status for a row's key.
type Holder struct {
	UUID   uuid.UUID
	Exists bool
}

// Whereis returns, for every repository UUID holding a row for the
// given key columns, whether its filestore currently has the bytes.
// owners maps a repository UUID to the filestore to check; table
// resolves which key each owner claims to hold for row before the
// existence check is made.
func Whereis(ctx context.Context, table *catalog.FileTable, row catalog.Row, owners map[uuid.UUID]filestore.Store) ([]Holder, error) {
	holders := make([]Holder, 0, len(owners))
	for owner, store := range owners {
		key, err := table.GetRow(ctx, owner, row)
		if err != nil {
			continue // this owner has no row for these key columns at all
		}
		possibly, err := store.PossiblyExists(ctx, filekey.Key(key))
		if err != nil {
			return nil, err
		}
		exists := possibly == filestore.Yes
		if possibly == filestore.Maybe {
			exists, err = store.Exists(ctx, filekey.Key(key))
			if err != nil {
				return nil, err
			}
		}
		holders = append(holders, Holder{UUID: owner, Exists: exists})
	}
	return holders, nil
}

// CopyKey moves key's bytes from src to dst directly, without any
// catalog involvement: a single-item version of the sync engine's
// per-item byte move, useful for manual repair.
func CopyKey(ctx context.Context, src, dst filestore.Store, key filekey.Key) error {
	r, err := src.GetFileObject(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	return dst.PutFileObject(ctx, r, key)
}
