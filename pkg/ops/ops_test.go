package ops

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTB(t *testing.T, s filestore.Store) {
	t.Helper()
	h, err := s.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
}

func TestCopyKeyMovesBytes(t *testing.T) {
	src, dst := filestore.NewMemoryFS(), filestore.NewMemoryFS()
	openTB(t, src)
	openTB(t, dst)
	ctx := context.Background()

	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")
	require.NoError(t, src.PutFileBytes(ctx, []byte("hello"), key))

	require.NoError(t, CopyKey(ctx, src, dst, key))

	r, err := dst.GetFileObject(ctx, key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

// TestInsertFileLeavesSourceUntilFlush pins the failure-atomicity
// ordering: below the batch threshold, InsertFile only buffers the
// catalog row and stages the file. The bytes must not enter the
// filestore, and the source file must stay at its original path, until
// a flush commits the catalog — a process killed here loses nothing.
func TestInsertFileLeavesSourceUntilFlush(t *testing.T) {
	store := filestore.NewMemoryFS()
	openTB(t, store)
	ctx := context.Background()

	cas := filestore.NewCAS(store, filekey.Sha256e{})
	schema := catalog.FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}}
	table := catalog.NewFileTable(nil, schema, "files", "main", 10, nil)
	ins := NewInserter(cas, table)

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	owner := uuid.New()
	key, err := ins.InsertFile(ctx, path, catalog.Row{"hello.txt"}, owner)
	require.NoError(t, err)
	assert.Equal(t, filekey.Sha256e{}.FromBytes([]byte("hello"), "txt"), key)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists, "bytes must not move before the catalog commit")

	_, statErr := os.Stat(path)
	require.NoError(t, statErr, "source file must remain until the catalog commit")
}
