package sync

import (
	"context"
	"io"
	"testing"

	"github.com/featherbutt/dolt-annex/internal/circuit"
	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/featherbutt/dolt-annex/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTB(t *testing.T, s filestore.Store) {
	t.Helper()
	h, err := s.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
}

func newTestEngine() *Engine {
	return &Engine{
		Table:    catalog.FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}},
		PageSize: 500,
		Retryer:  retry.New(retry.DefaultConfig()),
		Breaker:  circuit.NewCircuitBreaker("test", circuit.Config{}),
	}
}

func TestMoveOneCopiesBytesBetweenStores(t *testing.T) {
	src, dst := filestore.NewMemoryFS(), filestore.NewMemoryFS()
	openTB(t, src)
	openTB(t, dst)
	ctx := context.Background()

	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")
	require.NoError(t, src.PutFileBytes(ctx, []byte("hello"), key))

	e := newTestEngine()
	require.NoError(t, e.moveOne(ctx, src, dst, key))

	r, err := dst.GetFileObject(ctx, key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMoveOnePreservesSourceErrorCategory(t *testing.T) {
	src, dst := filestore.NewMemoryFS(), filestore.NewMemoryFS()
	openTB(t, src)
	openTB(t, dst)
	ctx := context.Background()

	e := newTestEngine()
	e.Retryer = retry.New(retry.Config{MaxAttempts: 1})
	err := e.moveOne(ctx, src, dst, filekey.Key("SHA256E-s5--deadbeef"))
	require.Error(t, err)
	assert.True(t, annexerr.Is(err, annexerr.NotFound),
		"a missing source key should surface as NotFound, not get relabeled Transient")
}

func TestModifiedConflictErrorMessage(t *testing.T) {
	err := &ModifiedConflictError{Key: filekey.Key("SHA256E-s5--abc"), Row: catalog.Row{"p"}}
	assert.Contains(t, err.Error(), "SHA256E-s5--abc")
}
