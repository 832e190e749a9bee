package ops

import (
	"context"
	"fmt"
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

// fakeCatalog is an in-memory catalog.Conn: rows are remembered in
// insert order, and queries match their args positionally against the
// key columns.
type fakeCatalog struct {
	database string
	commits  int
	rows     [][]interface{}
}

func (c *fakeCatalog) DatabaseName() string { return c.database }

func (c *fakeCatalog) MaybeCreateBranch(ctx context.Context, branch, startPoint string) error {
	return nil
}

func (c *fakeCatalog) ExecuteMany(ctx context.Context, stmt string, values [][]interface{}) error {
	c.rows = append(c.rows, values...)
	return nil
}

func (c *fakeCatalog) Commit(ctx context.Context, message string) error {
	c.commits++
	return nil
}

func (c *fakeCatalog) QueryRows(ctx context.Context, stmt string, args ...interface{}) (catalog.Rows, error) {
	var out [][]interface{}
	for _, row := range c.rows {
		match := true
		for i, a := range args {
			if i+1 >= len(row) || row[i+1] != a {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return &fakeRows{data: out}, nil
}

type fakeRows struct {
	data [][]interface{}
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx < len(r.data) {
		r.idx++
		return true
	}
	return false
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *[]byte:
			*p = []byte(fmt.Sprint(row[i]))
		case *interface{}:
			*p = row[i]
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

// TestInsertAndReadScenario is the literal insert-and-read walkthrough:
// inserting "hello" under key columns ("p1",) lands at the expected
// SHA256E key, the catalog's GetRow returns that key, and the bytes sit
// on disk at the AnnexFS path derived from the key's locator hash. The
// bytes only move after the flush's catalog commit; before it they stay
// at the source path.
func TestInsertAndReadScenario(t *testing.T) {
	root := t.TempDir()
	store := filestore.NewAnnexFS(root)
	openTB(t, store)
	ctx := context.Background()

	local := uuid.MustParse("3fca31d9-f0dd-424e-b0e9-3cd4a26e9d68")
	cas := filestore.NewCAS(store, filekey.Sha256e{})
	conn := &fakeCatalog{database: "annex"}
	schema := catalog.FileTableSchema{Name: "T", FileColumn: "k", KeyColumns: []string{"path"}}
	table := catalog.NewFileTable(conn, schema, "D", "main", 10, nil)
	ins := NewInserter(cas, table)

	path := filepath.Join(t.TempDir(), "p1.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	row := catalog.Row{"p1"}
	key, err := ins.InsertFile(ctx, path, row, local)
	require.NoError(t, err)

	const want = filekey.Key("SHA256E-s5--2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt")
	assert.Equal(t, want, key)

	// Until the flush commits the catalog, the bytes stay at the source.
	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	require.NoError(t, table.Flush(ctx))
	assert.Equal(t, 1, conn.commits)

	got, err := table.GetRow(ctx, local, row)
	require.NoError(t, err)
	assert.Equal(t, []byte(want), got)

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "the flush hook moves the source file into the annex")
	assert.Equal(t, filepath.Join(root, "091", "de9", string(key)), store.KeyPath(key))
}
