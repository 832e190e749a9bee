package catalog

import (
	"context"
	"fmt"
	"testing"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// opRecorder is an in-memory Conn: it remembers every call in order and
// serves queries by matching args positionally against the key columns
// of previously inserted rows.
type opRecorder struct {
	database string
	ops      []string
	rows     [][]interface{}
}

func (c *opRecorder) DatabaseName() string { return c.database }

func (c *opRecorder) MaybeCreateBranch(ctx context.Context, branch, startPoint string) error {
	c.ops = append(c.ops, "branch")
	return nil
}

func (c *opRecorder) ExecuteMany(ctx context.Context, stmt string, values [][]interface{}) error {
	c.ops = append(c.ops, "insert")
	c.rows = append(c.rows, values...)
	return nil
}

func (c *opRecorder) Commit(ctx context.Context, message string) error {
	c.ops = append(c.ops, "commit")
	return nil
}

func (c *opRecorder) QueryRows(ctx context.Context, stmt string, args ...interface{}) (Rows, error) {
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

func TestDsnUsesUnixSocketWhenSet(t *testing.T) {
	got := dsn("mydb", Connection{User: "root", ServerSocket: "/tmp/dolt.sock"})
	assert.Equal(t, "root@unix(/tmp/dolt.sock)/mydb?parseTime=true", got)
}

func TestDsnDefaultsToPort3306(t *testing.T) {
	got := dsn("mydb", Connection{User: "root", Hostname: "localhost"})
	assert.Equal(t, "root@tcp(localhost:3306)/mydb?parseTime=true", got)
}

func TestFileTableSchemaInsertSQL(t *testing.T) {
	s := FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"repo", "path"}}
	assert.Equal(t, "REPLACE INTO blobs (file_key, repo, path) VALUES (?, ?, ?)", s.InsertSQL())
}

// TestFileTableBuffersBelowThreshold checks that InsertFileSource only
// buffers in memory, never touching the catalog connection, as long as
// the configured batch size isn't crossed — this is what lets the ops
// tests construct a *FileTable with a nil connection safely.
func TestFileTableBuffersBelowThreshold(t *testing.T) {
	schema := FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}}
	table := NewFileTable(nil, schema, "files", "main", 10, nil)

	owner := uuid.New()
	require.NoError(t, table.InsertFileSource(context.Background(), "SHA256E-s5--abc", Row{"a.txt"}, owner))

	assert.Len(t, table.addedRows[owner], 1)
	assert.Equal(t, 1, table.count)
}

func TestFileTableFlushCommitsCatalogBeforeHooks(t *testing.T) {
	rec := &opRecorder{database: "annex"}
	schema := FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}}
	table := NewFileTable(rec, schema, "files", "main", 10, nil)

	table.AddFlushHook(func(ctx context.Context) error {
		rec.ops = append(rec.ops, "hook")
		return nil
	})

	owner := uuid.New()
	ctx := context.Background()
	require.NoError(t, table.InsertFileSource(ctx, "SHA256E-s5--abc", Row{"a.txt"}, owner))
	require.NoError(t, table.Flush(ctx))

	assert.Equal(t, []string{"branch", "insert", "commit", "hook"}, rec.ops,
		"the flush hook must only run after the catalog commit")
	assert.Empty(t, table.addedRows, "flush must clear the buffer")
}

func TestFileTableGetRowAfterFlush(t *testing.T) {
	rec := &opRecorder{database: "annex"}
	schema := FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}}
	table := NewFileTable(rec, schema, "files", "main", 10, nil)

	owner := uuid.New()
	ctx := context.Background()
	require.NoError(t, table.InsertFileSource(ctx, "SHA256E-s5--abc", Row{"a.txt"}, owner))
	require.NoError(t, table.Flush(ctx))

	got, err := table.GetRow(ctx, owner, Row{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("SHA256E-s5--abc"), got)

	has, err := table.HasRow(ctx, owner, Row{"a.txt"})
	require.NoError(t, err)
	assert.True(t, has)

	_, err = table.GetRow(ctx, owner, Row{"missing.txt"})
	require.Error(t, err)
	assert.True(t, annexerr.Is(err, annexerr.NotFound))
}

func TestNewFileTableClampsNonPositiveBatchSize(t *testing.T) {
	schema := FileTableSchema{Name: "blobs", FileColumn: "file_key", KeyColumns: []string{"path"}}
	table := NewFileTable(nil, schema, "files", "main", 0, nil)
	assert.Equal(t, 1, table.batchSize)
}
