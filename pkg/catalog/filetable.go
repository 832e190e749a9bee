package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/utils"
	"github.com/google/uuid"
)

// Row is one row of catalog data for a file, minus the key column
// itself: the ordered key-column values the schema expects.
type Row []interface{}

// TableFilter narrows get_rows by an equality match on one column.
type TableFilter struct {
	Column string
	Value  interface{}
}

// FileTableSchema names a table's file column and the ordered key
// columns that, together with the file key, make the row unique.
type FileTableSchema struct {
	Name       string
	FileColumn string
	KeyColumns []string
}

// InsertSQL builds the REPLACE INTO statement for a batched row,
// mirroring FileTableSchema.insert_sql.
func (s FileTableSchema) InsertSQL() string {
	columns := append([]string{s.FileColumn}, s.KeyColumns...)
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)", s.Name, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}

type pendingRow struct {
	key filekey.Key
	row Row
}

// FileTable batches rows destined for a version-controlled branch per
// owning repository, flushing them as a single transaction per owner
// once a threshold is crossed. Flushing is strictly ordered: the
// catalog commit happens first, then any registered flush hooks run
// (normally the byte-moving step), so a process killed mid-flush never
// loses track of which bytes the catalog already claims to have.
type FileTable struct {
	DB          Conn
	Schema      FileTableSchema
	DatasetName string
	BranchStart string

	mu         sync.Mutex
	addedRows  map[uuid.UUID][]pendingRow
	flushHooks []func(ctx context.Context) error
	batchSize  int
	count      int
	since      time.Time
	log        *utils.Logger
}

func NewFileTable(db Conn, schema FileTableSchema, datasetName, branchStart string, batchSize int, log *utils.Logger) *FileTable {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &FileTable{
		DB:          db,
		Schema:      schema,
		DatasetName: datasetName,
		BranchStart: branchStart,
		addedRows:   make(map[uuid.UUID][]pendingRow),
		batchSize:   batchSize,
		since:       time.Now(),
		log:         log,
	}
}

// AddFlushHook registers a callback run after each flush's catalog
// commit, mirroring add_flush_hook.
func (t *FileTable) AddFlushHook(hook func(ctx context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushHooks = append(t.flushHooks, hook)
}

// InsertFileSource records that key, with the given row values, now
// belongs to the repository identified by source. It is buffered in
// memory until Flush is called, explicitly or via the batch-size
// threshold.
func (t *FileTable) InsertFileSource(ctx context.Context, key filekey.Key, row Row, source uuid.UUID) error {
	t.mu.Lock()
	t.addedRows[source] = append(t.addedRows[source], pendingRow{key: key, row: row})
	t.count++
	shouldFlush := t.count >= t.batchSize
	t.mu.Unlock()

	if shouldFlush {
		return t.Flush(ctx)
	}
	return nil
}

// Flush takes every buffered row out of the buffer, writes and commits
// the rows to their owning branches, then runs the registered flush
// hooks. Rows taken by a flush that fails are not put back into the
// buffer; rows inserted while a flush runs wait for the next one.
func (t *FileTable) Flush(ctx context.Context) error {
	t.mu.Lock()
	pending := t.addedRows
	t.addedRows = make(map[uuid.UUID][]pendingRow)
	t.count = 0
	hooks := append([]func(ctx context.Context) error(nil), t.flushHooks...)
	t.mu.Unlock()

	insertSQL := t.Schema.InsertSQL()
	for source, rows := range pending {
		branch := fmt.Sprintf("%s-%s", source, t.DatasetName)
		if err := t.DB.MaybeCreateBranch(ctx, branch, t.BranchStart); err != nil {
			return err
		}
		values := make([][]interface{}, len(rows))
		for i, r := range rows {
			values[i] = append([]interface{}{string(r.key)}, r.row...)
		}
		if err := t.DB.ExecuteMany(ctx, insertSQL, values); err != nil {
			return err
		}
		// A version-control commit, not merely the SQL transaction commit
		// ExecuteMany already performed, so that a later diff against this
		// branch's HASHOF() sees these rows and sync loops terminate.
		msg := fmt.Sprintf("insert %d rows into %s from %s", len(rows), t.Schema.Name, source)
		if err := t.DB.Commit(ctx, msg); err != nil {
			return err
		}
	}

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	if t.log != nil {
		added := 0
		for _, rows := range pending {
			added += len(rows)
		}
		elapsed := time.Since(t.since)
		t.log.Debug("added %d keys in %.2f seconds", added, elapsed.Seconds())
	}
	t.since = time.Now()
	return nil
}

func (t *FileTable) keyWhereClause(key Row) (string, []interface{}) {
	clauses := make([]string, 0, len(t.Schema.KeyColumns))
	args := make([]interface{}, 0, len(t.Schema.KeyColumns))
	for i, col := range t.Schema.KeyColumns {
		if i >= len(key) {
			break
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", col))
		args = append(args, key[i])
	}
	return strings.Join(clauses, " AND "), args
}

func (t *FileTable) branchQualifiedTable(owner uuid.UUID) string {
	return fmt.Sprintf("`%s/%s-%s`.%s", t.DB.DatabaseName(), owner, t.DatasetName, t.Schema.Name)
}

// HasRow reports whether a row matching key exists in owner's branch.
func (t *FileTable) HasRow(ctx context.Context, owner uuid.UUID, key Row) (bool, error) {
	where, args := t.keyWhereClause(key)
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", t.branchQualifiedTable(owner), where)
	rows, err := t.DB.QueryRows(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// GetRow returns the file-column bytes for the row matching key in
// owner's branch, or NotFound if no row matches.
func (t *FileTable) GetRow(ctx context.Context, owner uuid.UUID, key Row) ([]byte, error) {
	where, args := t.keyWhereClause(key)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", t.Schema.FileColumn, t.branchQualifiedTable(owner), where)
	rows, err := t.DB.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, annexerr.New(annexerr.NotFound, "no matching row").WithComponent("catalog")
	}
	var data []byte
	if err := rows.Scan(&data); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "scanning row").WithComponent("catalog").WithCause(err)
	}
	return data, rows.Err()
}

// GetRows streams every row in owner's branch matching filters,
// yielding (key columns, file bytes) pairs via the callback.
func (t *FileTable) GetRows(ctx context.Context, owner uuid.UUID, filters []TableFilter, yield func(key Row, data []byte) error) error {
	columns := append([]string{t.Schema.FileColumn}, t.Schema.KeyColumns...)
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), t.branchQualifiedTable(owner))
	var args []interface{}
	if len(filters) > 0 {
		clauses := make([]string, len(filters))
		for i, f := range filters {
			clauses[i] = fmt.Sprintf("%s = ?", f.Column)
			args = append(args, f.Value)
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := t.DB.QueryRows(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		dest := make([]interface{}, len(columns))
		var data []byte
		dest[0] = &data
		key := make(Row, len(t.Schema.KeyColumns))
		for i := range t.Schema.KeyColumns {
			dest[i+1] = &key[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return annexerr.New(annexerr.Fatal, "scanning row").WithComponent("catalog").WithCause(err)
		}
		if err := yield(key, data); err != nil {
			return err
		}
	}
	return rows.Err()
}
