// Package sync implements the cross-branch diff-and-move engine: given
// two repositories and a dataset table, it finds every key-column tuple
// the source asserts that the destination doesn't, streams the
// corresponding bytes across, and records the destination's new
// assertion in its catalog batch.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/featherbutt/dolt-annex/internal/circuit"
	"github.com/featherbutt/dolt-annex/internal/metrics"
	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/dataset"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/featherbutt/dolt-annex/pkg/retry"
	"github.com/featherbutt/dolt-annex/pkg/utils"
	"github.com/google/uuid"
)

// Peer is one side of a sync: the repository's identity and the
// filestore holding (some of) its bytes.
type Peer struct {
	UUID  uuid.UUID
	Store filestore.Store
}

// Engine drives moves for one table of one dataset between peers that
// share the same catalog connection (local and remote catalog branches
// both live in the same version-controlled database; only the bytes
// live in separate filestores).
type Engine struct {
	DB          *catalog.DB
	DatasetName string
	Table       catalog.FileTableSchema
	FileTable   *catalog.FileTable
	PageSize    int
	Retryer     *retry.Retryer
	Breaker     *circuit.CircuitBreaker
	Metrics     *metrics.Collector
	Log         *utils.Logger
}

// NewEngine builds a sync Engine with sane defaults for PageSize and
// Retryer when left unset.
func NewEngine(db *catalog.DB, datasetName string, table catalog.FileTableSchema, fileTable *catalog.FileTable, log *utils.Logger) *Engine {
	return &Engine{
		DB:          db,
		DatasetName: datasetName,
		Table:       table,
		FileTable:   fileTable,
		PageSize:    500,
		Retryer:     retry.New(retry.DefaultConfig()),
		Breaker:     circuit.NewCircuitBreaker(fmt.Sprintf("sync.%s.%s", datasetName, table.Name), circuit.Config{}),
		Metrics:     metrics.NewCollector(nil),
		Log:         log,
	}
}

// diffRow is one page row from dolt_commit_diff_{table}.
type diffRow struct {
	key      filekey.Key
	diffType string
	row      catalog.Row
}

// unionBranch ensures the union branch for (a, b) exists, forked from
// a's branch, and merges a's branch then b's branch into it. The union
// branch is monotone: repeated syncs reuse it and only ever accumulate
// rows.
func (e *Engine) unionBranch(ctx context.Context, a, b uuid.UUID) (string, error) {
	aBranch := dataset.BranchName(a, e.DatasetName)
	bBranch := dataset.BranchName(b, e.DatasetName)
	union := dataset.UnionBranchName(a, b, e.DatasetName)

	if err := e.DB.MaybeCreateBranch(ctx, union, aBranch); err != nil {
		return "", err
	}
	if err := e.DB.Merge(ctx, aBranch); err != nil {
		return "", err
	}
	if err := e.DB.Merge(ctx, bBranch); err != nil {
		return "", err
	}
	if err := e.DB.Commit(ctx, fmt.Sprintf("merge %s and %s into %s", aBranch, bBranch, union)); err != nil {
		return "", err
	}
	return union, nil
}

// diffPage queries one page of dolt_commit_diff_{table} rows that exist
// on unionBranch but not on bBranch. There is no offset: every flush
// commits the destination branch, so rows already moved drop out of the
// next page's diff on their own.
func (e *Engine) diffPage(ctx context.Context, bBranch, unionBranch string, filters []catalog.TableFilter) ([]diffRow, error) {
	fileCol := "to_" + e.Table.FileColumn
	keyCols := make([]string, len(e.Table.KeyColumns))
	for i, c := range e.Table.KeyColumns {
		keyCols[i] = "to_" + c
	}
	columns := append([]string{fileCol, "diff_type"}, keyCols...)

	query := fmt.Sprintf(
		"SELECT %s FROM dolt_commit_diff_%s WHERE from_commit = HASHOF(?) AND to_commit = HASHOF(?) AND diff_type != 'removed'",
		strings.Join(columns, ", "), e.Table.Name)
	args := []interface{}{bBranch, unionBranch}

	for _, f := range filters {
		query += fmt.Sprintf(" AND to_%s = ?", f.Column)
		args = append(args, f.Value)
	}
	query += " LIMIT ?"
	args = append(args, e.PageSize)

	rows, err := e.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []diffRow
	for rows.Next() {
		var fileKey string
		var diffType string
		key := make(catalog.Row, len(e.Table.KeyColumns))
		dest := make([]interface{}, 0, len(columns))
		dest = append(dest, &fileKey, &diffType)
		for i := range key {
			dest = append(dest, &key[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, annexerr.New(annexerr.Fatal, "scanning diff row").WithComponent("sync").WithCause(err)
		}
		out = append(out, diffRow{key: filekey.Key(fileKey), diffType: diffType, row: key})
	}
	return out, rows.Err()
}

// ModifiedConflictError is returned when the same key columns resolve
// to two different file keys on the two peers being diffed: a protocol
// inconsistency, fatal and never retried.
type ModifiedConflictError struct {
	Key filekey.Key
	Row catalog.Row
}

func (e *ModifiedConflictError) Error() string {
	return fmt.Sprintf("modified conflict for key %s (row %v)", e.Key, e.Row)
}

// MoveTable streams every key the source (from) asserts and the
// destination (to) doesn't into the destination's filestore, recording
// each in the destination's catalog batch, until a page comes back
// empty. Cancellation is honored between pages; an in-flight transfer
// is never cut midway.
func (e *Engine) MoveTable(ctx context.Context, from, to Peer, filters []catalog.TableFilter) (int, error) {
	union, err := e.unionBranch(ctx, from.UUID, to.UUID)
	if err != nil {
		return 0, err
	}
	bBranch := dataset.BranchName(to.UUID, e.DatasetName)

	moved := 0
	for {
		select {
		case <-ctx.Done():
			return moved, ctx.Err()
		default:
		}

		page, err := e.diffPage(ctx, bBranch, union, filters)
		if err != nil {
			return moved, err
		}
		if len(page) == 0 {
			break
		}

		for _, item := range page {
			if item.diffType == "modified" {
				return moved, annexerr.New(annexerr.ModifiedConflict, "diff reports modified for key").
					WithComponent("sync").WithDetail("key", string(item.key)).WithCause(&ModifiedConflictError{Key: item.key, Row: item.row})
			}
			if err := e.moveOne(ctx, from.Store, to.Store, item.key); err != nil {
				return moved, err
			}
			if err := e.FileTable.InsertFileSource(ctx, item.key, item.row, to.UUID); err != nil {
				return moved, err
			}
			moved++
		}

		// Flushing commits the destination branch, which removes this
		// page's rows from the next diff; the loop re-queries from the
		// top until a page comes back empty.
		if err := e.FileTable.Flush(ctx); err != nil {
			return moved, err
		}
		if len(page) < e.PageSize {
			break
		}
	}
	return moved, nil
}

// Push moves every key local asserts and remote doesn't from local's
// filestore into remote's, returning how many files moved.
func (e *Engine) Push(ctx context.Context, local, remote Peer, filters []catalog.TableFilter) (int, error) {
	return e.MoveTable(ctx, local, remote, filters)
}

// Pull is the mirror of Push: remote's keys stream into local.
func (e *Engine) Pull(ctx context.Context, local, remote Peer, filters []catalog.TableFilter) (int, error) {
	return e.MoveTable(ctx, remote, local, filters)
}

// Sync runs a push then a pull over the same pair, returning both
// counts. The two directions share one union branch, so the second
// direction's diff reuses the merge the first already made.
func (e *Engine) Sync(ctx context.Context, local, remote Peer, filters []catalog.TableFilter) (pushed, pulled int, err error) {
	pushed, err = e.Push(ctx, local, remote, filters)
	if err != nil {
		return pushed, 0, err
	}
	pulled, err = e.Pull(ctx, local, remote, filters)
	return pushed, pulled, err
}

// moveOne streams key's bytes from src to dst, retrying transient
// failures. It never retries a partially-consumed read: a fresh
// GetFileObject call is made on each attempt.
func (e *Engine) moveOne(ctx context.Context, src, dst filestore.Store, key filekey.Key) error {
	start := time.Now()
	err := e.Breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return e.Retryer.DoWithContext(ctx, func(ctx context.Context) error {
			r, err := src.GetFileObject(ctx, key)
			if err != nil {
				return err
			}
			defer r.Close()
			return dst.PutFileObject(ctx, r, key)
		})
	})
	if e.Metrics != nil {
		e.Metrics.RecordOperation("sync.move", time.Since(start), 0, err == nil)
		if err != nil {
			e.Metrics.RecordError("sync.move", err)
		}
	}
	if err != nil {
		// A structured error already says what went wrong (NotFound,
		// AlreadyExists, ...); re-labeling it Transient would make the
		// retryer's next caller retry the unretryable.
		var typed *annexerr.Error
		if errors.As(err, &typed) {
			return err
		}
		return annexerr.New(annexerr.Transient, "moving key between filestores").
			WithComponent("sync").WithDetail("key", string(key)).WithCause(err)
	}
	if e.Log != nil {
		e.Log.Debug("synced key %s", key)
	}
	return nil
}
