// Package dataset owns a set of per-table catalog buffers for one
// dataset and ensures the local repository's branch exists for each of
// its tables before any insert is attempted.
package dataset

import (
	"context"
	"fmt"

	"github.com/featherbutt/dolt-annex/pkg/catalog"
	"github.com/featherbutt/dolt-annex/pkg/registry"
	"github.com/featherbutt/dolt-annex/pkg/utils"
	"github.com/google/uuid"
)

// Dataset is the owner of every FileTable belonging to one dataset
// schema, for one local repository.
type Dataset struct {
	DB        *catalog.DB
	Schema    registry.DatasetSchema
	LocalUUID uuid.UUID

	tables map[string]*catalog.FileTable
}

// BranchName returns the per-repository, per-dataset branch name for
// owner: "{uuid}-{dataset}".
func BranchName(owner uuid.UUID, datasetName string) string {
	return fmt.Sprintf("%s-%s", owner, datasetName)
}

// UnionBranchName returns the deterministic union branch name for a
// pair of peers, "union-{min(uuid)}-{max(uuid)}-{dataset}". The pair is
// ordered lexicographically so either direction of sync names the same
// branch.
func UnionBranchName(a, b uuid.UUID, datasetName string) string {
	lo, hi := a.String(), b.String()
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("union-%s-%s-%s", lo, hi, datasetName)
}

// New builds a Dataset from schema, eagerly ensuring localUUID's branch
// exists for every table, so the first insert never races branch
// creation.
func New(ctx context.Context, db *catalog.DB, schema registry.DatasetSchema, localUUID uuid.UUID, batchSize int, log *utils.Logger) (*Dataset, error) {
	d := &Dataset{
		DB:        db,
		Schema:    schema,
		LocalUUID: localUUID,
		tables:    make(map[string]*catalog.FileTable, len(schema.Tables)),
	}
	branch := BranchName(localUUID, schema.Name)
	for _, tableSchema := range schema.Tables {
		if err := db.MaybeCreateBranch(ctx, branch, schema.EmptyTableRef); err != nil {
			return nil, err
		}
		d.tables[tableSchema.Name] = catalog.NewFileTable(db, tableSchema, schema.Name, schema.EmptyTableRef, batchSize, log)
	}
	return d, nil
}

// Table returns the buffered catalog table named name, if the dataset
// schema declares one.
func (d *Dataset) Table(name string) (*catalog.FileTable, bool) {
	t, ok := d.tables[name]
	return t, ok
}

// MustTable is Table but panics on an unknown table name; dataset
// schemas are fixed descriptors loaded once at startup, so a caller
// asking for an undeclared table is a programming error, not routine
// failure.
func (d *Dataset) MustTable(name string) *catalog.FileTable {
	t, ok := d.tables[name]
	if !ok {
		panic(fmt.Sprintf("dataset: unknown table %q in dataset %q", name, d.Schema.Name))
	}
	return t
}

// FlushAll flushes every table's buffer, in schema order.
func (d *Dataset) FlushAll(ctx context.Context) error {
	for _, tableSchema := range d.Schema.Tables {
		if err := d.tables[tableSchema.Name].Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PullFrom asks the catalog engine to fetch and fast-forward the local
// repository's branch for this dataset from a remote peer named
// remoteName (a Dolt remote, not a repository UUID).
func (d *Dataset) PullFrom(ctx context.Context, remoteName string) error {
	return d.DB.PullBranch(ctx, remoteName, BranchName(d.LocalUUID, d.Schema.Name))
}
