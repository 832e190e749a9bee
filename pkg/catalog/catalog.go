// Package catalog wraps a Dolt SQL server connection. Dolt speaks the
// MySQL wire protocol, so the connection itself is a plain database/sql
// handle opened with the MySQL driver; the value this package adds is
// the branch-aware vocabulary layered on top: one branch per dataset
// replica, union branches for diffing two of them, and the commit
// discipline that keeps a batch of statements atomic from Dolt's point
// of view.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/utils"
)

// Connection describes how to reach a Dolt SQL server: either a Unix
// socket, or a host/port pair. Exactly one of ServerSocket or Hostname
// must be set.
type Connection struct {
	User         string
	Database     string
	Autocommit   bool
	ServerSocket string
	Hostname     string
	Port         int
	ExtraParams  map[string]string
}

// Config configures how a DB is obtained: either dial an already
// running dolt sql-server, or spawn one as a child process rooted at
// DoltDir and dial it once it starts answering.
type Config struct {
	DoltDir         string
	SpawnDoltServer bool
	Connection      Connection
}

// DB is a thin wrapper around *sql.DB plus Dolt's branch vocabulary.
// Execute and ExecuteMany follow their statements with an explicit
// COMMIT, so a batch is durable before control returns to the caller.
type DB struct {
	Database string

	conn   *sql.DB
	server *exec.Cmd
	log    *utils.Logger
}

func dsn(database string, c Connection) string {
	params := []string{"parseTime=true"}
	for k, v := range c.ExtraParams {
		params = append(params, fmt.Sprintf("%s=%s", k, v))
	}
	query := strings.Join(params, "&")

	if c.ServerSocket != "" {
		return fmt.Sprintf("%s@unix(%s)/%s?%s", c.User, c.ServerSocket, database, query)
	}
	port := c.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", c.User, c.Hostname, port, database, query)
}

// Connect opens a DB, either by dialing an existing dolt sql-server or
// by spawning one rooted at cfg.DoltDir and polling it until it
// accepts connections.
func Connect(ctx context.Context, cfg Config, log *utils.Logger) (*DB, error) {
	if log == nil {
		log = utils.NewLogger(utils.INFO, os.Stderr)
	}

	var cmd *exec.Cmd
	if cfg.SpawnDoltServer {
		spawned, err := spawnServer(cfg.DoltDir, log)
		if err != nil {
			return nil, err
		}
		cmd = spawned
	}

	conn, err := sql.Open("mysql", dsn(cfg.Connection.Database, cfg.Connection))
	if err != nil {
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		return nil, annexerr.New(annexerr.Fatal, "opening catalog connection").WithComponent("catalog").WithCause(err)
	}

	if err := waitForServer(ctx, conn, log); err != nil {
		if cmd != nil {
			_ = cmd.Process.Kill()
		}
		return nil, err
	}

	db := &DB{Database: cfg.Connection.Database, conn: conn, server: cmd, log: log}
	if err := db.garbageCollect(ctx); err != nil {
		log.Warn("dolt gc failed, continuing: %v", err)
	}
	return db, nil
}

// spawnServer execs `dolt sql-server` with its working directory set
// to doltDir, matching DoltSqlServer.spawn_dolt_server.
func spawnServer(doltDir string, log *utils.Logger) (*exec.Cmd, error) {
	cmd := exec.Command("dolt", "sql-server")
	cmd.Dir = doltDir
	if err := cmd.Start(); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "spawning dolt sql-server").WithComponent("catalog").WithCause(err)
	}
	return cmd, nil
}

// waitForServer polls the connection with Ping until it succeeds or
// ctx is cancelled. A freshly spawned server takes a moment before it
// accepts connections.
func waitForServer(ctx context.Context, conn *sql.DB, log *utils.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if err := conn.PingContext(ctx); err == nil {
			return nil
		} else {
			log.Debug("waiting for SQL server: %v", err)
		}
		select {
		case <-ctx.Done():
			return annexerr.New(annexerr.Transient, "timed out waiting for catalog server").WithComponent("catalog").WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (db *DB) garbageCollect(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "CALL DOLT_GC()")
	if err != nil && !strings.Contains(err.Error(), "no changes since last gc") {
		return err
	}
	return nil
}

// Close terminates the spawned server process, if any, and closes the
// connection.
func (db *DB) Close() error {
	err := db.conn.Close()
	if db.server != nil {
		_ = db.server.Process.Kill()
	}
	return err
}

// Execute runs a single statement and commits, matching
// DoltSqlServer.execute's execute-then-COMMIT pairing.
func (db *DB) Execute(ctx context.Context, sqlStmt string, args ...interface{}) error {
	if _, err := db.conn.ExecContext(ctx, sqlStmt, args...); err != nil {
		return annexerr.New(annexerr.Transient, "executing statement").WithComponent("catalog").WithCause(err)
	}
	return db.commit(ctx)
}

// ExecuteMany runs sqlStmt once per row in rows inside a single
// transaction, then commits once, matching executemany's
// one-transaction-many-rows shape.
func (db *DB) ExecuteMany(ctx context.Context, sqlStmt string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return annexerr.New(annexerr.Transient, "beginning transaction").WithComponent("catalog").WithCause(err)
	}
	stmt, err := tx.PrepareContext(ctx, sqlStmt)
	if err != nil {
		tx.Rollback()
		return annexerr.New(annexerr.Fatal, "preparing statement").WithComponent("catalog").WithCause(err)
	}
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			tx.Rollback()
			return annexerr.New(annexerr.Transient, "executing batched row").WithComponent("catalog").WithCause(err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return annexerr.New(annexerr.Transient, "committing transaction").WithComponent("catalog").WithCause(err)
	}
	return db.commit(ctx)
}

func (db *DB) commit(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "COMMIT")
	if err != nil {
		return annexerr.New(annexerr.Transient, "committing").WithComponent("catalog").WithCause(err)
	}
	return nil
}

// Query runs a read-only query and returns the raw rows for the caller
// to scan.
func (db *DB) Query(ctx context.Context, sqlStmt string, args ...interface{}) (*sql.Rows, error) {
	rows, err := db.conn.QueryContext(ctx, sqlStmt, args...)
	if err != nil {
		return nil, annexerr.New(annexerr.Transient, "querying catalog").WithComponent("catalog").WithCause(err)
	}
	return rows, nil
}

// Rows is the subset of *sql.Rows the catalog's readers need; the
// concrete *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Conn is the slice of DB a FileTable operates through. *DB implements
// it against a live server; tests substitute an in-memory fake.
type Conn interface {
	DatabaseName() string
	MaybeCreateBranch(ctx context.Context, branch, startPoint string) error
	ExecuteMany(ctx context.Context, sqlStmt string, rows [][]interface{}) error
	Commit(ctx context.Context, message string) error
	QueryRows(ctx context.Context, sqlStmt string, args ...interface{}) (Rows, error)
}

var _ Conn = (*DB)(nil)

// DatabaseName reports the logical database this connection serves.
func (db *DB) DatabaseName() string { return db.Database }

// QueryRows is Query behind the Conn interface.
func (db *DB) QueryRows(ctx context.Context, sqlStmt string, args ...interface{}) (Rows, error) {
	return db.Query(ctx, sqlStmt, args...)
}

// branchExists reports whether branch is present in dolt_branches.
func (db *DB) branchExists(ctx context.Context, branch string) (bool, error) {
	rows, err := db.Query(ctx, "SELECT 1 FROM dolt_branches WHERE name = ? LIMIT 1", branch)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// MaybeCreateBranch creates branch from startPoint if it doesn't
// already exist, then switches the connection's session to it, via
// Dolt's DOLT_BRANCH/DOLT_CHECKOUT stored procedures.
func (db *DB) MaybeCreateBranch(ctx context.Context, branch, startPoint string) error {
	exists, err := db.branchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.conn.ExecContext(ctx, "CALL DOLT_BRANCH(?, ?)", branch, startPoint); err != nil {
			return annexerr.New(annexerr.Fatal, "creating branch").WithComponent("catalog").WithDetail("branch", branch).WithCause(err)
		}
	}
	_, err = db.conn.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", branch)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "checking out branch").WithComponent("catalog").WithDetail("branch", branch).WithCause(err)
	}
	return nil
}

// SetBranch checks out ref for this connection's session and returns a
// restore function that switches back to whatever was checked out
// before. Callers defer the restore so a branch switch never outlives
// its scope, on success or error paths alike.
func (db *DB) SetBranch(ctx context.Context, ref string) (func() error, error) {
	var prev string
	row := db.conn.QueryRowContext(ctx, "SELECT active_branch()")
	if err := row.Scan(&prev); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "resolving active branch").WithComponent("catalog").WithCause(err)
	}
	if _, err := db.conn.ExecContext(ctx, "CALL DOLT_CHECKOUT(?)", ref); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "checking out branch").WithComponent("catalog").WithDetail("branch", ref).WithCause(err)
	}
	restore := func() error {
		_, err := db.conn.ExecContext(context.Background(), "CALL DOLT_CHECKOUT(?)", prev)
		return err
	}
	return restore, nil
}

// Merge merges branch into the currently checked out branch.
func (db *DB) Merge(ctx context.Context, branch string) error {
	_, err := db.conn.ExecContext(ctx, "CALL DOLT_MERGE(?)", branch)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "merging branch").WithComponent("catalog").WithDetail("branch", branch).WithCause(err)
	}
	return nil
}

// Commit creates a version-control commit on the currently checked-out
// branch covering every staged change. A commit with nothing staged is
// not an error: REPLACE INTO a row with identical values leaves no
// diff, and callers (FileTable.Flush) must still be able to treat that
// as success.
func (db *DB) Commit(ctx context.Context, message string) error {
	_, err := db.conn.ExecContext(ctx, "CALL DOLT_COMMIT('-am', ?)", message)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return annexerr.New(annexerr.Fatal, "creating commit").WithComponent("catalog").WithCause(err)
	}
	return nil
}

// HashOf returns the commit hash for ref, the Go-side equivalent of
// Dolt's HASHOF(ref) SQL function used directly inline elsewhere.
func (db *DB) HashOf(ctx context.Context, ref string) (string, error) {
	var hash string
	row := db.conn.QueryRowContext(ctx, "SELECT HASHOF(?)", ref)
	if err := row.Scan(&hash); err != nil {
		return "", annexerr.New(annexerr.Fatal, "resolving ref").WithComponent("catalog").WithDetail("ref", ref).WithCause(err)
	}
	return hash, nil
}

// PullBranch fetches and fast-forwards branch from a remote peer's
// database named by remoteName, the Go equivalent of the Dataset's
// pull_from hook.
func (db *DB) PullBranch(ctx context.Context, remoteName, branch string) error {
	_, err := db.conn.ExecContext(ctx, "CALL DOLT_PULL(?, ?)", remoteName, branch)
	if err != nil {
		return annexerr.New(annexerr.Transient, "pulling branch").WithComponent("catalog").WithDetail("branch", branch).WithCause(err)
	}
	return nil
}
