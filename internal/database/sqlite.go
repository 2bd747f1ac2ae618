package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

// AttachSpec names an extra SQLite database file attached to the
// connection, so cross-database selects can address it by schema name.
type AttachSpec struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// SQLiteConfig holds configuration for the embedded backend.
type SQLiteConfig struct {
	// Path is the database file path; empty means in-memory.
	Path string `json:"path" yaml:"path"`

	// Attach lists databases attached at connection time.
	Attach []AttachSpec `json:"attach" yaml:"attach"`
}

// SQLiteConnection implements Connection over an embedded SQLite database.
// SQLite has no physical partitioning; partition columns are treated as
// ordinary columns, which is sufficient to mirror the primary backend's
// behavior in tests and local development.
type SQLiteConnection struct {
	db   *sql.DB
	path string
}

// NewSQLiteConnection opens (or creates) the database file and attaches any
// configured secondary databases.
func NewSQLiteConnection(cfg SQLiteConfig) (*SQLiteConnection, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, gauerrors.NewExecutionError(gauerrors.CodeStatementFailed, "failed to open sqlite database", err)
	}
	// Single connection: attached databases are per-connection state, and
	// rewrite execution is strictly sequential anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, a := range cfg.Attach {
		if _, err := db.Exec(fmt.Sprintf("attach database '%s' as %s", a.Path, a.Name)); err != nil {
			db.Close()
			return nil, gauerrors.NewExecutionError(gauerrors.CodeStatementFailed,
				fmt.Sprintf("failed to attach database %s", a.Name), err)
		}
	}

	log.Printf("database: opened sqlite connection at %s", dsn)
	return &SQLiteConnection{db: db, path: dsn}, nil
}

// Execute runs one or more statements sequentially.
func (c *SQLiteConnection) Execute(ctx context.Context, sqlText string) error {
	for _, stmt := range SplitStatements(sqlText) {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return gauerrors.NewExecutionError(gauerrors.CodeStatementFailed, "sqlite statement failed", err).
				WithDetails(map[string]interface{}{"sql": stmt})
		}
	}
	return nil
}

// Query runs a select statement and materializes the full result.
func (c *SQLiteConnection) Query(ctx context.Context, sqlText string) (*Result, error) {
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, gauerrors.NewExecutionError(gauerrors.CodeQueryFailed, "sqlite query failed", err).
			WithDetails(map[string]interface{}{"sql": sqlText})
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, gauerrors.NewExecutionError(gauerrors.CodeQueryFailed, "failed to read result columns", err)
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, gauerrors.NewExecutionError(gauerrors.CodeQueryFailed, "failed to scan result row", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, gauerrors.NewExecutionError(gauerrors.CodeQueryFailed, "result iteration failed", err)
	}
	return result, nil
}

// ListPartitionKeys returns the distinct partition-key tuples in a table.
func (c *SQLiteConnection) ListPartitionKeys(ctx context.Context, table string, partitionColumns []string) ([]types.PartitionKey, error) {
	return listPartitionKeys(ctx, c, table, partitionColumns)
}

// DescribeTable reports the table's identity. SQLite has no storage
// location and its catalog does not model partition columns.
func (c *SQLiteConnection) DescribeTable(ctx context.Context, name string) (*TableInfo, error) {
	exists, err := c.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, gauerrors.Newf(gauerrors.ErrCategoryExecution, gauerrors.CodeTableNotFound,
			"table %s does not exist", name)
	}
	return &TableInfo{Name: name}, nil
}

// TableExists reports whether the table exists in the main database.
func (c *SQLiteConnection) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		"select count(*) from sqlite_master where type = 'table' and name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, gauerrors.NewExecutionError(gauerrors.CodeQueryFailed, "failed to check table existence", err)
	}
	return count > 0, nil
}

// CreateTable creates a new empty table from an explicit column list.
func (c *SQLiteConnection) CreateTable(ctx context.Context, spec CreateSpec) error {
	defs := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		defs[i] = col.Name + " " + col.Type
	}
	return c.Execute(ctx, fmt.Sprintf("create table %s (%s)", spec.Name, strings.Join(defs, ", ")))
}

// CloneTable creates an empty copy of a table's schema.
func (c *SQLiteConnection) CloneTable(ctx context.Context, spec CloneSpec) error {
	return c.Execute(ctx, fmt.Sprintf("create table %s\nas select *\nfrom %s\nwhere 1 = 0", spec.Target, spec.Source))
}

// DropTable drops a table if it exists.
func (c *SQLiteConnection) DropTable(ctx context.Context, name string) error {
	return c.Execute(ctx, fmt.Sprintf("drop table if exists %s", name))
}

// Close closes the underlying database handle.
func (c *SQLiteConnection) Close() error {
	return c.db.Close()
}
