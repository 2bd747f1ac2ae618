// Package database provides the database capability consumed by the rewrite
// orchestrator and migration sequencer: execute DDL/DML, run queries, and
// enumerate a table's partitions. There is one Connection implementation per
// backend (Athena, SQLite); callers never branch on a backend kind.
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
)

// StatementDelimiter separates multiple statements batched into a single
// Execute call. Statements are run sequentially, each awaited to completion.
const StatementDelimiter = "-- !break"

// Result holds an ordered tabular query result.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows in the result.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// TableInfo describes a table's identity and physical layout.
type TableInfo struct {
	// Name is the table name within the database.
	Name string

	// Location is the physical storage location (an s3:// prefix for
	// Athena tables). Empty for embedded backends.
	Location string

	// PartitionColumns are the columns that determine physical
	// partitioning, in declaration order. Nil when the backend's catalog
	// does not model partitioning.
	PartitionColumns []string
}

// Column defines a single column in a CreateTable spec.
type Column struct {
	Name string
	Type string
}

// CreateSpec describes a new empty table.
type CreateSpec struct {
	Name     string
	Columns  []Column
	Location string // physical storage location; ignored by embedded backends
}

// CloneSpec describes an empty schema copy of an existing table. The copy
// has the source's columns and partition layout but no rows.
type CloneSpec struct {
	Source           string
	Target           string
	Location         string // storage location for the copy; ignored by embedded backends
	PartitionColumns []string
}

// Connection is the capability interface over a SQL backend. All calls are
// blocking; each may dispatch to a remote compute cluster. Implementations
// hold no shared mutable state across calls beyond their client handles, so
// independent operations on different tables may use separate Connections
// concurrently.
type Connection interface {
	// Execute runs one or more DDL/DML statements (separated by the
	// statement delimiter), sequentially, each awaited to completion.
	Execute(ctx context.Context, sql string) error

	// Query runs a select statement and returns its full result.
	Query(ctx context.Context, sql string) (*Result, error)

	// ListPartitionKeys returns the distinct partition-key tuples present
	// in a table, ordered by the partition columns. Returns nil when
	// partitionColumns is empty.
	ListPartitionKeys(ctx context.Context, table string, partitionColumns []string) ([]types.PartitionKey, error)

	// DescribeTable returns the table's identity and physical layout.
	// Returns an EXECUTION error with code TABLE_NOT_FOUND when the table
	// does not exist.
	DescribeTable(ctx context.Context, name string) (*TableInfo, error)

	// TableExists reports whether the table exists.
	TableExists(ctx context.Context, name string) (bool, error)

	// CreateTable creates a new empty table from an explicit column list.
	CreateTable(ctx context.Context, spec CreateSpec) error

	// CloneTable creates an empty copy of an existing table's schema and
	// partition layout.
	CloneTable(ctx context.Context, spec CloneSpec) error

	// DropTable drops a table and its physical storage. Dropping a table
	// that does not exist is not an error.
	DropTable(ctx context.Context, name string) error

	// Close releases the connection's resources.
	Close() error
}

// SplitStatements splits a SQL batch on the statement delimiter and strips
// surrounding whitespace. Empty fragments are dropped.
func SplitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, StatementDelimiter) {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// listPartitionKeys implements ListPartitionKeys on top of Query; both
// backends share it since `select distinct` is portable.
func listPartitionKeys(ctx context.Context, c Connection, table string, partitionColumns []string) ([]types.PartitionKey, error) {
	if len(partitionColumns) == 0 {
		return nil, nil
	}

	cols := strings.Join(partitionColumns, ", ")
	sql := fmt.Sprintf("select distinct %s\nfrom %s\norder by %s", cols, table, cols)

	result, err := c.Query(ctx, sql)
	if err != nil {
		return nil, err
	}

	keys := make([]types.PartitionKey, 0, result.Len())
	for _, row := range result.Rows {
		keys = append(keys, types.PartitionKey(row))
	}
	return keys, nil
}
