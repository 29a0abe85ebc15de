package sitedb

import (
	"context"
)

// Row maps column name to value. A nil value is SQL NULL.
type Row map[string]*string

// Database is the narrow surface the migration engine needs from the host's
// relational database.
type Database interface {
	// Schema operations
	ListTables(ctx context.Context, prefix string) ([]string, error)
	CreateStatement(ctx context.Context, table string) (string, error)
	ExecDDL(ctx context.Context, ddl string) error

	// Row operations
	SelectAll(ctx context.Context, table string) ([]string, []Row, error)
	BulkInsert(ctx context.Context, table string, columns []string, rows []Row) error
	DeleteWhere(ctx context.Context, table, column string, values []string) error
	CountRows(ctx context.Context, table string) (int64, error)

	Close() error
}

// Dialect selects the engine-specific catalog queries
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Str returns a pointer to s, for building rows
func Str(s string) *string {
	return &s
}
