package sitedb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"sitemigrate/internal/errs"
)

// insertBatchSize bounds the number of rows per INSERT statement
const insertBatchSize = 100

// SQLDB implements Database over database/sql
type SQLDB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the host database and verifies it is reachable
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLDB, error) {
	var driverName string
	switch dialect {
	case DialectMySQL:
		driverName = "mysql"
	case DialectSQLite:
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer; keeps DDL and inserts on the same connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Unavailable("ping database", err)
	}

	return New(db, dialect), nil
}

// New wraps an existing handle
func New(db *sql.DB, dialect Dialect) *SQLDB {
	return &SQLDB{db: db, dialect: dialect}
}

// ListTables returns tables whose name starts with prefix, sorted
func (s *SQLDB) ListTables(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeLike(prefix) + "%"

	var (
		rows *sql.Rows
		err  error
	)
	switch s.dialect {
	case DialectMySQL:
		rows, err = s.db.QueryContext(ctx,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' AND table_name LIKE ?`,
			pattern)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name LIKE ? ESCAPE '\'`,
			pattern)
	}
	if err != nil {
		return nil, classify("list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("list tables", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list tables", err)
	}

	sort.Strings(tables)
	return tables, nil
}

// CreateStatement returns the engine's canonical DDL for recreating table
func (s *SQLDB) CreateStatement(ctx context.Context, table string) (string, error) {
	var ddl string
	switch s.dialect {
	case DialectMySQL:
		var name string
		err := s.db.QueryRowContext(ctx, "SHOW CREATE TABLE "+QuoteIdent(table)).Scan(&name, &ddl)
		if err != nil {
			return "", classify("show create table "+table, err)
		}
	default:
		err := s.db.QueryRowContext(ctx,
			"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&ddl)
		if err != nil {
			return "", classify("read schema of "+table, err)
		}
	}
	return ddl, nil
}

// ExecDDL executes a schema statement
func (s *SQLDB) ExecDDL(ctx context.Context, ddl string) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify("exec ddl", err)
	}
	return nil
}

// SelectAll reads every row of table along with its column order
func (s *SQLDB) SelectAll(ctx context.Context, table string) ([]string, []Row, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(table))
	if err != nil {
		return nil, nil, classify("select from "+table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, classify("read columns of "+table, err)
	}

	var out []Row
	values := make([]sql.NullString, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, classify("scan row of "+table, err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if values[i].Valid {
				row[col] = Str(values[i].String)
			} else {
				row[col] = nil
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("read rows of "+table, err)
	}

	return columns, out, nil
}

// BulkInsert writes rows in batches within one transaction. REPLACE semantics
// let rows overwrite an existing primary key instead of failing on it.
func (s *SQLDB) BulkInsert(ctx context.Context, table string, columns []string, rows []Row) error {
	if len(rows) == 0 || len(columns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin insert into "+table, err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	head := fmt.Sprintf("REPLACE INTO %s (%s) VALUES ", QuoteIdent(table), strings.Join(quoted, ", "))

	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		tuples := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		for i, row := range batch {
			tuples[i] = tuple
			for _, col := range columns {
				args = append(args, bindValue(row[col]))
			}
		}
		if _, err := tx.ExecContext(ctx, head+strings.Join(tuples, ", "), args...); err != nil {
			return classify("insert into "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit insert into "+table, err)
	}
	return nil
}

// bindValue passes text as a string and anything else as raw bytes, so
// binary column values keep their bytes and blob affinity
func bindValue(v *string) any {
	switch {
	case v == nil:
		return nil
	case utf8.ValidString(*v):
		return *v
	default:
		return []byte(*v)
	}
}

// DeleteWhere removes rows whose column value is in values
func (s *SQLDB) DeleteWhere(ctx context.Context, table, column string, values []string) error {
	for start := 0; start < len(values); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(values) {
			end = len(values)
		}
		batch := values[start:end]
		args := make([]any, len(batch))
		for i, v := range batch {
			args[i] = v
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", QuoteIdent(table), QuoteIdent(column),
			strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", "))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return classify("delete from "+table, err)
		}
	}
	return nil
}

// CountRows returns the number of rows in table
func (s *SQLDB) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n); err != nil {
		return 0, classify("count rows of "+table, err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLDB) Close() error {
	return s.db.Close()
}

// QuoteIdent backtick-quotes an identifier; both MySQL and SQLite accept it
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// classify marks connection-level failures as storage unavailability so the
// orchestrator can treat them as fatal.
func classify(op string, err error) error {
	if isConnectionError(err) {
		return errs.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
