package dump

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sitemigrate/internal/errs"
	"sitemigrate/internal/sitedb"
)

// DefaultProtectedTables are never replaced by a restore (suffixes after the
// table prefix).
var DefaultProtectedTables = []string{"sessions", "rate_limits"}

// TableFilter selects tables for a dump
type TableFilter func(name string) bool

// Codec dumps tables from, and restores them into, the host database
type Codec struct {
	db        sitedb.Database
	origin    Origin
	protected map[string]struct{}
	logger    *zap.Logger
}

// NewCodec creates a codec for the site described by origin. protected holds
// table-name suffixes after origin.TablePrefix.
func NewCodec(db sitedb.Database, origin Origin, protected []string, logger *zap.Logger) *Codec {
	p := make(map[string]struct{}, len(protected))
	for _, suffix := range protected {
		p[origin.TablePrefix+suffix] = struct{}{}
	}
	return &Codec{db: db, origin: origin, protected: p, logger: logger}
}

// Origin returns the site this codec works against
func (c *Codec) Origin() Origin {
	return c.origin
}

// IsProtected reports whether restore leaves table untouched
func (c *Codec) IsProtected(table string) bool {
	_, ok := c.protected[table]
	return ok
}

// Tables lists the installation's tables that pass filter
func (c *Codec) Tables(ctx context.Context, filter TableFilter) ([]string, error) {
	all, err := c.db.ListTables(ctx, c.origin.TablePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var out []string
	for _, t := range all {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DumpTable reads one table in full and keeps the rows scope selects
func (c *Codec) DumpTable(ctx context.Context, table string, scope *Scope) (*TableDump, error) {
	ddl, err := c.db.CreateStatement(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}
	columns, rows, err := c.db.SelectAll(ctx, table)
	if err != nil {
		return nil, &RowReadError{Table: table, Err: err}
	}

	if scope.Scoped() {
		kept := rows[:0]
		for _, row := range rows {
			if scope.Keep(table, row) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	return &TableDump{Name: table, SchemaDDL: ddl, Columns: columns, Rows: rows}, nil
}

// Dump captures every table passing filter. A table whose rows cannot be read
// is left out and reported as a warning; connection failures abort.
func (c *Codec) Dump(ctx context.Context, filter TableFilter, scope *Scope) (*DatabaseDump, []Warning, error) {
	tables, err := c.Tables(ctx, func(name string) bool {
		return (filter == nil || filter(name)) && scope.Includes(name)
	})
	if err != nil {
		return nil, nil, err
	}

	out := NewDatabaseDump(c.origin)
	var warnings []Warning
	for _, table := range tables {
		td, err := c.DumpTable(ctx, table, scope)
		if err != nil {
			if IsSkippable(err) {
				c.logger.Warn("Skipping table with unreadable rows", zap.String("table", table), zap.Error(err))
				warnings = append(warnings, Warning{Table: table, Reason: err.Error()})
				continue
			}
			return nil, warnings, err
		}
		out.Add(td)
	}
	return out, warnings, nil
}

// RowReadError marks a failed row read, which a dump tolerates
type RowReadError struct {
	Table string
	Err   error
}

func (e *RowReadError) Error() string {
	return fmt.Sprintf("failed to read rows of %s: %v", e.Table, e.Err)
}

func (e *RowReadError) Unwrap() error {
	return e.Err
}

// IsSkippable reports whether a DumpTable error only costs that table
func IsSkippable(err error) bool {
	var rowErr *RowReadError
	return errors.As(err, &rowErr) && !errors.Is(err, errs.ErrStorageUnavailable) && !errors.Is(err, context.DeadlineExceeded)
}

// TableResult is the outcome of restoring a single table
type TableResult struct {
	Table   string
	Skipped bool
	Rows    int
	// Failure is set when the schema could not be recreated; the table is
	// left as-is and the restore carries on with the next table.
	Failure error
}

// TargetName maps a source table name onto this site's table prefix
func (c *Codec) TargetName(sourcePrefix, table string) string {
	if sourcePrefix == "" || sourcePrefix == c.origin.TablePrefix || !strings.HasPrefix(table, sourcePrefix) {
		return table
	}
	return c.origin.TablePrefix + strings.TrimPrefix(table, sourcePrefix)
}

// RestoreTable replaces one table. With a scope only content tables are
// touched, and only their selected rows are replaced.
func (c *Codec) RestoreTable(ctx context.Context, td *TableDump, source Origin, scope *Scope) (*TableResult, error) {
	name := c.TargetName(source.TablePrefix, td.Name)
	res := &TableResult{Table: name}

	if c.IsProtected(name) || !scope.Includes(name) {
		res.Skipped = true
		return res, nil
	}

	ddl := renameInDDL(td.SchemaDDL, td.Name, name)
	rows := td.Rows

	if scope.Scoped() {
		exists, err := c.tableExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := c.db.ExecDDL(ctx, ddl); err != nil {
				if errors.Is(err, errs.ErrStorageUnavailable) {
					return nil, err
				}
				res.Failure = err
				return res, nil
			}
		}
		kept := make([]sitedb.Row, 0, len(rows))
		for _, row := range rows {
			if scope.Keep(name, row) {
				kept = append(kept, row)
			}
		}
		rows = kept
		if col, keys := scope.Keys(name, rows); len(keys) > 0 {
			if err := c.db.DeleteWhere(ctx, name, col, keys); err != nil {
				return nil, fmt.Errorf("failed to clear selected rows of %s: %w", name, err)
			}
		}
	} else {
		if err := c.db.ExecDDL(ctx, "DROP TABLE IF EXISTS "+sitedb.QuoteIdent(name)); err != nil {
			return nil, fmt.Errorf("failed to drop %s: %w", name, err)
		}
		if err := c.db.ExecDDL(ctx, ddl); err != nil {
			if errors.Is(err, errs.ErrStorageUnavailable) {
				return nil, err
			}
			res.Failure = err
			return res, nil
		}
	}

	rows = c.rewriteRows(source, rows)
	if err := c.db.BulkInsert(ctx, name, td.Columns, rows); err != nil {
		return nil, fmt.Errorf("failed to insert rows into %s: %w", name, err)
	}
	res.Rows = len(rows)
	return res, nil
}

// Restore replays a whole dump in manifest order. Schema failures are
// collected in the report; any other error aborts.
func (c *Codec) Restore(ctx context.Context, d *DatabaseDump, scope *Scope) (*RestoreReport, error) {
	report := &RestoreReport{}
	for _, td := range d.Ordered() {
		res, err := c.RestoreTable(ctx, td, d.Origin, scope)
		if err != nil {
			return report, err
		}
		report.Add(res)
	}
	return report, nil
}

// Add folds a table result into the report
func (r *RestoreReport) Add(res *TableResult) {
	switch {
	case res.Skipped:
		r.Skipped = append(r.Skipped, res.Table)
	case res.Failure != nil:
		r.Failures = append(r.Failures, TableFailure{Table: res.Table, Error: res.Failure.Error()})
	default:
		r.Restored = append(r.Restored, res.Table)
	}
}

func (c *Codec) tableExists(ctx context.Context, name string) (bool, error) {
	tables, err := c.db.ListTables(ctx, name)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == name {
			return true, nil
		}
	}
	return false, nil
}

func (c *Codec) rewriteRows(source Origin, rows []sitedb.Row) []sitedb.Row {
	rw := NewRewriter(source, c.origin)
	if rw == nil {
		return rows
	}
	out := make([]sitedb.Row, len(rows))
	for i, row := range rows {
		nr := make(sitedb.Row, len(row))
		for col, v := range row {
			if v != nil {
				nr[col] = sitedb.Str(rw.Rewrite(*v))
			} else {
				nr[col] = nil
			}
		}
		out[i] = nr
	}
	return out
}

// renameInDDL swaps the table name in a CREATE TABLE header
func renameInDDL(ddl, from, to string) string {
	if from == to {
		return ddl
	}
	for _, form := range [][2]string{
		{sitedb.QuoteIdent(from), sitedb.QuoteIdent(to)},
		{`"` + from + `"`, `"` + to + `"`},
		{"TABLE " + from + " ", "TABLE " + to + " "},
		{"TABLE " + from + "(", "TABLE " + to + "("},
	} {
		if strings.Contains(ddl, form[0]) {
			return strings.Replace(ddl, form[0], form[1], 1)
		}
	}
	return ddl
}
