package dump

import (
	"strconv"

	"sitemigrate/internal/selection"
	"sitemigrate/internal/sitedb"
)

// Content table suffixes a selection can scope
const (
	TablePosts    = "posts"
	TablePostMeta = "postmeta"
	TableOptions  = "options"
)

// WidgetOptionPrefix names the option holding a widget group's settings
const WidgetOptionPrefix = "widget_"

// Scope applies a ContentSelection to tables and rows. A nil *Scope is the
// whole site: every table, every row.
type Scope struct {
	sel    *selection.ContentSelection
	prefix string
}

// NewScope returns nil for a nil selection
func NewScope(sel *selection.ContentSelection, prefix string) *Scope {
	if sel == nil {
		return nil
	}
	return &Scope{sel: sel, prefix: prefix}
}

// Scoped reports whether this is a selection rather than the whole site
func (s *Scope) Scoped() bool {
	return s != nil
}

// Includes reports whether table participates
func (s *Scope) Includes(table string) bool {
	if s == nil {
		return true
	}
	switch table {
	case s.prefix + TablePosts, s.prefix + TablePostMeta, s.prefix + TableOptions:
		return true
	}
	return false
}

// Keep reports whether row of table is selected
func (s *Scope) Keep(table string, row sitedb.Row) bool {
	if s == nil {
		return true
	}
	switch table {
	case s.prefix + TablePosts:
		id, ok := intValue(firstOf(row, "ID", "id"))
		postType := row["post_type"]
		return ok && postType != nil && s.sel.HasPost(*postType, id)
	case s.prefix + TablePostMeta:
		id, ok := intValue(row["post_id"])
		return ok && s.sel.HasPostID(id)
	case s.prefix + TableOptions:
		name := row["option_name"]
		return name != nil && s.optionSelected(*name)
	}
	return false
}

// Keys returns the key column of a content table and the distinct key values
// carried by rows. A scoped restore deletes exactly these before inserting
// rows, so target rows the archive does not replace are left alone.
func (s *Scope) Keys(table string, rows []sitedb.Row) (string, []string) {
	if s == nil {
		return "", nil
	}
	var col string
	switch table {
	case s.prefix + TablePosts:
		col = "ID"
	case s.prefix + TablePostMeta:
		col = "post_id"
	case s.prefix + TableOptions:
		col = "option_name"
	default:
		return "", nil
	}
	seen := make(map[string]struct{}, len(rows))
	var keys []string
	for _, row := range rows {
		v := row[col]
		if col == "ID" {
			v = firstOf(row, "ID", "id")
		}
		if v == nil {
			continue
		}
		if _, dup := seen[*v]; dup {
			continue
		}
		seen[*v] = struct{}{}
		keys = append(keys, *v)
	}
	return col, keys
}

func (s *Scope) optionSelected(name string) bool {
	if s.sel.HasSetting(name) {
		return true
	}
	if len(name) > len(WidgetOptionPrefix) && name[:len(WidgetOptionPrefix)] == WidgetOptionPrefix {
		return s.sel.HasGroup(name[len(WidgetOptionPrefix):])
	}
	return false
}

func firstOf(row sitedb.Row, cols ...string) *string {
	for _, c := range cols {
		if v, ok := row[c]; ok {
			return v
		}
	}
	return nil
}

func intValue(v *string) (int64, bool) {
	if v == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(*v, 10, 64)
	return n, err == nil
}
