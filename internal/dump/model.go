package dump

import (
	"sitemigrate/internal/sitedb"
)

// TableDump is one table's recreate DDL plus its rows in read order
type TableDump struct {
	Name      string       `json:"name"`
	SchemaDDL string       `json:"schema_ddl"`
	Columns   []string     `json:"columns"`
	Rows      []sitedb.Row `json:"rows"`
}

// PathRoots are the absolute directories of a site, rewritten on import
type PathRoots struct {
	Root    string `json:"root"`
	Content string `json:"content"`
	Uploads string `json:"uploads"`
}

// Origin identifies where a dump was taken from or is restored into
type Origin struct {
	SiteURL     string    `json:"site_url"`
	HomeURL     string    `json:"home_url"`
	TablePrefix string    `json:"table_prefix"`
	Paths       PathRoots `json:"path_roots"`
}

// DatabaseDump is a set of tables with the origin they came from. Order is
// the manifest order tables were captured in.
type DatabaseDump struct {
	Origin Origin
	Tables map[string]*TableDump
	Order  []string
}

// NewDatabaseDump creates an empty dump for origin
func NewDatabaseDump(origin Origin) *DatabaseDump {
	return &DatabaseDump{Origin: origin, Tables: make(map[string]*TableDump)}
}

// Add inserts or replaces a table, keeping the first-seen position
func (d *DatabaseDump) Add(t *TableDump) {
	if _, ok := d.Tables[t.Name]; !ok {
		d.Order = append(d.Order, t.Name)
	}
	d.Tables[t.Name] = t
}

// Ordered returns the tables in manifest order
func (d *DatabaseDump) Ordered() []*TableDump {
	out := make([]*TableDump, 0, len(d.Order))
	for _, name := range d.Order {
		out = append(out, d.Tables[name])
	}
	return out
}

// Warning reports a table left out of a dump
type Warning struct {
	Table  string `json:"table"`
	Reason string `json:"reason"`
}

// TableFailure records a table whose restore was aborted
type TableFailure struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// RestoreReport summarises a restore
type RestoreReport struct {
	Restored []string       `json:"restored"`
	Skipped  []string       `json:"skipped"`
	Failures []TableFailure `json:"failures"`
}
