package archive

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"sitemigrate/internal/dump"
	"sitemigrate/internal/sitedb"
)

// tableRecord is the JSON body of a table record. JSON strings cannot carry
// arbitrary bytes, so values that are not valid UTF-8 leave a null in Rows
// and travel base64-encoded in Binary, keyed by row index and column.
type tableRecord struct {
	Name      string                    `json:"name"`
	SchemaDDL string                    `json:"schema_ddl"`
	Columns   []string                  `json:"columns"`
	Rows      []sitedb.Row              `json:"rows"`
	Binary    map[int]map[string][]byte `json:"binary,omitempty"`
}

func encodeTable(td *dump.TableDump) ([]byte, error) {
	rec := tableRecord{Name: td.Name, SchemaDDL: td.SchemaDDL, Columns: td.Columns, Rows: td.Rows}
	for i, row := range td.Rows {
		var copied sitedb.Row
		for col, v := range row {
			if v == nil || utf8.ValidString(*v) {
				continue
			}
			if copied == nil {
				copied = make(sitedb.Row, len(row))
				for k, val := range row {
					copied[k] = val
				}
				if rec.Binary == nil {
					rec.Binary = map[int]map[string][]byte{}
					rec.Rows = append([]sitedb.Row(nil), td.Rows...)
				}
				rec.Binary[i] = map[string][]byte{}
			}
			copied[col] = nil
			rec.Binary[i][col] = []byte(*v)
		}
		if copied != nil {
			rec.Rows[i] = copied
		}
	}
	return json.Marshal(rec)
}

func decodeTable(raw []byte) (*dump.TableDump, error) {
	var rec tableRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	for i, cols := range rec.Binary {
		if i < 0 || i >= len(rec.Rows) || rec.Rows[i] == nil {
			return nil, fmt.Errorf("binary value for missing row %d", i)
		}
		for col, b := range cols {
			rec.Rows[i][col] = sitedb.Str(string(b))
		}
	}
	return &dump.TableDump{Name: rec.Name, SchemaDDL: rec.SchemaDDL, Columns: rec.Columns, Rows: rec.Rows}, nil
}
