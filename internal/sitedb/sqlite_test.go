package sitedb

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemigrate/internal/errs"
)

func openSQLite(t *testing.T) *SQLDB {
	t.Helper()
	db, err := Open(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE wp_options (option_id INTEGER PRIMARY KEY AUTOINCREMENT, option_name TEXT NOT NULL, option_value TEXT)"))
	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE other_table (id INTEGER)"))

	tables, err := db.ListTables(ctx, "wp_")
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_options"}, tables)

	ddl, err := db.CreateStatement(ctx, "wp_options")
	require.NoError(t, err)
	assert.Contains(t, ddl, "CREATE TABLE wp_options")

	rows := []Row{
		{"option_id": Str("1"), "option_name": Str("siteurl"), "option_value": Str("http://old.test")},
		{"option_id": Str("2"), "option_name": Str("blogname"), "option_value": nil},
	}
	columns := []string{"option_id", "option_name", "option_value"}
	require.NoError(t, db.BulkInsert(ctx, "wp_options", columns, rows))

	gotCols, gotRows, err := db.SelectAll(ctx, "wp_options")
	require.NoError(t, err)
	assert.Equal(t, columns, gotCols)
	assert.Equal(t, rows, gotRows)

	// colliding primary key replaces instead of failing
	require.NoError(t, db.BulkInsert(ctx, "wp_options", columns, []Row{
		{"option_id": Str("1"), "option_name": Str("siteurl"), "option_value": Str("http://new.test")},
	}))
	n, err := db.CountRows(ctx, "wp_options")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, db.DeleteWhere(ctx, "wp_options", "option_name", []string{"blogname"}))
	n, err = db.CountRows(ctx, "wp_options")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSQLiteBinaryValuesKeepBytes(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE wp_blobs (id INTEGER PRIMARY KEY, data BLOB, note TEXT)"))

	raw := "\xff\xfe\x00bin\x89"
	rows := []Row{{"id": Str("1"), "data": Str(raw), "note": Str("héllo")}}
	require.NoError(t, db.BulkInsert(ctx, "wp_blobs", []string{"id", "data", "note"}, rows))

	_, got, err := db.SelectAll(ctx, "wp_blobs")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte(raw), []byte(*got[0]["data"]))
	assert.Equal(t, "héllo", *got[0]["note"])
}

func TestBindValue(t *testing.T) {
	assert.Nil(t, bindValue(nil))
	assert.Equal(t, "plain", bindValue(Str("plain")))
	assert.Equal(t, []byte{0xff, 'a'}, bindValue(Str("\xffa")))
}

func TestSQLiteListTablesEscapesPrefix(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE wp_posts (id INTEGER)"))
	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE wpXposts (id INTEGER)"))

	tables, err := db.ListTables(ctx, "wp_")
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_posts"}, tables)
}

func TestBulkInsertManyRowsBatches(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.ExecDDL(ctx, "CREATE TABLE wp_log (id INTEGER PRIMARY KEY, msg TEXT)"))

	var rows []Row
	for i := 0; i < insertBatchSize*2+7; i++ {
		rows = append(rows, Row{"id": Str(strconv.Itoa(i)), "msg": Str("m")})
	}
	require.NoError(t, db.BulkInsert(ctx, "wp_log", []string{"id", "msg"}, rows))

	n, err := db.CountRows(ctx, "wp_log")
	require.NoError(t, err)
	assert.EqualValues(t, len(rows), n)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	require.NoError(t, db.Close())

	_, err := db.ListTables(ctx, "wp_")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStorageUnavailable)
}
