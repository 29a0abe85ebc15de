package sitedb

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemigrate/internal/errs"
)

func createMockDB(t *testing.T) (*SQLDB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, DialectMySQL), mock
}

func TestMySQLListTables(t *testing.T) {
	db, mock := createMockDB(t)
	mock.ExpectQuery("(?i)SELECT table_name FROM information_schema.tables .* LIKE").
		WithArgs(`wp\_%`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("wp_users").AddRow("wp_posts"))

	tables, err := db.ListTables(context.Background(), "wp_")
	require.NoError(t, err)
	assert.Equal(t, []string{"wp_posts", "wp_users"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLCreateStatement(t *testing.T) {
	db, mock := createMockDB(t)
	ddl := "CREATE TABLE `wp_posts` (\n  `ID` bigint(20) unsigned NOT NULL AUTO_INCREMENT,\n  PRIMARY KEY (`ID`)\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `wp_posts`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("wp_posts", ddl))

	got, err := db.CreateStatement(context.Background(), "wp_posts")
	require.NoError(t, err)
	assert.Equal(t, ddl, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSelectAllKeepsNulls(t *testing.T) {
	db, mock := createMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `wp_postmeta`")).
		WillReturnRows(sqlmock.NewRows([]string{"meta_id", "post_id", "meta_value"}).
			AddRow("1", "5", "x").
			AddRow("2", "5", nil))

	cols, rows, err := db.SelectAll(context.Background(), "wp_postmeta")
	require.NoError(t, err)
	assert.Equal(t, []string{"meta_id", "post_id", "meta_value"}, cols)
	require.Len(t, rows, 2)
	assert.Equal(t, "x", *rows[0]["meta_value"])
	assert.Nil(t, rows[1]["meta_value"])
}

func TestMySQLBulkInsertUsesReplace(t *testing.T) {
	db, mock := createMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO `wp_options` (`option_id`, `option_name`) VALUES (?, ?), (?, ?)")).
		WithArgs("1", "siteurl", "2", nil).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := db.BulkInsert(context.Background(), "wp_options", []string{"option_id", "option_name"}, []Row{
		{"option_id": Str("1"), "option_name": Str("siteurl")},
		{"option_id": Str("2"), "option_name": nil},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLInvalidConnIsUnavailable(t *testing.T) {
	db, mock := createMockDB(t)
	mock.ExpectExec("DROP TABLE").WillReturnError(mysql.ErrInvalidConn)

	err := db.ExecDDL(context.Background(), "DROP TABLE IF EXISTS `wp_posts`")
	assert.ErrorIs(t, err, errs.ErrStorageUnavailable)
}

func TestMySQLStatementErrorIsNotUnavailable(t *testing.T) {
	db, mock := createMockDB(t)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("Error 1064: You have an error in your SQL syntax"))

	err := db.ExecDDL(context.Background(), "CREATE TABLE broken (")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrStorageUnavailable)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`wp_posts`", QuoteIdent("wp_posts"))
	assert.Equal(t, "`we``ird`", QuoteIdent("we`ird"))
}
