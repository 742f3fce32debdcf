package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/permastore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	insertLinkQuery  = regexp.QuoteMeta(`INSERT INTO links (token, item_count, created_at) VALUES (?, ?, ?)`)
	insertItemQuery  = regexp.QuoteMeta(`INSERT INTO link_items (token, position, chat_id, message_id) VALUES (?, ?, ?, ?)`)
	selectLinkQuery  = regexp.QuoteMeta(`SELECT item_count, created_at FROM links WHERE token = ?`)
	selectItemsQuery = regexp.QuoteMeta(`SELECT chat_id, message_id FROM link_items WHERE token = ? ORDER BY position ASC`)
	deleteLinkQuery  = regexp.QuoteMeta(`DELETE FROM links WHERE token = ?`)
	deleteItemsQuery = regexp.QuoteMeta(`DELETE FROM link_items WHERE token = ?`)
)

func newStoreWithMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewMySQLStoreFromDB(db), mock, db
}

func TestMySQLStore_Put_Success(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertLinkQuery).
		WithArgs("abc123", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertItemQuery).
		WithArgs("abc123", 0, int64(-100), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertItemQuery).
		WithArgs("abc123", 1, int64(-100), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Put(context.Background(), "abc123", []models.ContentRef{
		{ChatID: -100, MessageID: 11},
		{ChatID: -100, MessageID: 12},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Put_Duplicate(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertLinkQuery).
		WithArgs("abc123", 1, sqlmock.AnyArg()).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc123' for key 'PRIMARY'"})
	mock.ExpectRollback()

	err := store.Put(context.Background(), "abc123", []models.ContentRef{{ChatID: -100, MessageID: 1}})
	assert.ErrorIs(t, err, ErrDuplicateToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Put_ItemErrorRollsBack(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertLinkQuery).
		WithArgs("abc123", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertItemQuery).
		WithArgs("abc123", 0, int64(-100), int64(1)).
		WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := store.Put(context.Background(), "abc123", []models.ContentRef{{ChatID: -100, MessageID: 1}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateToken)
	assert.Contains(t, err.Error(), "db down")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Put_Empty(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	assert.ErrorIs(t, store.Put(context.Background(), "abc123", nil), ErrEmptyBatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Get_Found(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(selectLinkQuery).
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows([]string{"item_count", "created_at"}).AddRow(2, created))
	mock.ExpectQuery(selectItemsQuery).
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows([]string{"chat_id", "message_id"}).
			AddRow(int64(-100), int64(11)).
			AddRow(int64(-100), int64(12)))

	got, err := store.Get(context.Background(), "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.Token)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Equal(t, []models.ContentRef{{ChatID: -100, MessageID: 11}, {ChatID: -100, MessageID: 12}}, got.Refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Get_NotFound(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectLinkQuery).
		WithArgs("zzzz99").
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), "zzzz99")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMySQLStore_Get_DBError(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(selectLinkQuery).
		WithArgs("abc123").
		WillReturnError(errors.New("db err"))

	_, err := store.Get(context.Background(), "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query link")
}

func TestMySQLStore_Delete(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(deleteLinkQuery).WithArgs("abc123").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(deleteItemsQuery).WithArgs("abc123").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), "abc123"))
	require.NoError(t, mock.ExpectationsWereMet())
}
