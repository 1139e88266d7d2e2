package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	v1 "github.com/meridian-lab/project-meridian/internal/api/v1"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &Adapter{
		db:                       db,
		stmtSaveEvent:            mustPrepareStmt(t, db, mock, querySaveEvent),
		stmtRetrieveEventsCursor: mustPrepareStmt(t, db, mock, queryRetrieveEventsAfterCursor),
		stmtRetrieveValidSince:   mustPrepareStmt(t, db, mock, queryRetrieveValidEventsSince),
	}

	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)

	return stmt
}

func eventRowColumns() []string {
	return []string{
		"id", "event_time", "event_type", "anonymous_id", "user_id", "session_id", "visit_seq",
		"device_fingerprint", "user_agent", "ip_address",
		"page_url", "page_title", "referrer_url",
		"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
		"gclid", "gbraid", "wbraid",
		"revenue", "currency", "order_id", "product_id", "product_category", "quantity",
		"properties", "ingested_at", "is_valid", "issue",
		"ingest_seq",
	}
}

func addEventRow(rows *sqlmock.Rows, id string, at time.Time, seq int64) *sqlmock.Rows {
	return rows.AddRow(
		id, at, "page_view", "anon-1", "user-1", "sess-1", 1,
		"fp-1", "Mozilla/5.0", "10.0.0.1",
		"https://shop.example.com/", "Home", nil,
		"google", "cpc", "summer", nil, nil,
		nil, nil, nil,
		"0", "USD", nil, nil, nil, 0,
		[]byte(`{"k":"v"}`), at.Add(time.Second), true, nil,
		seq,
	)
}

func TestAdapter_SaveEvent(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success sets ingest seq", func(t *testing.T) {
		adapter, mock, db := newMockAdapter(t)
		defer db.Close()

		evt := &v1.Event{
			ID:          "evt-1",
			Timestamp:   now,
			Type:        "page_view",
			AnonymousID: "anon-1",
			SessionID:   "sess-1",
			Currency:    "USD",
			IngestedAt:  now,
			Valid:       true,
		}

		mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
			WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}).AddRow(int64(42)))

		require.NoError(t, adapter.SaveEvent(context.Background(), evt))
		require.Equal(t, int64(42), evt.IngestSeq)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate maps to ErrDuplicate", func(t *testing.T) {
		adapter, mock, db := newMockAdapter(t)
		defer db.Close()

		evt := &v1.Event{
			ID:          "evt-dup",
			Timestamp:   now,
			Type:        "page_view",
			AnonymousID: "anon-1",
			SessionID:   "sess-1",
			IngestedAt:  now,
		}

		mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
			WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}))

		err := adapter.SaveEvent(context.Background(), evt)
		require.ErrorIs(t, err, storage.ErrDuplicate)
		require.Equal(t, int64(0), evt.IngestSeq)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAdapter_RetrieveEventsAfterCursor(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(eventRowColumns())
	addEventRow(rows, "evt-101", at, 101)
	addEventRow(rows, "evt-102", at.Add(time.Minute), 102)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).
		WithArgs(int64(100), 2).
		WillReturnRows(rows).
		RowsWillBeClosed()

	events, err := adapter.RetrieveEventsAfterCursor(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-101", events[0].ID)
	require.Equal(t, int64(101), events[0].IngestSeq)
	require.Equal(t, "google", events[0].UTMSource)
	require.Equal(t, "v", events[0].Properties["k"])
	require.True(t, events[0].Revenue.Decimal.Equal(decimal.Zero))
	require.Equal(t, "evt-102", events[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_RetrieveValidEventsSince(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	since := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(eventRowColumns())
	addEventRow(rows, "evt-1", since.Add(time.Hour), 1)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveValidEventsSince)).
		WithArgs(since).
		WillReturnRows(rows).
		RowsWillBeClosed()

	events, err := adapter.RetrieveValidEventsSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CountEvents(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryCountEvents)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "valid"}).AddRow(int64(100), int64(93)))

	total, valid, err := adapter.CountEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), total)
	require.Equal(t, int64(93), valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	mock.ExpectPrepare(regexp.QuoteMeta(querySaveEvent)).WillBeClosed()
	stmtSave, err := db.Prepare(querySaveEvent)
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).WillBeClosed()
	stmtCursor, err := db.Prepare(queryRetrieveEventsAfterCursor)
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryRetrieveValidEventsSince)).WillBeClosed()
	stmtValid, err := db.Prepare(queryRetrieveValidEventsSince)
	require.NoError(t, err)

	mock.ExpectClose().WillReturnError(dbCloseErr)

	adapter := &Adapter{
		db:                       db,
		stmtSaveEvent:            stmtSave,
		stmtRetrieveEventsCursor: stmtCursor,
		stmtRetrieveValidSince:   stmtValid,
	}

	err = adapter.Close()
	require.Error(t, err)
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
