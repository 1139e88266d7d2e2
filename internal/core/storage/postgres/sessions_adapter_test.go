package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/meridian-lab/project-meridian/internal/core/session"
	"github.com/meridian-lab/project-meridian/internal/core/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSessionAdapter_FlushSweep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	batch := storage.SweepBatch{
		Sessions: []*session.Session{{
			ID:          "sess-1",
			AnonymousID: "anon-1",
			UserID:      "user-1",
			StartedAt:   now,
			EndedAt:     now.Add(time.Minute),
			Revenue:     decimal.NewFromInt(10),
			UpdatedAt:   now,
		}},
		Profiles: []storage.ProfileDelta{{
			UserID:       "user-1",
			FirstSeen:    now,
			LastSeen:     now.Add(time.Minute),
			SessionDelta: 1,
			EventDelta:   3,
			RevenueDelta: decimal.NewFromInt(10),
			AnonymousIDs: []string{"anon-1"},
		}},
		Links: []storage.IdentityLink{
			{AnonymousID: "anon-1", UserID: "user-1", LinkedAt: now},
		},
		Cursor: 120,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
		WithArgs(checkpointSessionizer).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(100)))
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertSession)).WillBeClosed()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertSession)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertProfile)).WillBeClosed()
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertProfileIdentity)).WillBeClosed()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertProfile)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertProfileIdentity)).
		WithArgs("user-1", "anonymous_id", "anon-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertIdentityLink)).
		WithArgs("anon-1", "user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLinkBackfill(mock, "anon-1", "user-1")
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateCheckpoint)).
		WithArgs(int64(120), sqlmock.AnyArg(), checkpointSessionizer).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.FlushSweep(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

// expectLinkBackfill registers the statements that move history stored under
// an anonymous id onto the canonical user.
func expectLinkBackfill(mock sqlmock.Sqlmock, anon, user string) {
	mock.ExpectExec(regexp.QuoteMeta(queryReattributeSessions)).
		WithArgs(anon, user, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryFoldProfileInto)).
		WithArgs(anon, user, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryMoveProfileIdentities)).
		WithArgs(anon, user).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(queryDeleteProfileIdentities)).
		WithArgs(anon).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(queryDeleteProfile)).
		WithArgs(anon).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSessionAdapter_FlushSweep_LinkRepointsEarlierSessions(t *testing.T) {
	// A session flushed under anon-1 before any identify exists must move to
	// the canonical user when a later sweep delivers the link, even though
	// that session is not part of the new batch.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)
	linkedAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	batch := storage.SweepBatch{
		Links: []storage.IdentityLink{
			{AnonymousID: "anon-1", UserID: "user-9", LinkedAt: linkedAt},
		},
		Cursor: 200,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
		WithArgs(checkpointSessionizer).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(100)))
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertSession)).WillBeClosed()
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertProfile)).WillBeClosed()
	mock.ExpectPrepare(regexp.QuoteMeta(queryUpsertProfileIdentity)).WillBeClosed()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertIdentityLink)).
		WithArgs("anon-1", "user-9", linkedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLinkBackfill(mock, "anon-1", "user-9")
	mock.ExpectExec(regexp.QuoteMeta(queryUpdateCheckpoint)).
		WithArgs(int64(200), sqlmock.AnyArg(), checkpointSessionizer).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.FlushSweep(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionAdapter_SaveLink_FoldsAnonymousHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)
	linkedAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertIdentityLink)).
		WithArgs("anon-1", "user-9", linkedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLinkBackfill(mock, "anon-1", "user-9")
	mock.ExpectCommit()

	err = adapter.SaveLink(context.Background(), storage.IdentityLink{
		AnonymousID: "anon-1", UserID: "user-9", LinkedAt: linkedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionAdapter_FlushSweep_StaleCursorSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(querySelectCheckpointForUpdate)).
		WithArgs(checkpointSessionizer).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}).AddRow(int64(500)))
	mock.ExpectRollback()

	// Cursor 120 is behind the durable 500: nothing may be written.
	err = adapter.FlushSweep(context.Background(), storage.SweepBatch{Cursor: 120})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionAdapter_LoadCheckpoint_MissingRowIsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadCheckpoint)).
		WithArgs(checkpointSessionizer).
		WillReturnRows(sqlmock.NewRows([]string{"checkpoint_cursor"}))

	cursor, err := adapter.LoadCheckpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionAdapter_GetProfile_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := NewSessionAdapter(db)

	mock.ExpectQuery(regexp.QuoteMeta(querySelectProfile)).
		WithArgs("user-missing").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	_, err = adapter.GetProfile(context.Background(), "user-missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
