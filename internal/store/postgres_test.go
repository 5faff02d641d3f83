package store_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/store"
)

func relationshipRow(id, chainHead string) *sqlmock.Rows {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "initiator_device_id", "initiator_human_id", "responder_device_id", "responder_human_id",
		"trust_level", "state", "close_reason", "depth", "max_depth",
		"timebox_mode", "inactivity_timeout_seconds", "appointment_start", "appointment_end", "appointment_mode",
		"created_at", "last_activity_at", "expires_at", "closed_at",
		"continuation_of", "context_snapshot", "chain_head", "chain_length",
	}).AddRow(
		id, "device-a", nil, "device-b", nil,
		2, "active", nil, 0, 5,
		"activity-based", int64(86400), nil, nil, nil,
		now, now, now.Add(24*time.Hour), nil,
		nil, []byte(`{}`), chainHead, 1,
	)
}

func TestPostgresStore_Get_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM relationships WHERE id = $1")).
		WithArgs("rel-1").
		WillReturnRows(relationshipRow("rel-1", "hmac-sha256:abc"))

	r, err := s.Get(context.Background(), "rel-1")
	require.NoError(t, err)
	require.Equal(t, "rel-1", r.ID)
	require.Equal(t, domain.StateActive, r.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM relationships WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresStore_AppendEvent_ChainConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE relationships")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "rel-1", "stale-hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT true FROM relationships WHERE id = $1")).
		WithArgs("rel-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
	mock.ExpectRollback()

	event := eventchain.Event{
		RelationshipID: "rel-1",
		Sequence:       1,
		Type:           eventchain.EventIntentAdmitted,
		Timestamp:      time.Now(),
		PrevHash:       "stale-hash",
		Hash:           "new-hash",
	}

	_, err = s.AppendEvent(context.Background(), "rel-1", event, true)
	require.ErrorIs(t, err, store.ErrChainConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendEvent_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE relationships")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "rel-1", "genesis").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relationship_events")).
		WithArgs("rel-1", uint64(0), eventchain.EventIntentAdmitted, sqlmock.AnyArg(), sqlmock.AnyArg(), "genesis", "new-hash").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("FROM relationships WHERE id = $1")).
		WithArgs("rel-1").
		WillReturnRows(relationshipRow("rel-1", "new-hash"))

	event := eventchain.Event{
		RelationshipID: "rel-1",
		Sequence:       0,
		Type:           eventchain.EventIntentAdmitted,
		Timestamp:      time.Now(),
		Payload:        map[string]any{},
		PrevHash:       "genesis",
		Hash:           "new-hash",
	}

	r, err := s.AppendEvent(context.Background(), "rel-1", event, true)
	require.NoError(t, err)
	require.Equal(t, "new-hash", r.ChainHead)
	require.NoError(t, mock.ExpectationsWereMet())
}
