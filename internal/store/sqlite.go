package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
)

// SQLiteStore is an embedded, single-process durable backend — for
// operators who want crash-restart durability without standing up
// Postgres (spec §1 persistence is "an external collaborator whose
// interface the core consumes"; this is a second concrete collaborator
// alongside PostgresStore, sharing the same Store contract).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite database file and
// ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// sqlite only supports one writer at a time; serialize through a
	// single connection rather than fighting SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS relationships (
	id TEXT PRIMARY KEY,
	initiator_device_id TEXT NOT NULL,
	initiator_human_id TEXT,
	responder_device_id TEXT NOT NULL,
	responder_human_id TEXT,
	trust_level INTEGER NOT NULL,
	state TEXT NOT NULL,
	close_reason TEXT,
	depth INTEGER NOT NULL DEFAULT 0,
	max_depth INTEGER NOT NULL,
	timebox_mode TEXT NOT NULL,
	inactivity_timeout_seconds INTEGER,
	appointment_start TEXT,
	appointment_end TEXT,
	appointment_mode TEXT,
	created_at TEXT NOT NULL,
	last_activity_at TEXT NOT NULL,
	expires_at TEXT,
	closed_at TEXT,
	continuation_of TEXT,
	context_snapshot TEXT NOT NULL DEFAULT '{}',
	chain_head TEXT NOT NULL,
	chain_length INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS relationships_active_triple
	ON relationships (initiator_device_id, responder_device_id, continuation_of)
	WHERE state = 'active';
CREATE TABLE IF NOT EXISTS relationship_events (
	relationship_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (relationship_id, sequence)
);
`

func (s *SQLiteStore) Create(ctx context.Context, params CreateParams) (*domain.Relationship, error) {
	r := params.Relationship
	snapshot, err := json.Marshal(r.ContextSnapshot)
	if err != nil {
		return nil, fmt.Errorf("store: encode context_snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingState string
	err = tx.QueryRowContext(ctx, `
		SELECT state FROM relationships
		WHERE initiator_device_id = ? AND responder_device_id = ?
		  AND continuation_of IS ? AND state = 'active'
	`, r.Initiator.DeviceID, r.Responder.DeviceID, nullableString(r.ContinuationOf)).Scan(&existingState)
	if err == nil {
		return nil, ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: duplicate check: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationships (
			id, initiator_device_id, initiator_human_id, responder_device_id, responder_human_id,
			trust_level, state, close_reason, depth, max_depth,
			timebox_mode, inactivity_timeout_seconds, appointment_start, appointment_end, appointment_mode,
			created_at, last_activity_at, expires_at, closed_at,
			continuation_of, context_snapshot, chain_head, chain_length
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Initiator.DeviceID, nullableString(r.Initiator.HumanID), r.Responder.DeviceID, nullableString(r.Responder.HumanID),
		r.TrustLevel, string(r.State), nullableString(string(r.CloseReason)), r.Depth, r.MaxDepth,
		string(r.Timebox.Mode), int64(r.Timebox.InactivityTimeout/time.Second), timeOrNil(r.Timebox.AppointmentStart), timeOrNil(r.Timebox.AppointmentEnd), string(r.Timebox.Appointment),
		r.CreatedAt.Format(time.RFC3339Nano), r.LastActivityAt.Format(time.RFC3339Nano), timeOrNil(r.ExpiresAt), timePtrOrNil(r.ClosedAt),
		nullableString(r.ContinuationOf), string(snapshot), params.GenesisEvent.Hash, 1,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert relationship: %w", err)
	}

	if err := sqliteInsertEvent(ctx, tx, params.GenesisEvent); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	r.ChainHead = params.GenesisEvent.Hash
	r.ChainLength = 1
	return &r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRelationshipColumns+` FROM relationships WHERE id = ?`, id)
	return scanSQLiteRelationship(row)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, id string, event eventchain.Event, touchActivity bool) (*domain.Relationship, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if touchActivity {
		res, err = tx.ExecContext(ctx, `
			UPDATE relationships SET chain_head = ?, chain_length = chain_length + 1, last_activity_at = ?
			WHERE id = ? AND chain_head = ?
		`, event.Hash, event.Timestamp.Format(time.RFC3339Nano), id, event.PrevHash)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE relationships SET chain_head = ?, chain_length = chain_length + 1
			WHERE id = ? AND chain_head = ?
		`, event.Hash, id, event.PrevHash)
	}
	if err != nil {
		return nil, fmt.Errorf("store: update chain head: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM relationships WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, ErrChainConflict
	}

	if err := sqliteInsertEvent(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) UpdateState(ctx context.Context, id string, mutate func(r *domain.Relationship) error) (*domain.Relationship, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteRelationshipColumns+` FROM relationships WHERE id = ?`, id)
	r, err := scanSQLiteRelationship(row)
	if err != nil {
		return nil, err
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid state transition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE relationships SET state = ?, close_reason = ?, closed_at = ?, depth = ?, expires_at = ?, last_activity_at = ?
		WHERE id = ?
	`, string(r.State), nullableString(string(r.CloseReason)), timePtrOrNil(r.ClosedAt), r.Depth, timeOrNil(r.ExpiresAt), r.LastActivityAt.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("store: update state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, id string, fromSeq uint64) ([]eventchain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id, sequence, type, timestamp, payload, prev_hash, hash
		FROM relationship_events WHERE relationship_id = ? AND sequence >= ? ORDER BY sequence ASC
	`, id, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []eventchain.Event
	for rows.Next() {
		var e eventchain.Event
		var ts, payloadRaw string
		if err := rows.Scan(&e.RelationshipID, &e.Sequence, &e.Type, &ts, &payloadRaw, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse event timestamp: %w", err)
		}
		if payloadRaw != "" {
			if err := json.Unmarshal([]byte(payloadRaw), &e.Payload); err != nil {
				return nil, fmt.Errorf("store: decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListActivityBasedActive(ctx context.Context) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRelationshipColumns+` FROM relationships
		WHERE state = 'active' AND timebox_mode = 'activity-based'
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list activity-based active: %w", err)
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		r, err := scanSQLiteRelationshipRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindActive(ctx context.Context, initiatorDeviceID, responderDeviceID, continuationOf string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRelationshipColumns+` FROM relationships
		WHERE initiator_device_id = ? AND responder_device_id = ? AND continuation_of IS ? AND state = 'active'
	`, initiatorDeviceID, responderDeviceID, nullableString(continuationOf))
	return scanSQLiteRelationship(row)
}

const sqliteRelationshipColumns = `
	id, initiator_device_id, initiator_human_id, responder_device_id, responder_human_id,
	trust_level, state, close_reason, depth, max_depth,
	timebox_mode, inactivity_timeout_seconds, appointment_start, appointment_end, appointment_mode,
	created_at, last_activity_at, expires_at, closed_at,
	continuation_of, context_snapshot, chain_head, chain_length
`

func scanSQLiteRelationship(row *sql.Row) (*domain.Relationship, error) {
	return scanSQLiteRelationshipScanner(row)
}

func scanSQLiteRelationshipRows(rows *sql.Rows) (*domain.Relationship, error) {
	return scanSQLiteRelationshipScanner(rows)
}

func scanSQLiteRelationshipScanner(row scanner) (*domain.Relationship, error) {
	var r domain.Relationship
	var (
		closeReason, appointmentMode, continuationOf                     sql.NullString
		initiatorHuman, responderHuman                                    sql.NullString
		inactivitySeconds                                                 sql.NullInt64
		appointmentStart, appointmentEnd, expiresAt, closedAt             sql.NullString
		createdAt, lastActivityAt                                         string
		snapshot                                                          string
		state, timeboxMode                                                string
	)
	err := row.Scan(
		&r.ID, &r.Initiator.DeviceID, &initiatorHuman, &r.Responder.DeviceID, &responderHuman,
		&r.TrustLevel, &state, &closeReason, &r.Depth, &r.MaxDepth,
		&timeboxMode, &inactivitySeconds, &appointmentStart, &appointmentEnd, &appointmentMode,
		&createdAt, &lastActivityAt, &expiresAt, &closedAt,
		&continuationOf, &snapshot, &r.ChainHead, &r.ChainLength,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan relationship: %w", err)
	}

	r.Initiator.HumanID = initiatorHuman.String
	r.Responder.HumanID = responderHuman.String
	r.State = domain.RelationshipState(state)
	r.CloseReason = domain.CloseReason(closeReason.String)
	r.Timebox.Mode = domain.TimeboxMode(timeboxMode)
	if inactivitySeconds.Valid {
		r.Timebox.InactivityTimeout = time.Duration(inactivitySeconds.Int64) * time.Second
	}
	r.Timebox.Appointment = domain.AppointmentMode(appointmentMode.String)
	r.ContinuationOf = continuationOf.String

	r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	r.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse last_activity_at: %w", err)
	}
	if appointmentStart.Valid {
		if r.Timebox.AppointmentStart, err = time.Parse(time.RFC3339Nano, appointmentStart.String); err != nil {
			return nil, fmt.Errorf("store: parse appointment_start: %w", err)
		}
	}
	if appointmentEnd.Valid {
		if r.Timebox.AppointmentEnd, err = time.Parse(time.RFC3339Nano, appointmentEnd.String); err != nil {
			return nil, fmt.Errorf("store: parse appointment_end: %w", err)
		}
	}
	if expiresAt.Valid {
		if r.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt.String); err != nil {
			return nil, fmt.Errorf("store: parse expires_at: %w", err)
		}
	}
	if closedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse closed_at: %w", err)
		}
		r.ClosedAt = &t
	}

	r.ContextSnapshot = map[string]any{}
	if snapshot != "" {
		if err := json.Unmarshal([]byte(snapshot), &r.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("store: decode context_snapshot: %w", err)
		}
	}
	return &r, nil
}

func sqliteInsertEvent(ctx context.Context, tx *sql.Tx, e eventchain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("store: encode event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationship_events (relationship_id, sequence, type, timestamp, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.RelationshipID, e.Sequence, string(e.Type), e.Timestamp.Format(time.RFC3339Nano), string(payload), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func timePtrOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
