package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
)

// PostgresStore implements Store against two tables: relationships and
// relationship_events. Chain-head compare-and-swap is done with a
// conditional UPDATE inside the same transaction as the event insert,
// mirroring the teacher's upsert-under-transaction idiom but adapted
// to a true optimistic-concurrency check rather than a blind upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB. Schema migration is
// the caller's responsibility; schema.sql in this package holds the
// table definitions.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const relationshipColumns = `
	id, initiator_device_id, initiator_human_id, responder_device_id, responder_human_id,
	trust_level, state, close_reason, depth, max_depth,
	timebox_mode, inactivity_timeout_seconds, appointment_start, appointment_end, appointment_mode,
	created_at, last_activity_at, expires_at, closed_at,
	continuation_of, context_snapshot, chain_head, chain_length
`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row *sql.Row) (*domain.Relationship, error) {
	return scanRelationshipScanner(row)
}

func scanRelationshipRows(rows *sql.Rows) (*domain.Relationship, error) {
	return scanRelationshipScanner(rows)
}

func scanRelationshipScanner(row scanner) (*domain.Relationship, error) {
	var r domain.Relationship
	var (
		closeReason                                        sql.NullString
		initiatorHuman, responderHuman                      sql.NullString
		inactivitySeconds                                  sql.NullInt64
		appointmentStart, appointmentEnd                    sql.NullTime
		appointmentMode                                     sql.NullString
		expiresAt                                           sql.NullTime
		closedAt                                            sql.NullTime
		continuationOf                                      sql.NullString
		snapshotRaw                                         []byte
	)
	err := row.Scan(
		&r.ID, &r.Initiator.DeviceID, &initiatorHuman, &r.Responder.DeviceID, &responderHuman,
		&r.TrustLevel, &r.State, &closeReason, &r.Depth, &r.MaxDepth,
		&r.Timebox.Mode, &inactivitySeconds, &appointmentStart, &appointmentEnd, &appointmentMode,
		&r.CreatedAt, &r.LastActivityAt, &expiresAt, &closedAt,
		&continuationOf, &snapshotRaw, &r.ChainHead, &r.ChainLength,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan relationship: %w", err)
	}

	r.Initiator.HumanID = initiatorHuman.String
	r.Responder.HumanID = responderHuman.String
	r.CloseReason = domain.CloseReason(closeReason.String)
	if inactivitySeconds.Valid {
		r.Timebox.InactivityTimeout = time.Duration(inactivitySeconds.Int64) * time.Second
	}
	if appointmentStart.Valid {
		r.Timebox.AppointmentStart = appointmentStart.Time
	}
	if appointmentEnd.Valid {
		r.Timebox.AppointmentEnd = appointmentEnd.Time
	}
	r.Timebox.Appointment = domain.AppointmentMode(appointmentMode.String)
	if expiresAt.Valid {
		r.ExpiresAt = expiresAt.Time
	}
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	r.ContinuationOf = continuationOf.String

	r.ContextSnapshot = map[string]any{}
	if len(snapshotRaw) > 0 {
		if err := json.Unmarshal(snapshotRaw, &r.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("store: decode context_snapshot: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (*domain.Relationship, error) {
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
		WHERE initiator_device_id = $1 AND responder_device_id = $2
		  AND continuation_of IS NOT DISTINCT FROM $3 AND state = 'active'
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
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		)
	`,
		r.ID, r.Initiator.DeviceID, nullableString(r.Initiator.HumanID), r.Responder.DeviceID, nullableString(r.Responder.HumanID),
		r.TrustLevel, r.State, nullableString(string(r.CloseReason)), r.Depth, r.MaxDepth,
		r.Timebox.Mode, int64(r.Timebox.InactivityTimeout/time.Second), nullableTime(r.Timebox.AppointmentStart), nullableTime(r.Timebox.AppointmentEnd), r.Timebox.Appointment,
		r.CreatedAt, r.LastActivityAt, nullableTime(r.ExpiresAt), nullableTimePtr(r.ClosedAt),
		nullableString(r.ContinuationOf), snapshot, params.GenesisEvent.Hash, 1,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert relationship: %w", err)
	}

	if err := insertEvent(ctx, tx, params.GenesisEvent); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	r.ChainHead = params.GenesisEvent.Hash
	r.ChainLength = 1
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = $1`, id)
	return scanRelationship(row)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id string, event eventchain.Event, touchActivity bool) (*domain.Relationship, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if touchActivity {
		res, err = tx.ExecContext(ctx, `
			UPDATE relationships
			SET chain_head = $1, chain_length = chain_length + 1, last_activity_at = $2
			WHERE id = $3 AND chain_head = $4
		`, event.Hash, event.Timestamp, id, event.PrevHash)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE relationships
			SET chain_head = $1, chain_length = chain_length + 1
			WHERE id = $2 AND chain_head = $3
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
		// either the relationship doesn't exist, or the head moved
		// under us; distinguish to return the right sentinel.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT true FROM relationships WHERE id = $1`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, ErrChainConflict
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, mutate func(r *domain.Relationship) error) (*domain.Relationship, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRelationship(row)
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
		UPDATE relationships
		SET state = $1, close_reason = $2, closed_at = $3, depth = $4, expires_at = $5, last_activity_at = $6
		WHERE id = $7
	`, r.State, nullableString(string(r.CloseReason)), nullableTimePtr(r.ClosedAt), r.Depth, nullableTime(r.ExpiresAt), r.LastActivityAt, id)
	if err != nil {
		return nil, fmt.Errorf("store: update state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, id string, fromSeq uint64) ([]eventchain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id, sequence, type, timestamp, payload, prev_hash, hash
		FROM relationship_events
		WHERE relationship_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
	`, id, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []eventchain.Event
	for rows.Next() {
		var e eventchain.Event
		var payloadRaw []byte
		if err := rows.Scan(&e.RelationshipID, &e.Sequence, &e.Type, &e.Timestamp, &payloadRaw, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &e.Payload); err != nil {
				return nil, fmt.Errorf("store: decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListActivityBasedActive(ctx context.Context) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE state = 'active' AND timebox_mode = 'activity-based'
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list activity-based active: %w", err)
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		r, err := scanRelationshipRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActive(ctx context.Context, initiatorDeviceID, responderDeviceID, continuationOf string) (*domain.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationships
		WHERE initiator_device_id = $1 AND responder_device_id = $2
		  AND continuation_of IS NOT DISTINCT FROM $3 AND state = 'active'
	`, initiatorDeviceID, responderDeviceID, nullableString(continuationOf))
	return scanRelationship(row)
}

func insertEvent(ctx context.Context, tx *sql.Tx, e eventchain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("store: encode event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relationship_events (relationship_id, sequence, type, timestamp, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.RelationshipID, e.Sequence, e.Type, e.Timestamp, payload, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
