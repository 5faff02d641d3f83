// Package store implements L2: the Relationship Store. It owns the
// Relationship record and its event chain, and is the only component
// that mutates either (spec §3 "Ownership"). Every mutation on a given
// relationship is serialized; distinct relationships are independent
// (spec §4.2 "Concurrency contract").
package store

import (
	"context"
	"errors"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
)

// Sentinel errors mirror the operation-level failures named in spec
// §4.2. Callers type-switch with errors.Is, not string comparison.
var (
	ErrDuplicate     = errors.New("store: relationship already exists and is active")
	ErrNotFound      = errors.New("store: relationship not found")
	ErrChainConflict = errors.New("store: previous_hash does not match current chain head")
)

// CreateParams is the fully populated initial record for a new
// relationship (spec §4.2 "Create relationship").
type CreateParams struct {
	Relationship domain.Relationship
	GenesisEvent eventchain.Event
}

// Store is the L2 interface every backend implements.
type Store interface {
	// Create inserts a new relationship sealed by its genesis event.
	// Returns ErrDuplicate if the (initiator, responder, continuation_of)
	// triple already identifies an active relationship.
	Create(ctx context.Context, params CreateParams) (*domain.Relationship, error)

	// Get returns the current record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Relationship, error)

	// AppendEvent atomically appends event to id's chain if event.PrevHash
	// matches the current chain head, then updates chain_head. When
	// touchActivity is true, last_activity_at is advanced to the event's
	// timestamp too; admission-pipeline rejections (spec §4.4: "never
	// mutate depth or last-activity-at") pass false, while admits,
	// responses, and closes pass true. Returns ErrChainConflict on a head
	// mismatch — the caller must re-read and retry.
	AppendEvent(ctx context.Context, id string, event eventchain.Event, touchActivity bool) (*domain.Relationship, error)

	// UpdateState atomically applies mutate to the current record and
	// persists the result. Used by the Lifecycle Engine (L6) for
	// state/close_reason/closed_at transitions and by the Admission
	// Pipeline (L4) for the depth/expires-at bookkeeping at step 9; safe
	// because the concurrency model (spec §5) gives the calling worker
	// exclusive ownership of the relationship for the duration of one
	// admission or lifecycle operation.
	UpdateState(ctx context.Context, id string, mutate func(r *domain.Relationship) error) (*domain.Relationship, error)

	// ListEvents returns events in sequence order, starting at fromSeq
	// (inclusive). fromSeq of 0 returns the full chain.
	ListEvents(ctx context.Context, id string, fromSeq uint64) ([]eventchain.Event, error)

	// FindActive looks up an active relationship by its identity triple.
	// Create runs its own duplicate check and does not call it.
	FindActive(ctx context.Context, initiatorDeviceID, responderDeviceID, continuationOf string) (*domain.Relationship, error)

	// ListActivityBasedActive returns every active, activity-based
	// relationship, for the Lifecycle Engine's periodic expiry sweep
	// (spec §4.6 "a periodic sweep that flips activity-based
	// relationships whose expires-at < now").
	ListActivityBasedActive(ctx context.Context) ([]domain.Relationship, error)
}
