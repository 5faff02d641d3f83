package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/store"
)

func newRelationship(initiator, responder string) domain.Relationship {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return domain.Relationship{
		Initiator:       domain.Participant{DeviceID: initiator},
		Responder:       domain.Participant{DeviceID: responder},
		TrustLevel:      2,
		State:           domain.StateActive,
		MaxDepth:        5,
		Timebox:         domain.Timebox{Mode: domain.TimeboxActivityBased, InactivityTimeout: 24 * time.Hour},
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(24 * time.Hour),
		ContextSnapshot: map[string]any{},
	}
}

func genesisFor(t *testing.T, key eventchain.Key, relID string, now time.Time) eventchain.Event {
	t.Helper()
	e, err := eventchain.NewEvent(key, relID, 0, eventchain.EventRelationshipEstablished, map[string]any{}, eventchain.Genesis, now)
	require.NoError(t, err)
	return *e
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	key, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)

	created, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	fetched, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, uint64(1), fetched.ChainLength)
}

func TestMemoryStore_Create_DuplicateActiveTriple(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	_, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	_, err = s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestMemoryStore_AppendEvent_ChainConflict(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	created, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	wrongPrev, err := eventchain.NewEvent(key, created.ID, 1, eventchain.EventIntentAdmitted, map[string]any{}, "not-the-real-head", r.CreatedAt)
	require.NoError(t, err)

	_, err = s.AppendEvent(context.Background(), created.ID, *wrongPrev, true)
	require.ErrorIs(t, err, store.ErrChainConflict)
}

func TestMemoryStore_AppendEvent_Success(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	created, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	next, err := eventchain.NewEvent(key, created.ID, 1, eventchain.EventIntentAdmitted, map[string]any{"x": 1}, created.ChainHead, r.CreatedAt.Add(time.Minute))
	require.NoError(t, err)

	updated, err := s.AppendEvent(context.Background(), created.ID, *next, true)
	require.NoError(t, err)
	require.Equal(t, next.Hash, updated.ChainHead)
	require.Equal(t, uint64(2), updated.ChainLength)

	events, err := s.ListEvents(context.Background(), created.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestMemoryStore_UpdateState_Close(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	created, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	now := r.CreatedAt.Add(time.Hour)
	updated, err := s.UpdateState(context.Background(), created.ID, func(r *domain.Relationship) error {
		r.State = domain.StateClosed
		r.CloseReason = domain.CloseReasonUser
		r.ClosedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateClosed, updated.State)
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_ListActivityBasedActive(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	_, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	active, err := s.ListActivityBasedActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestMemoryStore_FindActive(t *testing.T) {
	s := store.NewMemoryStore()
	key, _ := eventchain.DeriveKey("secret", "salt")

	r := newRelationship("device-a", "device-b")
	genesis := genesisFor(t, key, "", r.CreatedAt)
	created, err := s.Create(context.Background(), store.CreateParams{Relationship: r, GenesisEvent: genesis})
	require.NoError(t, err)

	found, err := s.FindActive(context.Background(), "device-a", "device-b", "")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = s.FindActive(context.Background(), "device-a", "device-c", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}
