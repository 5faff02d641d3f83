package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
)

// MemoryStore is an in-process Store, for single-node deployments and
// tests. Thread-safe via one RWMutex; copy-on-read avoids races on
// mutation outside the lock, mirroring the teacher's MemoryStorage.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Relationship
	events map[string][]eventchain.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*domain.Relationship),
		events: make(map[string][]eventchain.Event),
	}
}

func identityTriple(initiator, responder, continuationOf string) string {
	return initiator + "\x00" + responder + "\x00" + continuationOf
}

func (s *MemoryStore) Create(ctx context.Context, params CreateParams) (*domain.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := params.Relationship
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid relationship: %w", err)
	}

	triple := identityTriple(r.Initiator.DeviceID, r.Responder.DeviceID, r.ContinuationOf)
	for _, existing := range s.byID {
		if existing.State != domain.StateActive {
			continue
		}
		if identityTriple(existing.Initiator.DeviceID, existing.Responder.DeviceID, existing.ContinuationOf) == triple {
			return nil, ErrDuplicate
		}
	}

	r.ChainHead = params.GenesisEvent.Hash
	r.ChainLength = 1

	stored := r
	s.byID[r.ID] = &stored
	s.events[r.ID] = []eventchain.Event{params.GenesisEvent}

	out := stored
	return &out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, id string, event eventchain.Event, touchActivity bool) (*domain.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.ChainHead != event.PrevHash {
		return nil, ErrChainConflict
	}

	s.events[id] = append(s.events[id], event)
	r.ChainHead = event.Hash
	r.ChainLength++
	if touchActivity {
		r.LastActivityAt = event.Timestamp
	}

	out := *r
	return &out, nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, id string, mutate func(r *domain.Relationship) error) (*domain.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := *r
	if err := mutate(&working); err != nil {
		return nil, err
	}
	if err := working.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid state transition: %w", err)
	}
	s.byID[id] = &working

	out := working
	return &out, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, id string, fromSeq uint64) ([]eventchain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]eventchain.Event, 0, len(events))
	for _, e := range events {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListActivityBasedActive(ctx context.Context) ([]domain.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Relationship
	for _, r := range s.byID {
		if r.State == domain.StateActive && r.Timebox.Mode == domain.TimeboxActivityBased {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActive(ctx context.Context, initiatorDeviceID, responderDeviceID, continuationOf string) (*domain.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	triple := identityTriple(initiatorDeviceID, responderDeviceID, continuationOf)
	for _, r := range s.byID {
		if r.State != domain.StateActive {
			continue
		}
		if identityTriple(r.Initiator.DeviceID, r.Responder.DeviceID, r.ContinuationOf) == triple {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}
