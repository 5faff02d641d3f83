// Package relationship implements L6: the Lifecycle Engine. It owns
// the state machine of spec §4.6 (create -> active -> closed ->
// continuation), auto-close, the periodic activity-based expiry sweep,
// and re-engagement via continuation-of.
//
// Grounded on the teacher's escalation.Manager: an injectable clock for
// deterministic tests, a status-guarded transition under a single lock,
// and a CheckTimeouts-style periodic sweep method.
package relationship

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/store"
)

// Engine is the Lifecycle Engine. The zero value is not usable;
// construct with NewEngine.
type Engine struct {
	store    store.Store
	chainKey eventchain.Key
	clock    func() time.Time
}

// NewEngine builds a Lifecycle Engine over a store and the process-wide
// chain-hashing key.
func NewEngine(s store.Store, chainKey eventchain.Key) *Engine {
	return &Engine{store: s, chainKey: chainKey, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// EstablishParams are the signed-proposal fields behind the `establish`
// operation (spec §6).
type EstablishParams struct {
	Initiator      domain.Participant
	Responder      domain.Participant
	TrustLevel     int
	MaxDepth       int
	Timebox        domain.Timebox
	ContinuationOf string
}

// Establish creates a new relationship, sealing it with a
// relationship_established genesis event (spec §4.5: "the first event
// is always relationship_established").
func (e *Engine) Establish(ctx context.Context, p EstablishParams) (*domain.Relationship, error) {
	var predecessor *domain.Relationship
	if p.ContinuationOf != "" {
		pred, err := e.store.Get(ctx, p.ContinuationOf)
		if err != nil {
			return nil, brokererr.New(brokererr.KindUnknownRelationship, "continuation-of predecessor not found")
		}
		if pred.State != domain.StateClosed {
			return nil, brokererr.New(brokererr.KindPredecessorActive, "continuation-of predecessor must be closed")
		}
		if pred.Initiator.DeviceID != p.Initiator.DeviceID || pred.Responder.DeviceID != p.Responder.DeviceID {
			return nil, brokererr.New(brokererr.KindParticipantMismatch, "continuation-of predecessor must share initiator and responder")
		}
		predecessor = pred
	}

	now := e.clock()
	id := uuid.NewString()

	r := domain.Relationship{
		ID:              id,
		Initiator:       p.Initiator,
		Responder:       p.Responder,
		TrustLevel:      p.TrustLevel,
		State:           domain.StateActive,
		Depth:           0,
		MaxDepth:        p.MaxDepth,
		Timebox:         p.Timebox,
		CreatedAt:       now,
		LastActivityAt:  now,
		ContinuationOf:  p.ContinuationOf,
		ContextSnapshot: map[string]any{},
	}
	if p.Timebox.Mode == domain.TimeboxActivityBased {
		r.ExpiresAt = now.Add(p.Timebox.InactivityTimeout)
	}

	if predecessor != nil {
		if openItems, ok := predecessor.ContextSnapshot["open_items"]; ok {
			r.ContextSnapshot["open_items"] = openItems
		}
	}

	payload := map[string]any{
		"initiator":       p.Initiator,
		"responder":       p.Responder,
		"trust_level":     p.TrustLevel,
		"timebox":         p.Timebox,
		"continuation_of": p.ContinuationOf,
	}
	genesis, err := eventchain.NewEvent(e.chainKey, id, 0, eventchain.EventRelationshipEstablished, payload, eventchain.Genesis, now)
	if err != nil {
		return nil, fmt.Errorf("relationship: build genesis event: %w", err)
	}

	created, err := e.store.Create(ctx, store.CreateParams{Relationship: r, GenesisEvent: *genesis})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Close idempotently transitions a relationship to closed, appending a
// single relationship_closed event. Calling Close on an already-closed
// relationship is a no-op success (spec §4.6 "Close is idempotent").
func (e *Engine) Close(ctx context.Context, id string, reason domain.CloseReason) (*domain.Relationship, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnknownRelationship, "relationship not found")
	}
	if current.State == domain.StateClosed {
		return current, nil
	}

	now := e.clock()
	closedAt := now
	updated, err := e.store.UpdateState(ctx, id, func(r *domain.Relationship) error {
		r.State = domain.StateClosed
		r.CloseReason = reason
		r.ClosedAt = &closedAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relationship: close: %w", err)
	}

	payload := map[string]any{
		"close_reason":  string(reason),
		"depth":         updated.Depth,
		"chain_length":  updated.ChainLength,
	}
	event, err := eventchain.NewEvent(e.chainKey, id, updated.ChainLength, eventchain.EventRelationshipClosed, payload, updated.ChainHead, now)
	if err != nil {
		return nil, fmt.Errorf("relationship: build close event: %w", err)
	}
	final, err := e.store.AppendEvent(ctx, id, *event, true)
	if err != nil {
		return nil, fmt.Errorf("relationship: append close event: %w", err)
	}
	return final, nil
}

// CheckExpiry evaluates whether an activity-based relationship has
// passed its expires-at and, if so, auto-closes it with reason expired
// (spec §4.4 step 4 / §4.6). Returns the (possibly closed) current
// record. This is also called inline from the admission pipeline so
// nothing is ever admitted past expiry between sweeps.
func (e *Engine) CheckExpiry(ctx context.Context, r *domain.Relationship) (*domain.Relationship, bool, error) {
	if r.State != domain.StateActive || r.Timebox.Mode != domain.TimeboxActivityBased {
		return r, false, nil
	}
	if e.clock().Before(r.ExpiresAt) || e.clock().Equal(r.ExpiresAt) {
		return r, false, nil
	}
	closed, err := e.Close(ctx, r.ID, domain.CloseReasonExpired)
	if err != nil {
		return r, false, err
	}
	return closed, true, nil
}

// Sweep is the periodic, resumable scan that auto-closes any
// activity-based relationship whose expires-at has passed, for
// relationships that haven't had a chance to be caught at admission
// time (spec §4.6: "the sweep is resumable and runs at a coarse
// interval; admission-time enforcement remains authoritative").
func (e *Engine) Sweep(ctx context.Context) (closedIDs []string, err error) {
	candidates, err := e.store.ListActivityBasedActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("relationship: sweep: list candidates: %w", err)
	}
	now := e.clock()
	for _, r := range candidates {
		if ctx.Err() != nil {
			return closedIDs, ctx.Err()
		}
		if now.After(r.ExpiresAt) {
			if _, err := e.Close(ctx, r.ID, domain.CloseReasonExpired); err != nil {
				return closedIDs, fmt.Errorf("relationship: sweep: close %s: %w", r.ID, err)
			}
			closedIDs = append(closedIDs, r.ID)
		}
	}
	return closedIDs, nil
}
