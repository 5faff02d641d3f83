package admission

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/canonicalize"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/store"
)

// RespondParams are the signed-response fields behind the `respond`
// operation (spec §6).
type RespondParams struct {
	RelationshipID  string
	IntentSequence  uint64
	Outcome         domain.ResponseOutcome
	Data            map[string]any
	RejectionReason string
	Sender          string
	Signature       []byte
}

type signableResponse struct {
	RelationshipID  string         `json:"relationship_id"`
	IntentSequence  uint64         `json:"intent_sequence"`
	Outcome         string         `json:"outcome"`
	Data            map[string]any `json:"data,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Sender          string         `json:"sender"`
}

func canonicalResponse(p RespondParams) ([]byte, error) {
	return canonicalize.JCS(signableResponse{
		RelationshipID:  p.RelationshipID,
		IntentSequence:  p.IntentSequence,
		Outcome:         string(p.Outcome),
		Data:            p.Data,
		RejectionReason: p.RejectionReason,
		Sender:          p.Sender,
	})
}

// Respond runs the shorter response-channel pipeline of spec §4.4's
// final paragraph: the sender must be the relationship's responder, the
// referenced intent must have been admitted and not yet finalized, and
// the response is appended as response_recorded. Responses never touch
// depth and don't extend the timebox, but last-activity-at is still
// updated.
func (p *Pipeline) Respond(ctx context.Context, params RespondParams) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	r, err := p.store.Get(ctx, params.RelationshipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, brokererr.New(brokererr.KindUnknownRelationship, "relationship not found")
		}
		return 0, brokererr.Internal("respond-get-relationship", err)
	}
	if r.State == domain.StateClosed {
		return 0, brokererr.New(brokererr.KindClosedRelationship, "relationship is closed")
	}

	canonical, err := canonicalResponse(params)
	if err != nil {
		return 0, brokererr.Internal("respond-canonicalize", err)
	}
	if berr := p.verifier.Verify(identity.SignedMessage{
		Sender:    params.Sender,
		Canonical: canonical,
		Signature: params.Signature,
	}); berr != nil {
		return 0, berr
	}

	if params.Sender != r.Responder.DeviceID {
		return 0, brokererr.New(brokererr.KindWrongDirection, "sender is not the relationship responder")
	}

	admitted, finalized, err := p.intentStatus(ctx, r, params.IntentSequence)
	if err != nil {
		return 0, brokererr.Internal("respond-scan-events", err)
	}
	if !admitted {
		return 0, brokererr.New(brokererr.KindNotAdmitted, "referenced intent was never admitted on this relationship")
	}
	if finalized {
		return 0, brokererr.New(brokererr.KindAlreadyFinal, "referenced intent already has a recorded response")
	}

	payload := map[string]any{
		"intent_sequence": params.IntentSequence,
		"outcome":         string(params.Outcome),
	}
	if params.RejectionReason != "" {
		payload["rejection_reason"] = params.RejectionReason
	}
	if params.Data != nil {
		payload["data"] = params.Data
	}

	seq := r.ChainLength
	evt, err := eventchain.NewEvent(p.chainKey, r.ID, seq, eventchain.EventResponseRecorded, payload, r.ChainHead, p.clock())
	if err != nil {
		return 0, brokererr.Internal("respond-build-event", err)
	}
	if _, err := p.store.AppendEvent(ctx, r.ID, *evt, true); err != nil {
		return 0, brokererr.Internal("respond-append-event", err)
	}
	return seq, nil
}

// intentStatus reports whether seq was ever admitted on r's chain, and
// whether a response_recorded event already finalized it.
func (p *Pipeline) intentStatus(ctx context.Context, r *domain.Relationship, seq uint64) (admitted, finalized bool, err error) {
	events, err := p.store.ListEvents(ctx, r.ID, 0)
	if err != nil {
		return false, false, err
	}
	for _, e := range events {
		switch e.Type {
		case eventchain.EventIntentAdmitted:
			if e.Sequence == seq {
				admitted = true
			}
		case eventchain.EventResponseRecorded:
			if raw, ok := e.Payload["intent_sequence"]; ok && matchesSequence(raw, seq) {
				finalized = true
			}
		}
	}
	return admitted, finalized, nil
}

// matchesSequence compares a sequence number that may have round-tripped
// through JSON (and so could surface as float64, json.Number, or a plain
// int/uint64 depending on the store backend) against seq.
func matchesSequence(v any, seq uint64) bool {
	switch n := v.(type) {
	case uint64:
		return n == seq
	case int:
		return n >= 0 && uint64(n) == seq
	case int64:
		return n >= 0 && uint64(n) == seq
	case float64:
		return uint64(n) == seq
	case json.Number:
		i, err := n.Int64()
		return err == nil && i >= 0 && uint64(i) == seq
	default:
		return false
	}
}
