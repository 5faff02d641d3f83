package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/policy"
)

// Record is the exported shape of one relationship's full event chain,
// the unit Exporter hands to Store once a relationship closes (spec
// §4.8).
type Record struct {
	RelationshipID string            `json:"relationship_id"`
	Initiator      string            `json:"initiator_device_id"`
	Responder      string            `json:"responder_device_id"`
	TrustLevel     int               `json:"trust_level"`
	State          domain.RelationshipState `json:"state"`
	CloseReason    domain.CloseReason       `json:"close_reason,omitempty"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
	ExportedAt     time.Time         `json:"exported_at"`
	Events         []eventchain.Event `json:"events"`
}

// Exporter decides, per closed relationship, whether the Policy
// Registry's retention flags require a durable export, and if so writes
// it to the configured Store.
//
// Retention is a per-(intent_type, trust_level) policy attribute, not a
// per-relationship one, so the decision is made by replaying the
// relationship's own chain: if any intent type it carried is currently
// registered with oversight_copy or legal_hold at the relationship's
// trust level, the whole chain is retained. That errs toward retaining
// too much rather than too little, which is the conservative direction
// for a compliance control.
type Exporter struct {
	store    Store
	registry *policy.Registry
}

// NewExporter builds an Exporter over store, consulting registry to
// decide whether any given relationship requires retention.
func NewExporter(store Store, registry *policy.Registry) *Exporter {
	return &Exporter{store: store, registry: registry}
}

// RequiresRetention reports whether any intent type observed in events
// is currently policy-flagged oversight_copy or legal_hold at r's trust
// level.
func (e *Exporter) RequiresRetention(r *domain.Relationship, events []eventchain.Event) bool {
	seen := map[string]bool{}
	for _, ev := range events {
		typ, _ := ev.Payload["intent_type"].(string)
		if typ == "" || seen[typ] {
			continue
		}
		seen[typ] = true
		entry := e.registry.Lookup(typ, r.TrustLevel)
		if entry.OversightCopy || entry.LegalHold {
			return true
		}
	}
	return false
}

// ExportIfRequired replays the Policy Registry's current retention
// flags against the relationship's full chain and, if any apply, stores
// a serialized Record. It returns exported=false without error when
// retention isn't required.
func (e *Exporter) ExportIfRequired(ctx context.Context, r *domain.Relationship, events []eventchain.Event, now time.Time) (hash string, exported bool, err error) {
	if !e.RequiresRetention(r, events) {
		return "", false, nil
	}

	rec := Record{
		RelationshipID: r.ID,
		Initiator:      r.Initiator.DeviceID,
		Responder:      r.Responder.DeviceID,
		TrustLevel:     r.TrustLevel,
		State:          r.State,
		CloseReason:    r.CloseReason,
		ClosedAt:       r.ClosedAt,
		ExportedAt:     now,
		Events:         events,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("archive: marshal export record: %w", err)
	}

	hash, err = e.store.Store(ctx, data)
	if err != nil {
		return "", false, fmt.Errorf("archive: store export for %s: %w", r.ID, err)
	}
	return hash, true, nil
}
