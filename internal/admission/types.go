// Package admission implements L4: the Admission Pipeline, the heart of
// the design. For every inbound intent it runs nine ordered checks,
// fail-fast, with state mutation confined to the last step; an
// analogous, shorter pipeline handles the responder-facing channel.
//
// Grounded on the teacher's envelope.EnvelopeGate: a numbered sequence
// of checks, each returning immediately on the first failure, with all
// counters only advanced once every check has passed.
package admission

import (
	"context"
	"time"

	"github.com/intentkeep/broker/internal/domain"
)

// AdmittedIntent is handed to the Delivery Subsystem (L7) once an intent
// clears every admission check.
type AdmittedIntent struct {
	RelationshipID string
	Sequence       uint64
	Intent         domain.Intent
	RiskScore      float64
	AdmittedAt     time.Time
}

// Delivery is the narrow slice of L7 the pipeline depends on: capacity
// accounting for backpressure (step 8) and handoff of an admitted
// intent (step 9). Kept as a small interface here, rather than an
// import of internal/delivery, so the two packages can evolve and be
// tested independently; internal/delivery implements it.
type Delivery interface {
	// HasCapacity reports whether responderDeviceID's pending queue has
	// room for one more intent.
	HasCapacity(responderDeviceID string) bool
	// Enqueue hands an admitted intent to the responder's subscription
	// or pending queue.
	Enqueue(ctx context.Context, responderDeviceID string, ai AdmittedIntent) error
}

// AdmissionResult is returned to the caller on a successful admit (spec
// §6 `send_intent`: "event sequence, admitted flag, final risk score").
type AdmissionResult struct {
	Sequence      uint64
	RiskScore     float64
	PolicyVersion string
	WithinGrace   bool
}
