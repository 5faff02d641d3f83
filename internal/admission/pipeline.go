package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/canonicalize"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/oversight"
	"github.com/intentkeep/broker/internal/policy"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
)

// defaultDeadline is the total admission deadline of spec §5 (default 2
// seconds; exceeding it yields a `timeout` rejection).
const defaultDeadline = 2 * time.Second

// defaultProbationDepth bounds the "first-contact probation window" of
// step 8: a relationship is on probation for its first few admitted
// intents, independent of wall-clock age, so the signal is derivable
// purely from the event log (the depth counter).
const defaultProbationDepth = 3

// defaultGracePeriod is the fallback grace window for appointment-based
// relationships whose policy entry doesn't set one explicitly (spec
// §4.4 step 4: "grace defaults to 5 minutes").
const defaultGracePeriod = 5 * time.Minute

// recentRejectionWindow bounds how many trailing events are scanned to
// compute the "recent rejections" risk signal, so the scan cost is
// bounded regardless of a relationship's total history.
const recentRejectionWindow = 20

// Pipeline is the Admission Pipeline (L4). The zero value is not
// usable; construct with NewPipeline.
type Pipeline struct {
	store     store.Store
	verifier  *identity.Verifier
	policy    *policy.Registry
	cel       *policy.CELEngine
	schemas   *policy.SchemaRegistry
	lifecycle *relationship.Engine
	chainKey  eventchain.Key

	clock          func() time.Time
	deadline       time.Duration
	probationDepth int
	delivery       Delivery
	oversight      *oversight.Recorder
}

// NewPipeline wires the Admission Pipeline over its L1/L2/L3/L5/L6
// collaborators. cel and schemas may be nil if no policy entry ever
// sets a declarative predicate or a schema.
func NewPipeline(
	s store.Store,
	verifier *identity.Verifier,
	policyReg *policy.Registry,
	celEngine *policy.CELEngine,
	schemas *policy.SchemaRegistry,
	lifecycle *relationship.Engine,
	chainKey eventchain.Key,
) *Pipeline {
	return &Pipeline{
		store:          s,
		verifier:       verifier,
		policy:         policyReg,
		cel:            celEngine,
		schemas:        schemas,
		lifecycle:      lifecycle,
		chainKey:       chainKey,
		clock:          time.Now,
		deadline:       defaultDeadline,
		probationDepth: defaultProbationDepth,
	}
}

// WithClock overrides the clock for deterministic tests. It also
// propagates to the lifecycle engine, since step 4 calls CheckExpiry
// inline and both must agree on "now".
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	p.lifecycle.WithClock(clock)
	return p
}

// WithDeadline overrides the total per-admission deadline.
func (p *Pipeline) WithDeadline(d time.Duration) *Pipeline {
	p.deadline = d
	return p
}

// WithDelivery attaches the Delivery Subsystem for backpressure checks
// and intent handoff. Admission works without one (capacity checks are
// skipped, and admitted intents are simply not delivered anywhere) —
// useful for tests that only exercise the pipeline's own decisions.
func (p *Pipeline) WithDelivery(d Delivery) *Pipeline {
	p.delivery = d
	return p
}

// WithOversight attaches the compliance fan-out recorder, which copies
// every breach_attempt event whose intent type the Policy Registry
// flags oversight_copy or legal_hold to a separate sink. Admission
// works without one; breach events are still appended to the
// relationship's own chain either way.
func (p *Pipeline) WithOversight(o *oversight.Recorder) *Pipeline {
	p.oversight = o
	return p
}

// signableIntent is the subset of an Intent's fields that are actually
// signed: everything but the signature itself.
type signableIntent struct {
	RelationshipID string             `json:"relationship_id"`
	Type           string             `json:"type"`
	Window         *domain.TimeWindow `json:"window,omitempty"`
	Context        map[string]any     `json:"context"`
	Constraints    domain.Constraints `json:"constraints,omitempty"`
	Sender         string             `json:"sender"`
}

func canonicalIntent(intent domain.Intent) ([]byte, error) {
	return canonicalize.JCS(signableIntent{
		RelationshipID: intent.RelationshipID,
		Type:           intent.Type,
		Window:         intent.Window,
		Context:        intent.Context,
		Constraints:    intent.Constraints,
		Sender:         intent.Sender,
	})
}

func digestOf(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Admit runs the nine ordered checks of spec §4.4 against intent, in
// order, stopping at the first failure. Only step 9 mutates the
// relationship's depth, last-activity-at, and (for activity-based
// relationships) expires-at.
func (p *Pipeline) Admit(ctx context.Context, intent domain.Intent) (*AdmissionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	canonical, err := canonicalIntent(intent)
	if err != nil {
		return nil, brokererr.Internal("admission-canonicalize", err)
	}

	// L1: signature verification runs before a relationship is even
	// resolved, so its failures are never recorded against one
	// (brokererr.ClassUnrecorded).
	if berr := p.verifier.Verify(identity.SignedMessage{
		Sender:    intent.Sender,
		Canonical: canonical,
		Signature: intent.Signature,
	}); berr != nil {
		return nil, berr
	}

	// Step 1: relationship exists and is active.
	r, err := p.store.Get(ctx, intent.RelationshipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, brokererr.New(brokererr.KindUnknownRelationship, "relationship not found")
		}
		return nil, brokererr.Internal("admission-get-relationship", err)
	}
	if r.State == domain.StateClosed {
		return p.reject(ctx, r, brokererr.KindClosedRelationship, "relationship is closed", "", intent.Type)
	}

	// Step 2: sender direction — only the initiator may submit intents.
	if intent.Sender != r.Initiator.DeviceID {
		return p.reject(ctx, r, brokererr.KindWrongDirection, "sender is not the relationship initiator", "", intent.Type)
	}

	entry := p.policy.Lookup(intent.Type, r.TrustLevel)

	// Step 3: trust-level floor.
	if entry.TrustFloor > r.TrustLevel {
		return p.reject(ctx, r, brokererr.KindTrustLevelInsufficient,
			fmt.Sprintf("intent type %q requires trust level >= %d, relationship is at %d", intent.Type, entry.TrustFloor, r.TrustLevel), "", intent.Type)
	}

	if ctx.Err() != nil {
		return p.reject(ctx, r, brokererr.KindTimeout, "admission deadline exceeded", "", intent.Type)
	}

	// Step 4: timebox / appointment window.
	withinGrace := false
	switch r.Timebox.Mode {
	case domain.TimeboxActivityBased:
		updated, closed, err := p.lifecycle.CheckExpiry(ctx, r)
		if err != nil {
			return nil, brokererr.Internal("admission-check-expiry", err)
		}
		if closed {
			// CheckExpiry already appended relationship_closed; there is
			// nothing further to record.
			return nil, brokererr.New(brokererr.KindExpired, "relationship expired before this intent was admitted")
		}
		r = updated

	case domain.TimeboxAppointmentBased:
		now := p.clock()
		switch entry.Appointment {
		case policy.AppointmentNone:
			// intent type opts out of appointment-window enforcement.

		case policy.AppointmentGrace:
			grace := entry.GracePeriod
			if grace == 0 {
				grace = defaultGracePeriod
			}
			outerStart := r.Timebox.AppointmentStart.Add(-grace)
			outerEnd := r.Timebox.AppointmentEnd.Add(grace)
			if now.Before(outerStart) || now.After(outerEnd) {
				return p.reject(ctx, r, brokererr.KindOutsideWindow, "outside appointment window, even with grace period applied", "", intent.Type)
			}
			if now.Before(r.Timebox.AppointmentStart) || now.After(r.Timebox.AppointmentEnd) {
				withinGrace = true
			}

		default: // AppointmentStrict, or an unset/unknown mode: conservative.
			if now.Before(r.Timebox.AppointmentStart) || now.After(r.Timebox.AppointmentEnd) {
				return p.reject(ctx, r, brokererr.KindOutsideWindow, "outside strict appointment window", "", intent.Type)
			}
		}
	}

	// Step 5: depth cap. A responder's response never reaches this
	// pipeline at all, so only admitted initiator intents count.
	if r.Depth >= r.MaxDepth {
		// The intent_rejected event is appended before the auto-close,
		// so relationship_closed remains the last event on the chain.
		_, rejectErr := p.reject(ctx, r, brokererr.KindDepthExceeded, "relationship reached its maximum depth", "", intent.Type)
		if _, closeErr := p.lifecycle.Close(ctx, r.ID, domain.CloseReasonMaxDepthReached); closeErr != nil {
			return nil, brokererr.Internal("admission-close-max-depth", closeErr)
		}
		return nil, rejectErr
	}

	if ctx.Err() != nil {
		return p.reject(ctx, r, brokererr.KindTimeout, "admission deadline exceeded", "", intent.Type)
	}

	// Step 6: consent check.
	if entry.RequireConsent && !policy.HasConsent(r.ContextSnapshot, intent.Type) {
		return p.reject(ctx, r, brokererr.KindConsentMissing, "policy requires consent not present in relationship context", "", intent.Type)
	}

	// Step 7: content filter.
	serializedBytes, err := json.Marshal(intent.Context)
	if err != nil {
		return nil, brokererr.Internal("admission-serialize-context", err)
	}
	serialized := string(serializedBytes)

	if res := policy.CheckContent(entry, intent.Context, serialized); !res.Passed {
		return p.reject(ctx, r, brokererr.KindFilterRejected, res.Reason, "", intent.Type)
	}
	if p.schemas != nil {
		if err := p.schemas.Validate(intent.Type, intent.Context); err != nil {
			return p.reject(ctx, r, brokererr.KindFilterRejected, err.Error(), "", intent.Type)
		}
	}
	recentRejections := p.recentRejections(ctx, r)
	withinProbation := r.Depth < p.probationDepth
	if entry.ConsentFilter != "" && p.cel != nil {
		ok, err := p.cel.EvalBool(entry.ConsentFilter, policy.Input{
			Context:          intent.Context,
			Constraints:      constraintsToMap(intent.Constraints),
			ContextSnapshot:  r.ContextSnapshot,
			TrustLevel:       r.TrustLevel,
			RecentRejections: recentRejections,
			WithinProbation:  withinProbation,
		})
		if err != nil {
			return nil, brokererr.Internal("admission-cel-eval", err)
		}
		if !ok {
			return p.reject(ctx, r, brokererr.KindFilterRejected, "declarative content predicate rejected the intent", "", intent.Type)
		}
	}

	if ctx.Err() != nil {
		return p.reject(ctx, r, brokererr.KindTimeout, "admission deadline exceeded", "", intent.Type)
	}

	// Step 8: risk score threshold, plus the delivery-queue backpressure
	// signal that shares this step (spec §4.7: "rejected at step 8 of
	// the pipeline, risk_too_low with signal responder_overloaded").
	if p.delivery != nil && !p.delivery.HasCapacity(r.Responder.DeviceID) {
		return p.reject(ctx, r, brokererr.KindRiskTooLow, "responder's pending queue is at capacity", "responder_overloaded", intent.Type)
	}

	signals := policy.RiskSignals{
		ContextLength:         len(serialized),
		MinContextLength:      entry.ContentRules.MinContextLength,
		RecentRejections:      recentRejections,
		ConstraintsExceedCaps: constraintsExceedCaps(intent.Constraints),
		WithinProbation:       withinProbation,
	}
	score := policy.RiskScore(signals)
	if score < entry.RiskThreshold {
		return p.reject(ctx, r, brokererr.KindRiskTooLow,
			fmt.Sprintf("risk score %.2f is below the threshold %.2f", score, entry.RiskThreshold), "", intent.Type)
	}

	// Step 9: admit. This is the only step that mutates state.
	return p.admit(ctx, r, intent, canonical, score, withinGrace)
}

func (p *Pipeline) admit(ctx context.Context, r *domain.Relationship, intent domain.Intent, canonical []byte, score float64, withinGrace bool) (*AdmissionResult, error) {
	now := p.clock()
	seq := r.ChainLength
	policyVersion := p.policy.Version()

	payload := map[string]any{
		"intent_type":    intent.Type,
		"intent_digest":  digestOf(canonical),
		"risk_score":     score,
		"policy_version": policyVersion,
	}
	if withinGrace {
		payload["within_grace"] = true
	}

	evt, err := eventchain.NewEvent(p.chainKey, r.ID, seq, eventchain.EventIntentAdmitted, payload, r.ChainHead, now)
	if err != nil {
		return nil, brokererr.Internal("admission-build-event", err)
	}
	if _, err := p.store.AppendEvent(ctx, r.ID, *evt, true); err != nil {
		return nil, brokererr.Internal("admission-append-event", err)
	}

	final, err := p.store.UpdateState(ctx, r.ID, func(rel *domain.Relationship) error {
		rel.Depth++
		if rel.Timebox.Mode == domain.TimeboxActivityBased {
			rel.ExpiresAt = now.Add(rel.Timebox.InactivityTimeout)
		}
		if withinGrace && rel.TrustLevel > 0 {
			// spec §4.4 step 4: "the admission lowers trust if applied in
			// the grace window".
			rel.TrustLevel--
		}
		return nil
	})
	if err != nil {
		return nil, brokererr.Internal("admission-update-state", err)
	}

	result := &AdmissionResult{Sequence: seq, RiskScore: score, PolicyVersion: policyVersion, WithinGrace: withinGrace}

	if p.delivery != nil {
		if err := p.delivery.Enqueue(ctx, final.Responder.DeviceID, AdmittedIntent{
			RelationshipID: r.ID,
			Sequence:       seq,
			Intent:         intent,
			RiskScore:      score,
			AdmittedAt:     now,
		}); err != nil {
			// The intent is already admitted and recorded; a delivery
			// failure afterward is an operational concern for the
			// caller, not a pipeline rejection.
			return result, brokererr.Internal("admission-deliver", err)
		}
	}

	return result, nil
}

// reject records a single rejection (or breach_attempt) event and
// returns the corresponding error, per spec §4.4: "rejections at steps
// 1-8 write a single rejection event ... and never mutate depth or
// last-activity-at." Kinds classified brokererr.ClassUnrecorded (no
// relationship resolved yet, or the relationship was already closed by
// this same call) write nothing.
func (p *Pipeline) reject(ctx context.Context, r *domain.Relationship, kind brokererr.Kind, detail, signal, intentType string) (*AdmissionResult, error) {
	berr := brokererr.New(kind, detail)
	if signal != "" {
		berr = berr.WithSignal(signal)
	}

	class := kind.EventClass()
	if class == brokererr.ClassUnrecorded || r == nil {
		return nil, berr
	}

	payload := map[string]any{"kind": string(kind), "detail": detail}
	if signal != "" {
		payload["signal"] = signal
	}
	if intentType != "" {
		payload["intent_type"] = intentType
	}
	evtType := eventchain.EventIntentRejected
	if class == brokererr.ClassBreach {
		evtType = eventchain.EventBreachAttempt
	}

	evt, err := eventchain.NewEvent(p.chainKey, r.ID, r.ChainLength, evtType, payload, r.ChainHead, p.clock())
	if err != nil {
		return nil, brokererr.Internal("admission-reject-build-event", err)
	}
	if _, err := p.store.AppendEvent(ctx, r.ID, *evt, false); err != nil {
		return nil, brokererr.Internal("admission-reject-append-event", err)
	}
	if p.oversight != nil && evtType == eventchain.EventBreachAttempt {
		p.oversight.Observe(ctx, r.TrustLevel, *evt)
	}
	return nil, berr
}

// recentRejections counts intent_rejected events within a trailing
// window of the chain, so the risk score's "recent rejections" signal
// stays reproducible purely from the event log (spec §4.4 step 8) and
// doesn't require a separate mutable counter on the relationship
// record.
func (p *Pipeline) recentRejections(ctx context.Context, r *domain.Relationship) int {
	fromSeq := uint64(0)
	if r.ChainLength > recentRejectionWindow {
		fromSeq = r.ChainLength - recentRejectionWindow
	}
	events, err := p.store.ListEvents(ctx, r.ID, fromSeq)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range events {
		if e.Type == eventchain.EventIntentRejected {
			count++
		}
	}
	return count
}

// conservativeMaxRetries and conservativeMaxPriority are the caps step
// 8's "constraints exceed conservative caps" signal checks against.
const (
	conservativeMaxRetries  = 5
	conservativeMaxPriority = 7
)

func constraintsExceedCaps(c domain.Constraints) bool {
	if c.MaxRetries > conservativeMaxRetries {
		return true
	}
	if c.Priority > conservativeMaxPriority {
		return true
	}
	return false
}

func constraintsToMap(c domain.Constraints) map[string]any {
	m := map[string]any{
		"max_retries": int64(c.MaxRetries),
		"priority":    int64(c.Priority),
	}
	if !c.Deadline.IsZero() {
		m["deadline_unix"] = c.Deadline.Unix()
	}
	return m
}
