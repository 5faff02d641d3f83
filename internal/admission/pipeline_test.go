package admission_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crypto/ed25519"

	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/admission"
	"github.com/intentkeep/broker/internal/brokererr"
	"github.com/intentkeep/broker/internal/canonicalize"
	"github.com/intentkeep/broker/internal/domain"
	"github.com/intentkeep/broker/internal/eventchain"
	"github.com/intentkeep/broker/internal/identity"
	"github.com/intentkeep/broker/internal/policy"
	"github.com/intentkeep/broker/internal/relationship"
	"github.com/intentkeep/broker/internal/store"
)

const fixturePolicy = `
version: "1.0.0"
policies:
  - intent_type: "schedule_request"
    trust_floor: 1
    appointment_mode: "none"
    require_consent: false
    risk_threshold: 0.1
    content_rules:
      min_context_length: 5
  - intent_type: "needs_consent"
    trust_floor: 1
    require_consent: true
    risk_threshold: 0.1
`

func writePolicyFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixturePolicy), 0o600))
	return path
}

type harness struct {
	pipeline  *admission.Pipeline
	store     store.Store
	registry  *identity.InMemoryKeyRegistry
	initKey   ed25519.PrivateKey
	lifecycle *relationship.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemoryStore()

	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)

	reg := identity.NewInMemoryKeyRegistry()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, reg.Apply(identity.KeyEvent{EventType: identity.KeyAdded, DeviceID: "device-a", PublicKey: pub}))

	verifier := identity.NewVerifier(reg)

	policyReg := policy.NewRegistry()
	require.NoError(t, policyReg.Load(writePolicyFixture(t)))

	celEngine, err := policy.NewCELEngine()
	require.NoError(t, err)

	lifecycle := relationship.NewEngine(s, chainKey)
	pipeline := admission.NewPipeline(s, verifier, policyReg, celEngine, nil, lifecycle, chainKey)

	return &harness{pipeline: pipeline, store: s, registry: reg, initKey: priv, lifecycle: lifecycle}
}

// establish uses the same Engine instance backing the pipeline, so a
// clock override via pipeline.WithClock is visible to both relationship
// creation and admission-time expiry checks.
func (h *harness) establish(t *testing.T, opts func(*relationship.EstablishParams)) *domain.Relationship {
	t.Helper()
	params := relationship.EstablishParams{
		Initiator:  domain.Participant{DeviceID: "device-a"},
		Responder:  domain.Participant{DeviceID: "device-b"},
		TrustLevel: 2,
		MaxDepth:   5,
		Timebox:    domain.Timebox{Mode: domain.TimeboxActivityBased, InactivityTimeout: time.Hour},
	}
	if opts != nil {
		opts(&params)
	}
	r, err := h.lifecycle.Establish(context.Background(), params)
	require.NoError(t, err)
	return r
}

func (h *harness) sign(t *testing.T, intent *domain.Intent) {
	t.Helper()
	h.signWith(t, intent, h.initKey)
}

func (h *harness) signWith(t *testing.T, intent *domain.Intent, key ed25519.PrivateKey) {
	t.Helper()
	canonical, err := canonicalize.JCS(struct {
		RelationshipID string             `json:"relationship_id"`
		Type           string             `json:"type"`
		Window         *domain.TimeWindow `json:"window,omitempty"`
		Context        map[string]any     `json:"context"`
		Constraints    domain.Constraints `json:"constraints,omitempty"`
		Sender         string             `json:"sender"`
	}{
		RelationshipID: intent.RelationshipID,
		Type:           intent.Type,
		Window:         intent.Window,
		Context:        intent.Context,
		Constraints:    intent.Constraints,
		Sender:         intent.Sender,
	})
	require.NoError(t, err)
	intent.Signature = ed25519.Sign(key, canonical)
}

func TestAdmit_Success(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	intent := domain.Intent{
		RelationshipID: r.ID,
		Type:           "schedule_request",
		Context:        map[string]any{"note": "please schedule something"},
		Sender:         "device-a",
	}
	h.sign(t, &intent)

	result, err := h.pipeline.Admit(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Sequence)
	require.GreaterOrEqual(t, result.RiskScore, 0.0)

	updated, err := h.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.Depth)
}

func TestAdmit_UnknownRelationship(t *testing.T) {
	h := newHarness(t)
	intent := domain.Intent{RelationshipID: "does-not-exist", Type: "schedule_request", Context: map[string]any{}, Sender: "device-a"}
	h.sign(t, &intent)

	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindUnknownRelationship, berr.Kind)
}

func TestAdmit_BadSignature(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	intent := domain.Intent{
		RelationshipID: r.ID,
		Type:           "schedule_request",
		Context:        map[string]any{"note": "hello there"},
		Sender:         "device-a",
		Signature:      []byte("not-a-real-signature-of-the-right-length-000000"),
	}

	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindBadSignature, berr.Kind)
}

func TestAdmit_WrongDirection(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	pubB, privB, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Apply(identity.KeyEvent{EventType: identity.KeyAdded, DeviceID: "device-b", PublicKey: pubB}))

	intent := domain.Intent{
		RelationshipID: r.ID,
		Type:           "schedule_request",
		Context:        map[string]any{"note": "hello there"},
		Sender:         "device-b",
	}
	h.signWith(t, &intent, privB)

	_, err = h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindWrongDirection, berr.Kind)
}

func TestAdmit_ClosedRelationship_RecordsBreach(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	chainKey, err := eventchain.DeriveKey("secret", "salt")
	require.NoError(t, err)
	engine := relationship.NewEngine(h.store, chainKey)
	_, err = engine.Close(context.Background(), r.ID, domain.CloseReasonUser)
	require.NoError(t, err)

	intent := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{"note": "hello there"}, Sender: "device-a"}
	h.sign(t, &intent)

	_, err = h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindClosedRelationship, berr.Kind)

	events, err := h.store.ListEvents(context.Background(), r.ID, 0)
	require.NoError(t, err)
	require.Equal(t, eventchain.EventBreachAttempt, events[len(events)-1].Type)
}

func TestAdmit_TrustLevelInsufficient(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, func(p *relationship.EstablishParams) { p.TrustLevel = 0 })

	intent := domain.Intent{RelationshipID: r.ID, Type: "needs_consent", Context: map[string]any{"note": "hello"}, Sender: "device-a"}
	h.sign(t, &intent)

	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindTrustLevelInsufficient, berr.Kind)
}

func TestAdmit_ConsentMissing(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	intent := domain.Intent{RelationshipID: r.ID, Type: "needs_consent", Context: map[string]any{"note": "hello"}, Sender: "device-a"}
	h.sign(t, &intent)

	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindConsentMissing, berr.Kind)
}

func TestAdmit_ContentFilterRejectsShortContext(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	intent := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{}, Sender: "device-a"}
	h.sign(t, &intent)

	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindFilterRejected, berr.Kind)
}

func TestAdmit_DepthExceeded_AutoCloses(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, func(p *relationship.EstablishParams) { p.MaxDepth = 1 })

	intent := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{"note": "hello there"}, Sender: "device-a"}
	h.sign(t, &intent)
	_, err := h.pipeline.Admit(context.Background(), intent)
	require.NoError(t, err)

	intent2 := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{"note": "hello again"}, Sender: "device-a"}
	h.sign(t, &intent2)
	_, err = h.pipeline.Admit(context.Background(), intent2)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindDepthExceeded, berr.Kind)

	updated, err := h.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateClosed, updated.State)
	require.Equal(t, domain.CloseReasonMaxDepthReached, updated.CloseReason)
}

func TestAdmit_ExpiredActivityBased(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.pipeline.WithClock(func() time.Time { return base })

	r := h.establish(t, func(p *relationship.EstablishParams) {
		p.Timebox = domain.Timebox{Mode: domain.TimeboxActivityBased, InactivityTimeout: time.Hour}
	})

	h.pipeline.WithClock(func() time.Time { return base.Add(2 * time.Hour) })

	intent := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{"note": "hello there"}, Sender: "device-a"}
	h.sign(t, &intent)
	_, err := h.pipeline.Admit(context.Background(), intent)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindExpired, berr.Kind)

	updated, err := h.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateClosed, updated.State)
}

func TestRespond_Success(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	intent := domain.Intent{RelationshipID: r.ID, Type: "schedule_request", Context: map[string]any{"note": "hello there"}, Sender: "device-a"}
	h.sign(t, &intent)
	admitResult, err := h.pipeline.Admit(context.Background(), intent)
	require.NoError(t, err)

	pubB, privB, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Apply(identity.KeyEvent{EventType: identity.KeyAdded, DeviceID: "device-b", PublicKey: pubB}))

	resp := admission.RespondParams{
		RelationshipID: r.ID,
		IntentSequence: admitResult.Sequence,
		Outcome:        domain.OutcomeAccepted,
		Sender:         "device-b",
	}
	canonical, err := canonicalize.JCS(struct {
		RelationshipID string `json:"relationship_id"`
		IntentSequence uint64 `json:"intent_sequence"`
		Outcome        string `json:"outcome"`
		Sender         string `json:"sender"`
	}{resp.RelationshipID, resp.IntentSequence, string(resp.Outcome), resp.Sender})
	require.NoError(t, err)
	resp.Signature = ed25519.Sign(privB, canonical)

	seq, err := h.pipeline.Respond(context.Background(), resp)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestRespond_NotAdmitted(t *testing.T) {
	h := newHarness(t)
	r := h.establish(t, nil)

	pubB, privB, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, h.registry.Apply(identity.KeyEvent{EventType: identity.KeyAdded, DeviceID: "device-b", PublicKey: pubB}))

	resp := admission.RespondParams{RelationshipID: r.ID, IntentSequence: 99, Outcome: domain.OutcomeAccepted, Sender: "device-b"}
	canonical, err := canonicalize.JCS(struct {
		RelationshipID string `json:"relationship_id"`
		IntentSequence uint64 `json:"intent_sequence"`
		Outcome        string `json:"outcome"`
		Sender         string `json:"sender"`
	}{resp.RelationshipID, resp.IntentSequence, string(resp.Outcome), resp.Sender})
	require.NoError(t, err)
	resp.Signature = ed25519.Sign(privB, canonical)

	_, err = h.pipeline.Respond(context.Background(), resp)
	require.Error(t, err)
	var berr *brokererr.Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, brokererr.KindNotAdmitted, berr.Kind)
}
