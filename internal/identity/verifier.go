package identity

import (
	"crypto/ed25519"
	"time"

	"github.com/intentkeep/broker/internal/brokererr"
)

// SignedMessage is an already-canonicalized message awaiting signature
// verification (spec §4.1: "given a canonical message and a declared
// sender identifier, return valid or a specific failure kind").
type SignedMessage struct {
	Sender    string // declared device ID
	HumanID   string // declared human ID, optional
	Canonical []byte
	Signature []byte
}

// Verifier checks inbound signed messages against a KeyRegistry,
// implementing the four ordered checks of spec §4.1 / §7:
// unknown_sender, expired_key, bad_signature, binding_mismatch.
type Verifier struct {
	registry KeyRegistry
	now      func() time.Time
}

// NewVerifier builds a Verifier over the given registry.
func NewVerifier(registry KeyRegistry) *Verifier {
	return &Verifier{registry: registry, now: time.Now}
}

// Verify runs the ordered signature-verification checks and returns nil
// on success, or the first failing *brokererr.Error otherwise.
func (v *Verifier) Verify(msg SignedMessage) *brokererr.Error {
	rec, ok := v.registry.Lookup(msg.Sender)
	if !ok {
		return brokererr.New(brokererr.KindUnknownSender, "no key registered for sender "+msg.Sender)
	}

	if !rec.ExpiresAt.IsZero() && v.now().After(rec.ExpiresAt) {
		return brokererr.New(brokererr.KindExpiredKey, "key for sender "+msg.Sender+" has expired")
	}

	if !ed25519.Verify(rec.PublicKey, msg.Canonical, msg.Signature) {
		return brokererr.New(brokererr.KindBadSignature, "signature verification failed")
	}

	if msg.HumanID != "" && rec.HumanID != "" && msg.HumanID != rec.HumanID {
		return brokererr.New(brokererr.KindBindingMismatch, "declared human_id does not match the device's bound identity")
	}

	return nil
}
